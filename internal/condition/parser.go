package condition

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	parameterNameKeyConstant             = "name"
	parameterValueKeyConstant            = "value"
	truthyParameterValueConstant         = "true"
	unsupportedNodeProblemTemplateConst  = "unsupported condition node at line %d"
	unknownKeyProblemTemplateConstant    = "unknown condition kind %q at line %d"
	scalarExpectedProblemTemplateConst   = "%s expects a string at line %d"
	sequenceExpectedProblemTemplateConst = "%s expects a list at line %d"
	mappingExpectedProblemTemplateConst  = "%s expects a mapping at line %d"
	comparisonDecodeProblemTemplateConst = "%s expects name and value at line %d: %v"
)

type comparisonDocument struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Parse converts a YAML condition node into a Condition tree.
// A nil or empty node yields nil (always true). Malformed parts become Invalid nodes
// so the problem surfaces at evaluation time instead of aborting the definition load.
// A mapping with several keys is an implicit all.
func Parse(node *yaml.Node) *Condition {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		return Parse(node.Content[0])
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return Invalid(fmt.Sprintf(unsupportedNodeProblemTemplateConst, node.Line))
	}
	if len(node.Content) == 0 {
		return nil
	}

	clauses := make([]*Condition, 0, len(node.Content)/2)
	for index := 0; index+1 < len(node.Content); index += 2 {
		clauses = append(clauses, parseClause(node.Content[index], node.Content[index+1]))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return All(clauses...)
}

func parseClause(keyNode *yaml.Node, valueNode *yaml.Node) *Condition {
	kind := Kind(strings.ToLower(strings.TrimSpace(keyNode.Value)))
	switch kind {
	case KindBranch:
		value, problem := scalarValue(kind, valueNode)
		if len(problem) > 0 {
			return Invalid(problem)
		}
		return Branch(value)
	case KindBranchPattern:
		value, problem := scalarValue(kind, valueNode)
		if len(problem) > 0 {
			return Invalid(problem)
		}
		return BranchPattern(value)
	case KindChangeset:
		value, problem := scalarValue(kind, valueNode)
		if len(problem) > 0 {
			return Invalid(problem)
		}
		return Changeset(value)
	case KindAnyOf:
		if valueNode.Kind == yaml.ScalarNode {
			return AnyOf(valueNode.Value)
		}
		if valueNode.Kind != yaml.SequenceNode {
			return Invalid(fmt.Sprintf(sequenceExpectedProblemTemplateConst, kind, valueNode.Line))
		}
		patterns := make([]string, 0, len(valueNode.Content))
		for _, patternNode := range valueNode.Content {
			value, problem := scalarValue(kind, patternNode)
			if len(problem) > 0 {
				return Invalid(problem)
			}
			patterns = append(patterns, value)
		}
		return AnyOf(patterns...)
	case KindParameter, KindEnvironment:
		name, value, problem := comparisonValue(kind, valueNode)
		if len(problem) > 0 {
			return Invalid(problem)
		}
		if kind == KindParameter {
			return Parameter(name, value)
		}
		return Environment(name, value)
	case KindAll, KindAny:
		if valueNode.Kind != yaml.SequenceNode {
			return Invalid(fmt.Sprintf(sequenceExpectedProblemTemplateConst, kind, valueNode.Line))
		}
		children := make([]*Condition, 0, len(valueNode.Content))
		for _, childNode := range valueNode.Content {
			child := Parse(childNode)
			if child == nil {
				child = Invalid(fmt.Sprintf(unsupportedNodeProblemTemplateConst, childNode.Line))
			}
			children = append(children, child)
		}
		if kind == KindAll {
			return All(children...)
		}
		return Any(children...)
	case KindNot:
		if valueNode.Kind != yaml.MappingNode {
			return Invalid(fmt.Sprintf(mappingExpectedProblemTemplateConst, kind, valueNode.Line))
		}
		child := Parse(valueNode)
		if child == nil {
			child = Invalid(fmt.Sprintf(unsupportedNodeProblemTemplateConst, valueNode.Line))
		}
		return Not(child)
	default:
		return Invalid(fmt.Sprintf(unknownKeyProblemTemplateConstant, keyNode.Value, keyNode.Line))
	}
}

func scalarValue(kind Kind, node *yaml.Node) (string, string) {
	if node == nil || node.Kind != yaml.ScalarNode {
		line := 0
		if node != nil {
			line = node.Line
		}
		return "", fmt.Sprintf(scalarExpectedProblemTemplateConst, kind, line)
	}
	return node.Value, ""
}

// comparisonValue accepts either "name" (compared against "true") or {name, value}.
func comparisonValue(kind Kind, node *yaml.Node) (string, string, string) {
	if node.Kind == yaml.ScalarNode {
		return node.Value, truthyParameterValueConstant, ""
	}
	if node.Kind != yaml.MappingNode {
		return "", "", fmt.Sprintf(mappingExpectedProblemTemplateConst, kind, node.Line)
	}
	var document comparisonDocument
	if decodeError := node.Decode(&document); decodeError != nil {
		return "", "", fmt.Sprintf(comparisonDecodeProblemTemplateConst, kind, node.Line, decodeError)
	}
	if len(strings.TrimSpace(document.Name)) == 0 {
		return "", "", fmt.Sprintf(comparisonDecodeProblemTemplateConst, kind, node.Line, parameterNameKeyConstant+" missing")
	}
	if !hasKey(node, parameterValueKeyConstant) {
		document.Value = truthyParameterValueConstant
	}
	return document.Name, document.Value, ""
}

func hasKey(node *yaml.Node, key string) bool {
	for index := 0; index+1 < len(node.Content); index += 2 {
		if node.Content[index].Value == key {
			return true
		}
	}
	return false
}
