package condition

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

const (
	conditionEvaluationErrorMessageConstant = "condition_evaluation_error"
	conditionFieldConstant                  = "condition"
	problemFieldConstant                    = "problem"
	emptyCompositeProblemTemplateConstant   = "%s requires at least one child condition"
	notArityProblemConstant                 = "not requires exactly one child condition"
	nilChildProblemConstant                 = "composite condition contains an empty child"
	invalidPatternProblemTemplateConstant   = "invalid glob pattern %q"
	missingNameProblemTemplateConstant      = "%s requires a name"
	missingValueProblemTemplateConstant     = "%s requires a value"
	missingPatternsProblemTemplateConstant  = "%s requires at least one pattern"
	unknownKindProblemTemplateConstant      = "unknown condition kind %q"
)

// Evaluator answers whether a condition holds for a set of facts.
// Evaluation never fails: malformed conditions are logged and evaluate to false.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator constructs an Evaluator that reports malformed conditions to logger.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether condition holds. A nil condition always holds.
func (evaluator *Evaluator) Evaluate(condition *Condition, facts Facts) bool {
	if condition == nil {
		return true
	}
	result, problem := evaluate(condition, facts)
	if len(problem) > 0 {
		evaluator.logger.Warn(
			conditionEvaluationErrorMessageConstant,
			zap.String(conditionFieldConstant, condition.String()),
			zap.String(problemFieldConstant, problem),
		)
		return false
	}
	return result
}

// evaluate returns a non-empty problem when the tree is malformed; the boolean is then meaningless.
func evaluate(condition *Condition, facts Facts) (bool, string) {
	if condition == nil {
		return false, nilChildProblemConstant
	}

	switch condition.Kind {
	case KindBranch:
		if len(condition.Value) == 0 {
			return false, fmt.Sprintf(missingValueProblemTemplateConstant, condition.Kind)
		}
		return strings.TrimSpace(facts.Branch) == condition.Value, ""
	case KindBranchPattern:
		if !doublestar.ValidatePattern(condition.Value) || len(condition.Value) == 0 {
			return false, fmt.Sprintf(invalidPatternProblemTemplateConstant, condition.Value)
		}
		return matchGlob(condition.Value, strings.TrimSpace(facts.Branch)), ""
	case KindChangeset, KindAnyOf:
		if len(condition.Patterns) == 0 {
			return false, fmt.Sprintf(missingPatternsProblemTemplateConstant, condition.Kind)
		}
		for _, pattern := range condition.Patterns {
			if len(pattern) == 0 || !doublestar.ValidatePattern(pattern) {
				return false, fmt.Sprintf(invalidPatternProblemTemplateConstant, pattern)
			}
		}
		return changedPathsIntersect(condition.Patterns, facts.ChangedPaths), ""
	case KindParameter:
		if len(condition.Name) == 0 {
			return false, fmt.Sprintf(missingNameProblemTemplateConstant, condition.Kind)
		}
		value, exists := facts.Parameters[condition.Name]
		return exists && value == condition.Value, ""
	case KindEnvironment:
		if len(condition.Name) == 0 {
			return false, fmt.Sprintf(missingNameProblemTemplateConstant, condition.Kind)
		}
		value, exists := facts.Variables[condition.Name]
		return exists && value == condition.Value, ""
	case KindAll:
		if len(condition.Children) == 0 {
			return false, fmt.Sprintf(emptyCompositeProblemTemplateConstant, condition.Kind)
		}
		for _, child := range condition.Children {
			childResult, problem := evaluate(child, facts)
			if len(problem) > 0 {
				return false, problem
			}
			if !childResult {
				return false, ""
			}
		}
		return true, ""
	case KindAny:
		if len(condition.Children) == 0 {
			return false, fmt.Sprintf(emptyCompositeProblemTemplateConstant, condition.Kind)
		}
		for _, child := range condition.Children {
			childResult, problem := evaluate(child, facts)
			if len(problem) > 0 {
				return false, problem
			}
			if childResult {
				return true, ""
			}
		}
		return false, ""
	case KindNot:
		if len(condition.Children) != 1 {
			return false, notArityProblemConstant
		}
		childResult, problem := evaluate(condition.Children[0], facts)
		if len(problem) > 0 {
			return false, problem
		}
		return !childResult, ""
	case KindInvalid:
		return false, condition.Problem
	default:
		return false, fmt.Sprintf(unknownKindProblemTemplateConstant, condition.Kind)
	}
}

func changedPathsIntersect(patterns []string, changedPaths []string) bool {
	for _, changedPath := range changedPaths {
		normalizedPath := strings.TrimPrefix(strings.TrimSpace(changedPath), "./")
		if len(normalizedPath) == 0 {
			continue
		}
		for _, pattern := range patterns {
			if matchGlob(pattern, normalizedPath) {
				return true
			}
		}
	}
	return false
}

func matchGlob(pattern string, candidate string) bool {
	matched, matchError := doublestar.Match(pattern, candidate)
	return matchError == nil && matched
}
