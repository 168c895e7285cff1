// Package condition models the predicates that decide whether a pipeline stage runs.
package condition

import (
	"strings"
)

// Kind identifies a predicate variant.
type Kind string

// Supported predicate kinds.
const (
	KindBranch        Kind = "branch"
	KindBranchPattern Kind = "branch_pattern"
	KindChangeset     Kind = "changeset"
	KindAnyOf         Kind = "any_of"
	KindParameter     Kind = "param"
	KindEnvironment   Kind = "env"
	KindAll           Kind = "all"
	KindAny           Kind = "any"
	KindNot           Kind = "not"
	KindInvalid       Kind = "invalid"
)

// Condition is a node in a predicate tree. A nil Condition is always true.
type Condition struct {
	Kind     Kind
	Name     string
	Value    string
	Patterns []string
	Children []*Condition
	Problem  string
}

// Facts are the run attributes a condition is evaluated against.
type Facts struct {
	Branch       string
	ChangedPaths []string
	Parameters   map[string]string
	Variables    map[string]string
}

// Branch matches when the triggering branch equals name.
func Branch(name string) *Condition {
	return &Condition{Kind: KindBranch, Value: strings.TrimSpace(name)}
}

// BranchPattern matches when the triggering branch matches a glob.
func BranchPattern(pattern string) *Condition {
	return &Condition{Kind: KindBranchPattern, Value: strings.TrimSpace(pattern)}
}

// Changeset matches when any changed path matches pattern.
func Changeset(pattern string) *Condition {
	return &Condition{Kind: KindChangeset, Patterns: []string{strings.TrimSpace(pattern)}}
}

// AnyOf matches when the changed path set intersects the glob set.
func AnyOf(patterns ...string) *Condition {
	trimmed := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		trimmed = append(trimmed, strings.TrimSpace(pattern))
	}
	return &Condition{Kind: KindAnyOf, Patterns: trimmed}
}

// Parameter matches when the user-supplied parameter name equals value.
func Parameter(name string, value string) *Condition {
	return &Condition{Kind: KindParameter, Name: strings.TrimSpace(name), Value: value}
}

// Environment matches when the visible overlay variable name equals value.
func Environment(name string, value string) *Condition {
	return &Condition{Kind: KindEnvironment, Name: strings.TrimSpace(name), Value: value}
}

// All matches when every child matches, evaluated left to right.
func All(children ...*Condition) *Condition {
	return &Condition{Kind: KindAll, Children: children}
}

// Any matches when at least one child matches, evaluated left to right.
func Any(children ...*Condition) *Condition {
	return &Condition{Kind: KindAny, Children: children}
}

// Not inverts child.
func Not(child *Condition) *Condition {
	return &Condition{Kind: KindNot, Children: []*Condition{child}}
}

// Invalid records a condition that could not be understood; it never matches.
func Invalid(problem string) *Condition {
	return &Condition{Kind: KindInvalid, Problem: problem}
}

// String renders a compact, deterministic description used in logs.
func (condition *Condition) String() string {
	if condition == nil {
		return "always"
	}
	switch condition.Kind {
	case KindBranch, KindBranchPattern:
		return string(condition.Kind) + "(" + condition.Value + ")"
	case KindChangeset, KindAnyOf:
		return string(condition.Kind) + "(" + strings.Join(condition.Patterns, ",") + ")"
	case KindParameter, KindEnvironment:
		return string(condition.Kind) + "(" + condition.Name + "=" + condition.Value + ")"
	case KindAll, KindAny, KindNot:
		parts := make([]string, 0, len(condition.Children))
		for _, child := range condition.Children {
			parts = append(parts, child.String())
		}
		return string(condition.Kind) + "(" + strings.Join(parts, ",") + ")"
	case KindInvalid:
		return "invalid(" + condition.Problem + ")"
	default:
		return string(condition.Kind)
	}
}
