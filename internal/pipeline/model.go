// Package pipeline defines the static pipeline graph: stages, their bodies, post hooks, and approval gates.
package pipeline

import (
	"strings"
	"time"

	"github.com/tyemirov/gantry/internal/condition"
)

// PathSeparator joins stage names into a stage path.
const PathSeparator = "/"

// BodyKind tags the exclusive variants of a stage body.
type BodyKind string

// Stage body variants.
const (
	BodyKindLeaf     BodyKind = "leaf"
	BodyKindSequence BodyKind = "sequence"
	BodyKindParallel BodyKind = "parallel"
)

// Body is the work a stage performs: one action or an ordered/concurrent set of children.
type Body struct {
	Kind     BodyKind
	Action   string
	Children []*Stage
}

// Leaf builds a body that invokes a single action.
func Leaf(actionIdentifier string) Body {
	return Body{Kind: BodyKindLeaf, Action: strings.TrimSpace(actionIdentifier)}
}

// Sequence builds a body whose children run in order.
func Sequence(children ...*Stage) Body {
	return Body{Kind: BodyKindSequence, Children: children}
}

// Parallel builds a body whose children run concurrently.
func Parallel(children ...*Stage) Body {
	return Body{Kind: BodyKindParallel, Children: children}
}

// IsComposite reports whether the body contains child stages.
func (body Body) IsComposite() bool {
	return body.Kind == BodyKindSequence || body.Kind == BodyKindParallel
}

// HookTrigger selects when a hook list runs.
type HookTrigger string

// Hook triggers in execution order.
const (
	HookTriggerAlways  HookTrigger = "always"
	HookTriggerSuccess HookTrigger = "success"
	HookTriggerFailure HookTrigger = "failure"
)

// HookKind identifies what a hook does.
type HookKind string

// Supported hook kinds.
const (
	HookKindRun     HookKind = "run"
	HookKindNotify  HookKind = "notify"
	HookKindPublish HookKind = "publish"
	HookKindTrigger HookKind = "trigger"
)

// Hook is a side-effecting action tied to a stage or pipeline outcome.
type Hook struct {
	Kind     HookKind
	Action   string
	Channel  string
	Severity string
	Message  string
	Path     string
	Stage    string
}

// Description renders the hook for records and logs.
func (hook Hook) Description() string {
	switch hook.Kind {
	case HookKindRun:
		return string(hook.Kind) + ":" + hook.Action
	case HookKindNotify:
		return string(hook.Kind) + ":" + hook.Channel
	case HookKindPublish:
		return string(hook.Kind) + ":" + hook.Path
	case HookKindTrigger:
		return string(hook.Kind) + ":" + hook.Stage
	default:
		return string(hook.Kind)
	}
}

// PostHooks maps each trigger to an ordered hook list.
type PostHooks struct {
	Always  []Hook
	Success []Hook
	Failure []Hook
}

// ForTrigger returns the hooks bound to trigger.
func (hooks PostHooks) ForTrigger(trigger HookTrigger) []Hook {
	switch trigger {
	case HookTriggerAlways:
		return hooks.Always
	case HookTriggerSuccess:
		return hooks.Success
	case HookTriggerFailure:
		return hooks.Failure
	default:
		return nil
	}
}

// All returns every hook in trigger order.
func (hooks PostHooks) All() []Hook {
	combined := make([]Hook, 0, len(hooks.Always)+len(hooks.Success)+len(hooks.Failure))
	combined = append(combined, hooks.Always...)
	combined = append(combined, hooks.Success...)
	combined = append(combined, hooks.Failure...)
	return combined
}

// ApprovalGate describes a blocking human confirmation checkpoint.
type ApprovalGate struct {
	Message   string
	Timeout   time.Duration
	Approvers []string
	// Fatal gates cancel the run when they are not approved.
	Fatal bool
}

// AgentRequirement describes the hosts a stage can run on.
type AgentRequirement struct {
	Labels []string
}

// Stage is a named unit of pipeline work, leaf or composite.
type Stage struct {
	Name             string
	Condition        *condition.Condition
	Body             Body
	Hooks            PostHooks
	RequiresApproval *ApprovalGate
	Environment      map[string]string
	Agent            *AgentRequirement
	// BestEffort sequences keep running later children after a failure.
	BestEffort bool
}

// Pipeline is the root of a stage tree plus pipeline-level terminal hooks.
type Pipeline struct {
	Name        string
	Environment map[string]string
	Stages      []*Stage
	Hooks       PostHooks
	BestEffort  bool
}

// JoinPath appends a stage name to a parent path.
func JoinPath(parentPath string, name string) string {
	if len(parentPath) == 0 {
		return name
	}
	return parentPath + PathSeparator + name
}

// Walk visits every stage depth-first in declaration order with its path and ancestor paths.
func (pipeline *Pipeline) Walk(visit func(stage *Stage, path string, ancestors []string)) {
	if pipeline == nil || visit == nil {
		return
	}
	var walk func(stages []*Stage, parentPath string, ancestors []string)
	walk = func(stages []*Stage, parentPath string, ancestors []string) {
		for _, stage := range stages {
			if stage == nil {
				continue
			}
			stagePath := JoinPath(parentPath, stage.Name)
			visit(stage, stagePath, ancestors)
			if stage.Body.IsComposite() {
				childAncestors := append(append([]string(nil), ancestors...), stagePath)
				walk(stage.Body.Children, stagePath, childAncestors)
			}
		}
	}
	walk(pipeline.Stages, "", nil)
}

// FindStage resolves a reference by exact path, or by bare name when exactly one stage carries it.
func (pipeline *Pipeline) FindStage(reference string) (*Stage, string, bool) {
	trimmedReference := strings.TrimSpace(reference)
	if len(trimmedReference) == 0 {
		return nil, "", false
	}

	var pathMatch *Stage
	var nameMatches []*Stage
	var nameMatchPaths []string
	pipeline.Walk(func(stage *Stage, stagePath string, _ []string) {
		if stagePath == trimmedReference {
			pathMatch = stage
		}
		if stage.Name == trimmedReference {
			nameMatches = append(nameMatches, stage)
			nameMatchPaths = append(nameMatchPaths, stagePath)
		}
	})
	if pathMatch != nil {
		return pathMatch, trimmedReference, true
	}
	if len(nameMatches) == 1 {
		return nameMatches[0], nameMatchPaths[0], true
	}
	return nil, "", false
}
