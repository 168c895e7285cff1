package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	structuralErrorSummaryTemplateConstant  = "invalid pipeline: %s"
	structuralErrorSeparatorConstant        = "; "
	pipelineRootLabelConstant               = "pipeline"
	emptyPipelineProblemConstant            = "pipeline defines no stages"
	nilStageProblemTemplateConstant         = "%s contains an empty stage entry"
	emptyStageNameProblemTemplateConstant   = "%s contains a stage without a name"
	duplicateStageProblemTemplateConstant   = "%s defines stage %q multiple times"
	stageSeparatorProblemTemplateConstant   = "stage %q must not contain %q"
	missingBodyProblemTemplateConstant      = "stage %q has neither an action nor child stages"
	mixedBodyProblemTemplateConstant        = "stage %q mixes an action with child stages"
	emptyGroupProblemTemplateConstant       = "stage %q defines an empty %s group"
	unknownBodyProblemTemplateConstant      = "stage %q has unsupported body kind %q"
	nestedGateProblemTemplateConstant       = "stage %q requires approval inside gated stage %q"
	concurrentGateProblemTemplateConstant   = "parallel stage %q contains approval gates in more than one branch"
	gateTimeoutProblemTemplateConstant      = "stage %q approval timeout must be positive"
	hookFieldProblemTemplateConstant        = "%s %s hook %d (%s) requires %s"
	unknownHookProblemTemplateConstant      = "%s %s hook %d has unsupported kind %q"
	triggerTargetProblemTemplateConstant    = "%s %s hook %d triggers unknown stage %q"
	triggerNonLeafProblemTemplateConstant   = "%s %s hook %d triggers composite stage %q"
	triggerSelfProblemTemplateConstant      = "%s %s hook %d triggers its own stage %q"
	triggerAncestorProblemTemplateConstant  = "%s %s hook %d triggers enclosing stage %q"
	triggerCycleProblemTemplateConstant     = "trigger hooks form a cycle through %s"
	hookOwnerStageTemplateConstant          = "stage %q"
	hookFieldActionConstant                 = "an action"
	hookFieldMessageConstant                = "a message"
	hookFieldPathConstant                   = "a path"
	hookFieldStageConstant                  = "a stage reference"
	bodyKindParallelDescriptionConstant     = "parallel"
	bodyKindSequenceDescriptionConstant     = "sequential"
	nameScopeTopLevelDescriptionConstant    = "pipeline"
	nameScopeStageDescriptionTemplateConst  = "stage %q"
	triggerHookCycleNodeSeparatorConstant   = ", "
)

// ErrStructuralValidation classifies every StructuralError.
var ErrStructuralValidation = errors.New("pipeline structural validation failed")

// StructuralError lists every problem found in an invalid pipeline graph.
type StructuralError struct {
	Problems []string
}

// Error joins all problems into one message.
func (structuralError *StructuralError) Error() string {
	if structuralError == nil || len(structuralError.Problems) == 0 {
		return ErrStructuralValidation.Error()
	}
	return fmt.Sprintf(structuralErrorSummaryTemplateConstant, strings.Join(structuralError.Problems, structuralErrorSeparatorConstant))
}

// Unwrap exposes the structural sentinel.
func (structuralError *StructuralError) Unwrap() error {
	return ErrStructuralValidation
}

// Validate checks the pipeline graph and returns a *StructuralError describing every problem, or nil.
func Validate(pipeline *Pipeline) error {
	if pipeline == nil || len(pipeline.Stages) == 0 {
		return &StructuralError{Problems: []string{emptyPipelineProblemConstant}}
	}

	validator := &graphValidator{pipeline: pipeline}
	validator.validateSiblings(pipeline.Stages, nameScopeTopLevelDescriptionConstant)
	if len(validator.problems) == 0 {
		validator.validateGates()
		validator.validateHooks()
	}
	if len(validator.problems) == 0 {
		return nil
	}
	return &StructuralError{Problems: validator.problems}
}

type graphValidator struct {
	pipeline *Pipeline
	problems []string
}

func (validator *graphValidator) addProblem(template string, arguments ...any) {
	validator.problems = append(validator.problems, fmt.Sprintf(template, arguments...))
}

func (validator *graphValidator) validateSiblings(stages []*Stage, scopeDescription string) {
	seenNames := make(map[string]struct{}, len(stages))
	reportedDuplicates := make(map[string]struct{})
	for _, stage := range stages {
		if stage == nil {
			validator.addProblem(nilStageProblemTemplateConstant, scopeDescription)
			continue
		}
		name := strings.TrimSpace(stage.Name)
		if len(name) == 0 {
			validator.addProblem(emptyStageNameProblemTemplateConstant, scopeDescription)
		} else {
			if strings.Contains(name, PathSeparator) {
				validator.addProblem(stageSeparatorProblemTemplateConstant, name, PathSeparator)
			}
			if _, duplicate := seenNames[name]; duplicate {
				if _, reported := reportedDuplicates[name]; !reported {
					validator.addProblem(duplicateStageProblemTemplateConstant, scopeDescription, name)
					reportedDuplicates[name] = struct{}{}
				}
			}
			seenNames[name] = struct{}{}
		}
		validator.validateBody(stage)
	}
}

func (validator *graphValidator) validateBody(stage *Stage) {
	body := stage.Body
	switch body.Kind {
	case BodyKindLeaf:
		if len(body.Children) > 0 {
			validator.addProblem(mixedBodyProblemTemplateConstant, stage.Name)
			return
		}
		if len(strings.TrimSpace(body.Action)) == 0 {
			validator.addProblem(missingBodyProblemTemplateConstant, stage.Name)
		}
	case BodyKindSequence, BodyKindParallel:
		if len(strings.TrimSpace(body.Action)) > 0 {
			validator.addProblem(mixedBodyProblemTemplateConstant, stage.Name)
			return
		}
		if len(body.Children) == 0 {
			description := bodyKindSequenceDescriptionConstant
			if body.Kind == BodyKindParallel {
				description = bodyKindParallelDescriptionConstant
			}
			validator.addProblem(emptyGroupProblemTemplateConstant, stage.Name, description)
			return
		}
		validator.validateSiblings(body.Children, fmt.Sprintf(nameScopeStageDescriptionTemplateConst, stage.Name))
	case "":
		validator.addProblem(missingBodyProblemTemplateConstant, stage.Name)
	default:
		validator.addProblem(unknownBodyProblemTemplateConstant, stage.Name, body.Kind)
	}

	if stage.RequiresApproval != nil && stage.RequiresApproval.Timeout <= 0 {
		validator.addProblem(gateTimeoutProblemTemplateConstant, stage.Name)
	}
}

// validateGates ensures at most one gate can be pending at any moment of a run.
func (validator *graphValidator) validateGates() {
	validator.pipeline.Walk(func(stage *Stage, stagePath string, ancestors []string) {
		if stage.RequiresApproval == nil {
			return
		}
		for _, ancestorPath := range ancestors {
			ancestor, _, found := validator.pipeline.FindStage(ancestorPath)
			if found && ancestor.RequiresApproval != nil {
				validator.addProblem(nestedGateProblemTemplateConstant, stagePath, ancestorPath)
			}
		}
	})
	validator.pipeline.Walk(func(stage *Stage, stagePath string, _ []string) {
		if stage.Body.Kind != BodyKindParallel {
			return
		}
		gatedBranches := 0
		for _, child := range stage.Body.Children {
			if containsGate(child) {
				gatedBranches++
			}
		}
		if gatedBranches > 1 {
			validator.addProblem(concurrentGateProblemTemplateConstant, stagePath)
		}
	})
}

func containsGate(stage *Stage) bool {
	if stage == nil {
		return false
	}
	if stage.RequiresApproval != nil {
		return true
	}
	for _, child := range stage.Body.Children {
		if containsGate(child) {
			return true
		}
	}
	return false
}

type triggerEdge struct {
	source string
	target string
}

func (validator *graphValidator) validateHooks() {
	edges := make([]triggerEdge, 0)
	edges = append(edges, validator.validateHookSet(pipelineRootLabelConstant, "", nil, validator.pipeline.Hooks)...)
	validator.pipeline.Walk(func(stage *Stage, stagePath string, ancestors []string) {
		owner := fmt.Sprintf(hookOwnerStageTemplateConstant, stagePath)
		edges = append(edges, validator.validateHookSet(owner, stagePath, ancestors, stage.Hooks)...)
	})
	if cycleNodes := findTriggerCycle(edges); len(cycleNodes) > 0 {
		validator.addProblem(triggerCycleProblemTemplateConstant, strings.Join(cycleNodes, triggerHookCycleNodeSeparatorConstant))
	}
}

func (validator *graphValidator) validateHookSet(owner string, ownerPath string, ancestors []string, hooks PostHooks) []triggerEdge {
	edges := make([]triggerEdge, 0)
	for _, trigger := range []HookTrigger{HookTriggerAlways, HookTriggerSuccess, HookTriggerFailure} {
		for hookIndex, hook := range hooks.ForTrigger(trigger) {
			position := hookIndex + 1
			switch hook.Kind {
			case HookKindRun:
				if len(strings.TrimSpace(hook.Action)) == 0 {
					validator.addProblem(hookFieldProblemTemplateConstant, owner, trigger, position, hook.Kind, hookFieldActionConstant)
				}
			case HookKindNotify:
				if len(strings.TrimSpace(hook.Message)) == 0 {
					validator.addProblem(hookFieldProblemTemplateConstant, owner, trigger, position, hook.Kind, hookFieldMessageConstant)
				}
			case HookKindPublish:
				if len(strings.TrimSpace(hook.Path)) == 0 {
					validator.addProblem(hookFieldProblemTemplateConstant, owner, trigger, position, hook.Kind, hookFieldPathConstant)
				}
			case HookKindTrigger:
				if len(strings.TrimSpace(hook.Stage)) == 0 {
					validator.addProblem(hookFieldProblemTemplateConstant, owner, trigger, position, hook.Kind, hookFieldStageConstant)
					continue
				}
				target, targetPath, found := validator.pipeline.FindStage(hook.Stage)
				switch {
				case !found:
					validator.addProblem(triggerTargetProblemTemplateConstant, owner, trigger, position, hook.Stage)
				case targetPath == ownerPath:
					validator.addProblem(triggerSelfProblemTemplateConstant, owner, trigger, position, targetPath)
				case containsPath(ancestors, targetPath):
					validator.addProblem(triggerAncestorProblemTemplateConstant, owner, trigger, position, targetPath)
				case target.Body.Kind != BodyKindLeaf:
					validator.addProblem(triggerNonLeafProblemTemplateConstant, owner, trigger, position, targetPath)
				default:
					edges = append(edges, triggerEdge{source: ownerPath, target: targetPath})
				}
			default:
				validator.addProblem(unknownHookProblemTemplateConstant, owner, trigger, position, hook.Kind)
			}
		}
	}
	return edges
}

func containsPath(paths []string, candidate string) bool {
	for _, path := range paths {
		if path == candidate {
			return true
		}
	}
	return false
}

// findTriggerCycle layers trigger edges with Kahn's algorithm and returns the nodes left on a cycle.
func findTriggerCycle(edges []triggerEdge) []string {
	if len(edges) == 0 {
		return nil
	}

	inDegree := make(map[string]int)
	adjacency := make(map[string][]string)
	for _, edge := range edges {
		if _, exists := inDegree[edge.source]; !exists {
			inDegree[edge.source] = 0
		}
		inDegree[edge.target]++
		adjacency[edge.source] = append(adjacency[edge.source], edge.target)
	}

	ready := make([]string, 0)
	for node, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, node)
		}
	}

	processedSet := make(map[string]struct{}, len(inDegree))
	for len(ready) > 0 {
		layer := ready
		ready = nil
		for _, node := range layer {
			processedSet[node] = struct{}{}
			for _, dependent := range adjacency[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready = append(ready, dependent)
				}
			}
		}
	}

	if len(processedSet) == len(inDegree) {
		return nil
	}
	remaining := make([]string, 0, len(inDegree)-len(processedSet))
	for node := range inDegree {
		if _, processed := processedSet[node]; !processed {
			remaining = append(remaining, node)
		}
	}
	sort.Strings(remaining)
	return remaining
}
