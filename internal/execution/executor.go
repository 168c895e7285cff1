// Package execution runs pipeline graphs: it evaluates conditions, drives approval gates,
// executes stages sequentially or in parallel, runs post hooks, and produces the report.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/condition"
	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	runStartMessageConstant             = "pipeline_run_start"
	gatePendingMessageConstant          = "pipeline_gate_pending"
	gateResolvedMessageConstant         = "pipeline_gate_resolved"
	runInterruptedReasonConstant        = "run interrupted"
	actionFailedTemplateConstant        = "action %q failed: %v"
	actionReportedFailureTemplateConst  = "action %q reported failure"
	actionReportedMessageTemplateConst  = "action %q reported failure: %s"
	gateRejectedTemplateConstant        = "approval %q rejected"
	gateRejectedByTemplateConstant      = "approval %q rejected by %s"
	gateTimedOutTemplateConstant        = "approval %q timed out after %s"
	gateCancelledTemplateConstant       = "approval %q timed out: %s"
	gateReasonSuffixTemplateConstant    = "%s: %s"
	agentUnavailableTemplateConstant    = "%s: %v"
	invalidVariableProblemTemplateConst = "%s environment: %v"
	pipelineEnvironmentOwnerConstant    = "pipeline"
	stageEnvironmentOwnerTemplateConst  = "stage %q"
)

// Dependencies configures the collaborators used by an Executor.
type Dependencies struct {
	Logger    *zap.Logger
	Runner    ActionRunner
	Notifier  NotificationSink
	Artifacts ArtifactStore
	Agents    AgentSelector
	Gates     *GateBoard
	Observer  StageObserver
	Clock     func() time.Time
	// GateIdentifiers generates gate ids; defaults to random UUIDs.
	GateIdentifiers func() string
}

// Executor runs a validated pipeline. One Executor may create many runs.
type Executor struct {
	pipeline     *pipeline.Pipeline
	dependencies Dependencies
	evaluator    *condition.Evaluator
	logger       *zap.Logger
}

// NewExecutor validates definition and constructs an Executor.
// Structural problems are returned as *pipeline.StructuralError before anything runs.
func NewExecutor(definition *pipeline.Pipeline, dependencies Dependencies) (*Executor, error) {
	if validationError := pipeline.Validate(definition); validationError != nil {
		return nil, validationError
	}
	if problems := environmentProblems(definition); len(problems) > 0 {
		return nil, &pipeline.StructuralError{Problems: problems}
	}
	if dependencies.Runner == nil {
		return nil, ErrRunnerMissing
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Clock == nil {
		dependencies.Clock = time.Now
	}
	if dependencies.GateIdentifiers == nil {
		dependencies.GateIdentifiers = uuid.NewString
	}
	return &Executor{
		pipeline:     definition,
		dependencies: dependencies,
		evaluator:    condition.NewEvaluator(dependencies.Logger),
		logger:       dependencies.Logger,
	}, nil
}

func environmentProblems(definition *pipeline.Pipeline) []string {
	problems := make([]string, 0)
	check := func(owner string, environment map[string]string) {
		for name := range environment {
			if nameError := ValidateVariableName(name); nameError != nil {
				problems = append(problems, fmt.Sprintf(invalidVariableProblemTemplateConst, owner, nameError))
			}
		}
	}
	check(pipelineEnvironmentOwnerConstant, definition.Environment)
	definition.Walk(func(stage *pipeline.Stage, stagePath string, _ []string) {
		check(fmt.Sprintf(stageEnvironmentOwnerTemplateConst, stagePath), stage.Environment)
	})
	return problems
}

// Pipeline returns the validated pipeline graph.
func (executor *Executor) Pipeline() *pipeline.Pipeline {
	return executor.pipeline
}

// Execute creates a run for facts, executes it, and returns the finalized report.
// The returned error wraps ErrPipelineFailed when the overall outcome is failure.
func (executor *Executor) Execute(ctx context.Context, facts RunFacts) (ReportSnapshot, error) {
	return executor.NewRun(facts).Execute(ctx)
}

// Run is a single execution of the pipeline.
type Run struct {
	executor  *Executor
	context   *Context
	reporter  *ResultReporter
	variables *VariableOverlay
	started   atomic.Bool
}

// NewRun prepares a run without starting it, so callers can expose its report and gates first.
func (executor *Executor) NewRun(facts RunFacts) *Run {
	if len(strings.TrimSpace(facts.RunIdentifier)) == 0 {
		facts.RunIdentifier = uuid.NewString()
	}
	runContext := NewContext(facts)
	report := NewReport(runContext.RunIdentifier(), executor.pipeline.Name, executor.dependencies.Clock())
	run := &Run{
		executor:  executor,
		context:   runContext,
		variables: NewVariableOverlay(runContext.seedVariables(executor.pipeline.Environment)),
	}
	run.reporter = NewResultReporter(
		report,
		executor.pipeline.Hooks,
		run.runTerminalHooks,
		executor.dependencies.Observer,
		executor.logger,
		executor.dependencies.Clock,
	)
	return run
}

// Context returns the run context.
func (run *Run) Context() *Context {
	return run.context
}

// Report returns the live report.
func (run *Run) Report() *Report {
	return run.reporter.Report()
}

// Abort cancels the run: no new stage starts, pending gates time out, terminal hooks still run.
func (run *Run) Abort(reason string) {
	run.context.Cancel(reason)
}

// Finalize finalizes the report. Execute already calls it; calling again returns ErrReportAlreadyFinalized.
func (run *Run) Finalize(ctx context.Context) (ReportSnapshot, error) {
	return run.reporter.Finalize(ctx)
}

// Execute runs the top-level stages as a sequence and then finalizes the report once.
func (run *Run) Execute(ctx context.Context) (ReportSnapshot, error) {
	if !run.started.CompareAndSwap(false, true) {
		return run.Report().Snapshot(), ErrRunAlreadyStarted
	}

	stopWatching := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			run.context.Cancel(runInterruptedReasonConstant)
		case <-stopWatching:
		}
	}()

	facts := run.context.Facts()
	run.executor.logger.Info(
		runStartMessageConstant,
		zap.String(logFieldRunIdentifierConstant, facts.RunIdentifier),
		zap.String(logFieldBranchConstant, facts.Branch),
		zap.Int(logFieldChangedPathCountConstant, len(facts.ChangedPaths)),
		zap.Strings(logFieldParametersConstant, sortedParameterNames(facts.Parameters)),
	)

	run.runChildren(ctx, pipeline.BodyKindSequence, run.executor.pipeline.BestEffort, run.executor.pipeline.Stages, "", run.variables)
	close(stopWatching)

	snapshot, finalizeError := run.reporter.Finalize(ctx)
	if finalizeError != nil {
		return snapshot, finalizeError
	}
	if snapshot.Outcome == OutcomeFailure {
		return snapshot, &PipelineError{RunIdentifier: snapshot.RunIdentifier, FatalMessage: snapshot.FatalError}
	}
	return snapshot, nil
}

func (run *Run) now() time.Time {
	return run.executor.dependencies.Clock()
}

// runStage executes one stage and appends its record.
func (run *Run) runStage(ctx context.Context, stage *pipeline.Stage, stagePath string, overlay *VariableOverlay) StageRecord {
	record := StageRecord{Name: stage.Name, Path: stagePath, StartTime: run.now()}

	if run.context.Cancelled() {
		record.Outcome = OutcomeSkipped
		record.SkipReason = SkipReasonCancelled
		record.ErrorKind = ErrorKindCancelled
		return run.complete(record)
	}

	facts := run.context.Facts()
	conditionFacts := condition.Facts{
		Branch:       facts.Branch,
		ChangedPaths: facts.ChangedPaths,
		Parameters:   facts.Parameters,
		Variables:    overlay.Snapshot(),
	}
	if !run.executor.evaluator.Evaluate(stage.Condition, conditionFacts) {
		record.Outcome = OutcomeSkipped
		record.SkipReason = SkipReasonCondition
		hookSnapshot := conditionFacts.Variables
		hookSnapshot[StagePathVariableConstant] = stagePath
		hookSnapshot[StageOutcomeVariableConstant] = string(OutcomeSkipped)
		results := run.runHooks(ctx, stagePath, stage.Hooks, OutcomeSkipped, hookSnapshot, nil)
		record.HookErrors = results.errors
		record.Artifacts = results.artifacts
		return run.complete(record)
	}

	var stageError *StageError
	if stage.RequiresApproval != nil {
		stageError = run.awaitApproval(ctx, stage, stagePath)
	}
	if stageError == nil && stage.Agent != nil {
		hostIdentifier, agentError := run.selectAgent(stage, stagePath)
		record.HostIdentifier = hostIdentifier
		stageError = agentError
	}

	overlay.Push(stage.Environment)
	defer overlay.Pop()
	overlay.Set(StagePathVariableConstant, stagePath)

	if stageError != nil {
		record.Outcome = OutcomeFailure
		record.Error = stageError.Error()
		record.ErrorKind = stageError.Kind
	} else {
		run.executeBody(ctx, stage, stagePath, overlay, &record)
	}

	hookSnapshot := overlay.Snapshot()
	hookSnapshot[StageOutcomeVariableConstant] = string(record.Outcome)
	results := run.runHooks(ctx, stagePath, stage.Hooks, record.Outcome, hookSnapshot, nil)
	record.HookErrors = results.errors
	record.Artifacts = append(record.Artifacts, results.artifacts...)

	return run.complete(record)
}

func (run *Run) complete(record StageRecord) StageRecord {
	record.EndTime = run.now()
	if recordError := run.reporter.Record(record); recordError != nil {
		record.ReportError = recordError.Error()
	}
	return record
}

func (run *Run) executeBody(ctx context.Context, stage *pipeline.Stage, stagePath string, overlay *VariableOverlay, record *StageRecord) {
	switch stage.Body.Kind {
	case pipeline.BodyKindLeaf:
		result, invokeError := run.invokeAction(ctx, stage.Body.Action, overlay.Snapshot())
		record.LogReference = result.LogReference
		if invokeError != nil {
			record.Outcome = OutcomeFailure
			record.Error = invokeError.Error()
			record.ErrorKind = ErrorKindActionFailure
			return
		}
		record.Outcome = OutcomeSuccess
	case pipeline.BodyKindSequence, pipeline.BodyKindParallel:
		outcome, failedChildren := run.runChildren(ctx, stage.Body.Kind, stage.BestEffort, stage.Body.Children, stagePath, overlay)
		record.Outcome = outcome
		record.FailedChildren = failedChildren
	}
}

// runChildren runs a sequential or parallel group and aggregates the child outcomes.
func (run *Run) runChildren(ctx context.Context, kind pipeline.BodyKind, bestEffort bool, children []*pipeline.Stage, parentPath string, overlay *VariableOverlay) (Outcome, []string) {
	records := make([]StageRecord, len(children))

	if kind == pipeline.BodyKindParallel {
		var waitGroup sync.WaitGroup
		for childIndex, child := range children {
			branchOverlay := overlay.Fork()
			waitGroup.Add(1)
			go func(index int, childStage *pipeline.Stage, childOverlay *VariableOverlay) {
				defer waitGroup.Done()
				records[index] = run.runStage(ctx, childStage, pipeline.JoinPath(parentPath, childStage.Name), childOverlay)
			}(childIndex, child, branchOverlay)
		}
		waitGroup.Wait()
		return aggregateOutcome(records)
	}

	failed := false
	for childIndex, child := range children {
		childPath := pipeline.JoinPath(parentPath, child.Name)
		if failed && !bestEffort {
			records[childIndex] = run.complete(StageRecord{
				Name:       child.Name,
				Path:       childPath,
				Outcome:    OutcomeSkipped,
				StartTime:  run.now(),
				SkipReason: SkipReasonPreviousFailure,
			})
			continue
		}
		records[childIndex] = run.runStage(ctx, child, childPath, overlay)
		if records[childIndex].Outcome == OutcomeFailure {
			failed = true
		}
	}
	return aggregateOutcome(records)
}

// aggregateOutcome is failure if any child failed, success if any child succeeded, otherwise skipped.
func aggregateOutcome(records []StageRecord) (Outcome, []string) {
	failedChildren := make([]string, 0)
	succeeded := false
	for _, record := range records {
		switch record.Outcome {
		case OutcomeFailure:
			failedChildren = append(failedChildren, record.Name)
		case OutcomeSuccess:
			succeeded = true
		}
	}
	switch {
	case len(failedChildren) > 0:
		return OutcomeFailure, failedChildren
	case succeeded:
		return OutcomeSuccess, nil
	default:
		return OutcomeSkipped, nil
	}
}

func (run *Run) invokeAction(ctx context.Context, actionIdentifier string, snapshot map[string]string) (ActionResult, error) {
	result, invokeError := run.executor.dependencies.Runner.Invoke(ctx, actionIdentifier, snapshot)
	switch {
	case invokeError != nil:
		return result, actionFailureError{message: fmt.Sprintf(actionFailedTemplateConstant, actionIdentifier, invokeError), cause: invokeError}
	case result.Outcome != ActionOutcomeSuccess && len(strings.TrimSpace(result.Message)) > 0:
		return result, actionFailureError{message: fmt.Sprintf(actionReportedMessageTemplateConst, actionIdentifier, strings.TrimSpace(result.Message))}
	case result.Outcome != ActionOutcomeSuccess:
		return result, actionFailureError{message: fmt.Sprintf(actionReportedFailureTemplateConst, actionIdentifier)}
	default:
		return result, nil
	}
}

func (run *Run) awaitApproval(ctx context.Context, stage *pipeline.Stage, stagePath string) *StageError {
	descriptor := *stage.RequiresApproval
	gate := NewGate(run.executor.dependencies.GateIdentifiers(), stagePath, descriptor, run.now())

	run.executor.logger.Info(
		gatePendingMessageConstant,
		zap.String(logFieldStageConstant, stagePath),
		zap.String(logFieldGateIdentifierConstant, gate.Identifier()),
		zap.Duration(logFieldDurationConstant, descriptor.Timeout),
	)
	run.executor.dependencies.Gates.Open(gate)

	state := gate.Await(ctx, run.context.Done())
	snapshot := gate.Snapshot()
	run.executor.logger.Info(
		gateResolvedMessageConstant,
		zap.String(logFieldStageConstant, stagePath),
		zap.String(logFieldGateIdentifierConstant, gate.Identifier()),
		zap.String(logFieldGateStateConstant, string(state)),
	)

	label := descriptor.Message
	if len(label) == 0 {
		label = stagePath
	}

	var stageError *StageError
	switch state {
	case GateStateApproved:
		return nil
	case GateStateRejected:
		message := fmt.Sprintf(gateRejectedTemplateConstant, label)
		if len(snapshot.DecidedBy) > 0 {
			message = fmt.Sprintf(gateRejectedByTemplateConstant, label, snapshot.DecidedBy)
		}
		if len(snapshot.Reason) > 0 {
			message = fmt.Sprintf(gateReasonSuffixTemplateConstant, message, snapshot.Reason)
		}
		stageError = newStageError(ErrorKindGateRejection, stagePath, message, ErrGateRejected)
	default:
		message := fmt.Sprintf(gateTimedOutTemplateConstant, label, descriptor.Timeout)
		if snapshot.Reason != gateTimeoutReasonConstant && len(snapshot.Reason) > 0 {
			message = fmt.Sprintf(gateCancelledTemplateConstant, label, snapshot.Reason)
		}
		stageError = newStageError(ErrorKindGateTimeout, stagePath, message, ErrGateTimedOut)
	}

	if descriptor.Fatal {
		run.Report().RecordFatal(stageError.Error())
		run.context.Cancel(stageError.Error())
	}
	return stageError
}

func (run *Run) selectAgent(stage *pipeline.Stage, stagePath string) (string, *StageError) {
	selector := run.executor.dependencies.Agents
	if selector == nil {
		return "", newStageError(ErrorKindAgentUnavailable, stagePath, ErrNoEligibleAgent.Error(), ErrNoEligibleAgent)
	}
	hostIdentifier, selectError := selector.Select(*stage.Agent)
	if selectError == nil {
		return hostIdentifier, nil
	}
	message := selectError.Error()
	if !errors.Is(selectError, ErrNoEligibleAgent) {
		message = fmt.Sprintf(agentUnavailableTemplateConstant, ErrNoEligibleAgent, selectError)
	}
	return "", newStageError(ErrorKindAgentUnavailable, stagePath, message, errors.Join(ErrNoEligibleAgent, selectError))
}
