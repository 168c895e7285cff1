package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/gantry/internal/condition"
	"github.com/tyemirov/gantry/internal/pipeline"
)

func newTestExecutor(testInstance *testing.T, definition *pipeline.Pipeline, dependencies Dependencies) *Executor {
	testInstance.Helper()
	executor, executorError := NewExecutor(definition, dependencies)
	require.NoError(testInstance, executorError)
	return executor
}

func TestExecutorSkipsStagesWhoseConditionIsFalse(testInstance *testing.T) {
	runner := newRecordingRunner()
	frontend := &pipeline.Stage{
		Name:      "Frontend",
		Condition: condition.AnyOf("frontend/**"),
		Body:      pipeline.Sequence(leaf("Lint", "lint"), leaf("Bundle", "bundle")),
		Hooks: pipeline.PostHooks{
			Always:  []pipeline.Hook{runHook("always-hook")},
			Success: []pipeline.Hook{runHook("success-hook")},
			Failure: []pipeline.Hook{runHook("failure-hook")},
		},
	}
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{frontend, leaf("Backend", "backend")}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{Branch: "main", ChangedPaths: []string{"backend/Foo.java"}})
	require.NoError(testInstance, executeError)

	records := recordsByPath(snapshot)
	require.Equal(testInstance, OutcomeSkipped, records["Frontend"].Outcome)
	require.Equal(testInstance, SkipReasonCondition, records["Frontend"].SkipReason)
	require.NotContains(testInstance, records, "Frontend/Lint")
	require.Zero(testInstance, runner.count("lint"))
	require.Zero(testInstance, runner.count("bundle"))
	require.Equal(testInstance, 1, runner.count("always-hook"))
	require.Zero(testInstance, runner.count("success-hook"))
	require.Zero(testInstance, runner.count("failure-hook"))
	require.Equal(testInstance, OutcomeSuccess, records["Backend"].Outcome)
	require.Equal(testInstance, OutcomeSuccess, snapshot.Outcome)
}

func TestExecutorParallelGroupFailsTogether(testInstance *testing.T) {
	runner := newRecordingRunner().failing("scan-2")
	runner.delays["scan-1"] = 30 * time.Millisecond
	runner.delays["scan-3"] = 30 * time.Millisecond
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
		{Name: "Security", Body: pipeline.Parallel(leaf("One", "scan-1"), leaf("Two", "scan-2"), leaf("Three", "scan-3"))},
	}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.ErrorIs(testInstance, executeError, ErrPipelineFailed)

	records := recordsByPath(snapshot)
	require.Equal(testInstance, OutcomeSuccess, records["Security/One"].Outcome)
	require.Equal(testInstance, OutcomeFailure, records["Security/Two"].Outcome)
	require.Equal(testInstance, ErrorKindActionFailure, records["Security/Two"].ErrorKind)
	require.Equal(testInstance, OutcomeSuccess, records["Security/Three"].Outcome)
	require.Equal(testInstance, OutcomeFailure, records["Security"].Outcome)
	require.Equal(testInstance, []string{"Two"}, records["Security"].FailedChildren)
	require.Equal(testInstance, 1, runner.count("scan-1"))
	require.Equal(testInstance, 1, runner.count("scan-3"))
	require.Equal(testInstance, "Security", snapshot.Records[len(snapshot.Records)-1].Path)
}

func TestExecutorRunsHooksUnconditionallyAfterFailure(testInstance *testing.T) {
	runner := newRecordingRunner().failing("integration")
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
		{
			Name: "Integration",
			Body: pipeline.Leaf("integration"),
			Hooks: pipeline.PostHooks{
				Always:  []pipeline.Hook{runHook("teardown")},
				Success: []pipeline.Hook{runHook("celebrate")},
				Failure: []pipeline.Hook{runHook("collect-logs")},
			},
		},
	}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.Error(testInstance, executeError)

	require.Equal(testInstance, 1, runner.count("teardown"))
	require.Equal(testInstance, 1, runner.count("collect-logs"))
	require.Zero(testInstance, runner.count("celebrate"))
	require.Equal(testInstance, []string{"integration", "teardown", "collect-logs"}, runner.order())
	require.Equal(testInstance, "failure", runner.lastSnapshot("teardown")[StageOutcomeVariableConstant])

	record, found := snapshot.Record("Integration")
	require.True(testInstance, found)
	require.Equal(testInstance, "action \"integration\" reported failure: exit status 1", record.Error)
	require.Equal(testInstance, "logs/integration", record.LogReference)
}

func TestExecutorHookFailuresAreRecordedWithoutStoppingSiblings(testInstance *testing.T) {
	runner := newRecordingRunner().failing("first-cleanup")
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
		{
			Name: "Build",
			Body: pipeline.Leaf("build"),
			Hooks: pipeline.PostHooks{
				Always:  []pipeline.Hook{runHook("first-cleanup"), runHook("second-cleanup")},
				Success: []pipeline.Hook{runHook("announce")},
			},
		},
	}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.NoError(testInstance, executeError)

	record, _ := snapshot.Record("Build")
	require.Equal(testInstance, OutcomeSuccess, record.Outcome)
	require.Len(testInstance, record.HookErrors, 1)
	require.Equal(testInstance, "always", record.HookErrors[0].Trigger)
	require.Equal(testInstance, "run:first-cleanup", record.HookErrors[0].Hook)
	require.Equal(testInstance, 1, runner.count("second-cleanup"))
	require.Equal(testInstance, 1, runner.count("announce"))
	require.Equal(testInstance, 1, runner.count("first-cleanup"))
	require.Equal(testInstance, []RecordedError{{StagePath: "Build", Kind: ErrorKindHookFailure, Message: record.HookErrors[0].Message}}, snapshot.Errors)
}

func TestExecutorIsolatesVariableOverlays(testInstance *testing.T) {
	runner := newRecordingRunner()
	definition := &pipeline.Pipeline{
		Environment: map[string]string{"APP_NAME": "web"},
		Stages: []*pipeline.Stage{
			{Name: "IntegrationTest", Body: pipeline.Leaf("integration"), Environment: map[string]string{"DB_HOST": "test"}},
			leaf("Deploy", "deploy"),
			{Name: "Matrix", Body: pipeline.Parallel(
				&pipeline.Stage{Name: "Android", Body: pipeline.Leaf("android"), Environment: map[string]string{"PLATFORM": "android"}},
				&pipeline.Stage{Name: "IOS", Body: pipeline.Leaf("ios")},
			)},
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	_, executeError := executor.Execute(context.Background(), RunFacts{RunIdentifier: "run-7", Branch: "main"})
	require.NoError(testInstance, executeError)

	integrationSnapshot := runner.lastSnapshot("integration")
	require.Equal(testInstance, "test", integrationSnapshot["DB_HOST"])
	require.Equal(testInstance, "web", integrationSnapshot["APP_NAME"])
	require.Equal(testInstance, "run-7", integrationSnapshot[RunIdentifierVariableConstant])
	require.Equal(testInstance, "main", integrationSnapshot[BranchVariableConstant])
	require.Equal(testInstance, "IntegrationTest", integrationSnapshot[StagePathVariableConstant])

	deploySnapshot := runner.lastSnapshot("deploy")
	require.NotContains(testInstance, deploySnapshot, "DB_HOST")
	require.Equal(testInstance, "web", deploySnapshot["APP_NAME"])

	require.Equal(testInstance, "android", runner.lastSnapshot("android")["PLATFORM"])
	require.NotContains(testInstance, runner.lastSnapshot("ios"), "PLATFORM")
	require.Equal(testInstance, "Matrix/IOS", runner.lastSnapshot("ios")[StagePathVariableConstant])
}

func TestExecutorShadowedVariablesRestoreAfterStage(testInstance *testing.T) {
	runner := newRecordingRunner()
	definition := &pipeline.Pipeline{
		Environment: map[string]string{"TARGET": "staging"},
		Stages: []*pipeline.Stage{
			{Name: "Production", Environment: map[string]string{"TARGET": "production"}, Body: pipeline.Sequence(leaf("Push", "push-production"))},
			leaf("Verify", "verify"),
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	_, executeError := executor.Execute(context.Background(), RunFacts{})
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, "production", runner.lastSnapshot("push-production")["TARGET"])
	require.Equal(testInstance, "staging", runner.lastSnapshot("verify")["TARGET"])
}

func TestExecutorGateTimeoutFailsStageAndCancelsRun(testInstance *testing.T) {
	runner := newRecordingRunner()
	board := NewGateBoard()
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
		{
			Name:             "Production",
			Body:             pipeline.Leaf("deploy-production"),
			RequiresApproval: &pipeline.ApprovalGate{Message: "Ship it?", Timeout: 100 * time.Millisecond, Fatal: true},
		},
		leaf("Smoke", "smoke"),
	}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Gates: board})

	startTime := time.Now()
	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.GreaterOrEqual(testInstance, time.Since(startTime), 100*time.Millisecond)

	var pipelineError *PipelineError
	require.ErrorAs(testInstance, executeError, &pipelineError)
	require.Equal(testInstance, "approval \"Ship it?\" timed out after 100ms", pipelineError.FatalMessage)

	records := recordsByPath(snapshot)
	require.Equal(testInstance, OutcomeFailure, records["Production"].Outcome)
	require.Equal(testInstance, ErrorKindGateTimeout, records["Production"].ErrorKind)
	require.Equal(testInstance, OutcomeSkipped, records["Smoke"].Outcome)
	require.Zero(testInstance, runner.count("deploy-production"))
	require.Zero(testInstance, runner.count("smoke"))

	gates := board.Gates()
	require.Len(testInstance, gates, 1)
	require.Equal(testInstance, GateStateTimedOut, gates[0].State)
	require.Empty(testInstance, board.Pending())
}

func TestExecutorNonFatalGateRejectionIsStageLocal(testInstance *testing.T) {
	runner := newRecordingRunner()
	board := NewGateBoard(GateListenerFunc(func(gate *Gate) {
		require.NoError(testInstance, gate.Reject("reviewer", "needs changes"))
	}))
	definition := &pipeline.Pipeline{
		BestEffort: true,
		Stages: []*pipeline.Stage{
			{Name: "Review", Body: pipeline.Leaf("review"), RequiresApproval: &pipeline.ApprovalGate{Timeout: time.Minute}},
			leaf("Build", "build"),
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Gates: board})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.Error(testInstance, executeError)

	records := recordsByPath(snapshot)
	require.Equal(testInstance, ErrorKindGateRejection, records["Review"].ErrorKind)
	require.Equal(testInstance, "approval \"Review\" rejected by reviewer: needs changes", records["Review"].Error)
	require.Equal(testInstance, OutcomeSuccess, records["Build"].Outcome)
	require.Equal(testInstance, "approval \"Review\" rejected by reviewer: needs changes", snapshot.FatalError)
}

func TestExecutorApprovedGateRunsStage(testInstance *testing.T) {
	runner := newRecordingRunner()
	board := NewGateBoard(GateListenerFunc(func(gate *Gate) {
		require.NoError(testInstance, gate.Approve("alice"))
	}))
	definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
		{Name: "Deploy", Body: pipeline.Leaf("deploy"), RequiresApproval: &pipeline.ApprovalGate{Timeout: time.Minute, Approvers: []string{"alice"}, Fatal: true}},
	}}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Gates: board})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, OutcomeSuccess, snapshot.Outcome)
	require.Equal(testInstance, 1, runner.count("deploy"))
}

func TestExecutorSequentialGroupStopsAtFirstFailureUnlessBestEffort(testInstance *testing.T) {
	testCases := []struct {
		name               string
		bestEffort         bool
		expectedPackage    Outcome
		expectedSkipReason string
		expectedInvoked    int
	}{
		{name: "strict", bestEffort: false, expectedPackage: OutcomeSkipped, expectedSkipReason: SkipReasonPreviousFailure, expectedInvoked: 0},
		{name: "best_effort", bestEffort: true, expectedPackage: OutcomeSuccess, expectedInvoked: 1},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			runner := newRecordingRunner().failing("compile")
			definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
				{
					Name:       "Build",
					BestEffort: testCase.bestEffort,
					Body:       pipeline.Sequence(leaf("Compile", "compile"), leaf("Package", "package")),
					Hooks:      pipeline.PostHooks{Failure: []pipeline.Hook{runHook("report-failure")}},
				},
			}}
			executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

			snapshot, executeError := executor.Execute(context.Background(), RunFacts{})
			require.Error(testInstance, executeError)

			records := recordsByPath(snapshot)
			require.Equal(testInstance, testCase.expectedPackage, records["Build/Package"].Outcome)
			require.Equal(testInstance, testCase.expectedSkipReason, records["Build/Package"].SkipReason)
			require.Equal(testInstance, testCase.expectedInvoked, runner.count("package"))
			require.Equal(testInstance, OutcomeFailure, records["Build"].Outcome)
			require.Equal(testInstance, 1, runner.count("report-failure"))
		})
	}
}

func TestExecutorRecordsAgentSelection(testInstance *testing.T) {
	testCases := []struct {
		name            string
		selector        AgentSelector
		expectedOutcome Outcome
		expectedHost    string
		expectedError   string
	}{
		{name: "selected", selector: stubAgentSelector{hostIdentifier: "linux-01"}, expectedOutcome: OutcomeSuccess, expectedHost: "linux-01"},
		{name: "no_host", selector: stubAgentSelector{failure: fmt.Errorf("%w: labels [macos]", ErrNoEligibleAgent)}, expectedOutcome: OutcomeFailure, expectedError: "no-eligible-agent: labels [macos]"},
		{name: "selector_error", selector: stubAgentSelector{failure: errors.New("inventory offline")}, expectedOutcome: OutcomeFailure, expectedError: "no-eligible-agent: inventory offline"},
		{name: "no_selector", selector: nil, expectedOutcome: OutcomeFailure, expectedError: "no-eligible-agent"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			runner := newRecordingRunner()
			definition := &pipeline.Pipeline{Stages: []*pipeline.Stage{
				{
					Name:  "IOS",
					Body:  pipeline.Leaf("ios-build"),
					Agent: &pipeline.AgentRequirement{Labels: []string{"macos"}},
					Hooks: pipeline.PostHooks{Always: []pipeline.Hook{runHook("cleanup")}},
				},
			}}
			executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Agents: testCase.selector})

			snapshot, _ := executor.Execute(context.Background(), RunFacts{})
			record, found := snapshot.Record("IOS")
			require.True(testInstance, found)
			require.Equal(testInstance, testCase.expectedOutcome, record.Outcome)
			require.Equal(testInstance, testCase.expectedHost, record.HostIdentifier)
			require.Equal(testInstance, testCase.expectedError, record.Error)
			require.Equal(testInstance, 1, runner.count("cleanup"))
			if testCase.expectedOutcome == OutcomeFailure {
				require.Equal(testInstance, ErrorKindAgentUnavailable, record.ErrorKind)
				require.Zero(testInstance, runner.count("ios-build"))
			}
		})
	}
}

func TestExecutorRunsPublishNotifyAndTriggerHooks(testInstance *testing.T) {
	runner := newRecordingRunner()
	notifier := &recordingNotifier{failure: errors.New("webhook unreachable")}
	store := &stubArtifactStore{}
	observerCore, observedLogs := observer.New(zap.DebugLevel)
	definition := &pipeline.Pipeline{
		Name: "web-app",
		Stages: []*pipeline.Stage{
			leaf("Cleanup", "cleanup"),
			{
				Name: "Build",
				Body: pipeline.Leaf("build"),
				Hooks: pipeline.PostHooks{
					Always: []pipeline.Hook{{Kind: pipeline.HookKindTrigger, Stage: "Cleanup"}},
					Success: []pipeline.Hook{
						{Kind: pipeline.HookKindPublish, Path: "dist/${GANTRY_RUN_ID}/**"},
						{Kind: pipeline.HookKindNotify, Channel: "#builds", Severity: pipeline.SeverityInfo, Message: "built ${GANTRY_BRANCH}"},
					},
				},
			},
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{
		Runner:    runner,
		Notifier:  notifier,
		Artifacts: store,
		Logger:    zap.New(observerCore),
	})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{RunIdentifier: "run-9", Branch: "develop"})
	require.NoError(testInstance, executeError)

	require.Equal(testInstance, 2, runner.count("cleanup"))
	require.Equal(testInstance, []string{"dist/run-9/**"}, store.published)

	record, _ := snapshot.Record("Build")
	require.Empty(testInstance, record.HookErrors)
	require.Equal(testInstance, []ArtifactReference{{Pattern: "dist/run-9/**", Location: "artifacts/run-9", FileCount: 1}}, record.Artifacts)

	notifications := notifier.all()
	require.Len(testInstance, notifications, 1)
	require.Equal(testInstance, "built develop", notifications[0].Message)
	require.Equal(testInstance, "Build", notifications[0].StagePath)
	require.Equal(testInstance, OutcomeSuccess, notifications[0].Outcome)
	require.Equal(testInstance, 1, observedLogs.FilterMessage(notificationFailedMessageConstant).Len())
}

func TestExecutorRunsTerminalHooksOnceWithReport(testInstance *testing.T) {
	runner := newRecordingRunner().failing("build")
	notifier := &recordingNotifier{}
	stageObserver := &recordingObserver{}
	definition := &pipeline.Pipeline{
		Stages: []*pipeline.Stage{leaf("Build", "build")},
		Hooks: pipeline.PostHooks{
			Always:  []pipeline.Hook{{Kind: pipeline.HookKindNotify, Channel: "#ci", Message: "pipeline ${GANTRY_PIPELINE_OUTCOME}"}},
			Success: []pipeline.Hook{runHook("on-success")},
			Failure: []pipeline.Hook{runHook("on-failure")},
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Notifier: notifier, Observer: stageObserver})

	run := executor.NewRun(RunFacts{RunIdentifier: "run-3"})
	snapshot, executeError := run.Execute(context.Background())
	require.Error(testInstance, executeError)
	require.True(testInstance, snapshot.Finalized)

	require.Equal(testInstance, 1, runner.count("on-failure"))
	require.Zero(testInstance, runner.count("on-success"))
	require.Equal(testInstance, "failure", runner.lastSnapshot("on-failure")[PipelineOutcomeVariableConstant])

	notifications := notifier.all()
	require.Len(testInstance, notifications, 1)
	require.Equal(testInstance, "pipeline failure", notifications[0].Message)
	require.NotNil(testInstance, notifications[0].Report)
	require.Len(testInstance, notifications[0].Report.Records, 1)
	require.Equal(testInstance, OutcomeFailure, notifications[0].Report.Outcome)

	require.Equal(testInstance, []string{"Build"}, stageObserver.completed)
	require.Equal(testInstance, 1, stageObserver.finalized)

	_, secondExecuteError := run.Execute(context.Background())
	require.ErrorIs(testInstance, secondExecuteError, ErrRunAlreadyStarted)
	require.Equal(testInstance, 1, runner.count("on-failure"))
}

func TestRunFinalizeTwiceIsRejected(testInstance *testing.T) {
	runner := newRecordingRunner()
	definition := &pipeline.Pipeline{
		Stages: []*pipeline.Stage{leaf("Build", "build")},
		Hooks:  pipeline.PostHooks{Always: []pipeline.Hook{runHook("terminal")}},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	run := executor.NewRun(RunFacts{})
	firstSnapshot, executeError := run.Execute(context.Background())
	require.NoError(testInstance, executeError)

	secondSnapshot, finalizeError := run.Finalize(context.Background())
	require.ErrorIs(testInstance, finalizeError, ErrReportAlreadyFinalized)
	require.Equal(testInstance, firstSnapshot, secondSnapshot)
	require.Equal(testInstance, firstSnapshot, run.Report().Snapshot())
	require.Equal(testInstance, 1, runner.count("terminal"))
	require.ErrorIs(testInstance, run.Report().Append(StageRecord{Name: "late"}), ErrReportAlreadyFinalized)
}

func TestRunCompleteAfterFinalizeKeepsAppendError(testInstance *testing.T) {
	executor := newTestExecutor(testInstance, &pipeline.Pipeline{Stages: []*pipeline.Stage{leaf("Build", "build")}}, Dependencies{Runner: newRecordingRunner()})
	run := executor.NewRun(RunFacts{})
	_, executeError := run.Execute(context.Background())
	require.NoError(testInstance, executeError)

	late := run.complete(StageRecord{Name: "Late", Path: "Late", Outcome: OutcomeSuccess})
	require.Contains(testInstance, late.ReportError, ErrReportAlreadyFinalized.Error())
	require.Len(testInstance, run.Report().Snapshot().Records, 1)
}

func TestExecutorAbortSkipsRemainingStagesAndStillFinalizes(testInstance *testing.T) {
	runner := newRecordingRunner()
	var run *Run
	var aborted atomic.Bool
	board := NewGateBoard(GateListenerFunc(func(gate *Gate) {
		aborted.Store(true)
		go run.Abort("operator aborted")
	}))
	definition := &pipeline.Pipeline{
		Stages: []*pipeline.Stage{
			{Name: "Approve", Body: pipeline.Leaf("approve"), RequiresApproval: &pipeline.ApprovalGate{Timeout: time.Minute}},
			leaf("After", "after"),
		},
		Hooks: pipeline.PostHooks{Always: []pipeline.Hook{runHook("terminal")}},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Gates: board})

	run = executor.NewRun(RunFacts{})
	snapshot, executeError := run.Execute(context.Background())
	require.Error(testInstance, executeError)
	require.True(testInstance, aborted.Load())

	records := recordsByPath(snapshot)
	require.Equal(testInstance, ErrorKindGateTimeout, records["Approve"].ErrorKind)
	require.Equal(testInstance, "approval \"Approve\" timed out: run cancelled while awaiting approval", records["Approve"].Error)
	require.Equal(testInstance, OutcomeSkipped, records["After"].Outcome)
	require.Equal(testInstance, "operator aborted", run.Context().CancelReason())
	require.Equal(testInstance, 1, runner.count("terminal"))
}

func TestExecutorCancelledContextStopsNewStages(testInstance *testing.T) {
	runner := newRecordingRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	definition := &pipeline.Pipeline{
		Stages: []*pipeline.Stage{leaf("Build", "build")},
		Hooks:  pipeline.PostHooks{Always: []pipeline.Hook{runHook("terminal")}},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner})

	run := executor.NewRun(RunFacts{})
	snapshot, _ := run.Execute(ctx)
	require.True(testInstance, snapshot.Finalized)
	require.Equal(testInstance, 1, runner.count("terminal"))
}

func TestNewExecutorRejectsInvalidGraphs(testInstance *testing.T) {
	_, structuralError := NewExecutor(&pipeline.Pipeline{Stages: []*pipeline.Stage{leaf("Build", "a"), leaf("Build", "b")}}, Dependencies{Runner: newRecordingRunner()})
	require.ErrorIs(testInstance, structuralError, pipeline.ErrStructuralValidation)

	_, variableError := NewExecutor(&pipeline.Pipeline{
		Environment: map[string]string{"BAD-NAME": "x"},
		Stages:      []*pipeline.Stage{leaf("Build", "build")},
	}, Dependencies{Runner: newRecordingRunner()})
	require.ErrorIs(testInstance, variableError, pipeline.ErrStructuralValidation)

	_, runnerError := NewExecutor(&pipeline.Pipeline{Stages: []*pipeline.Stage{leaf("Build", "build")}}, Dependencies{})
	require.ErrorIs(testInstance, runnerError, ErrRunnerMissing)
}

func TestExecutorEndToEndScenario(testInstance *testing.T) {
	runner := newRecordingRunner()
	board := NewGateBoard(GateListenerFunc(func(gate *Gate) {
		require.Equal(testInstance, "Deploy?", gate.Message())
		require.NoError(testInstance, gate.Reject("release-manager", ""))
	}))
	definition := &pipeline.Pipeline{
		Stages: []*pipeline.Stage{
			leaf("Checkout", "checkout"),
			{Name: "Tests", Body: pipeline.Parallel(
				leaf("BackendTest", "backend-test"),
				&pipeline.Stage{Name: "FrontendTest", Condition: condition.AnyOf("frontend/**"), Body: pipeline.Leaf("frontend-test")},
			)},
			{Name: "Deploy", Body: pipeline.Leaf("deploy"), RequiresApproval: &pipeline.ApprovalGate{Message: "Deploy?", Timeout: time.Minute, Fatal: true}},
		},
		Hooks: pipeline.PostHooks{
			Success: []pipeline.Hook{runHook("notify-success")},
			Failure: []pipeline.Hook{runHook("notify-failure")},
		},
	}
	executor := newTestExecutor(testInstance, definition, Dependencies{Runner: runner, Gates: board})

	snapshot, executeError := executor.Execute(context.Background(), RunFacts{ChangedPaths: []string{"backend/Foo.java"}})
	require.ErrorIs(testInstance, executeError, ErrPipelineFailed)

	records := recordsByPath(snapshot)
	require.Equal(testInstance, OutcomeSuccess, records["Checkout"].Outcome)
	require.Equal(testInstance, OutcomeSuccess, records["Tests/BackendTest"].Outcome)
	require.Equal(testInstance, OutcomeSkipped, records["Tests/FrontendTest"].Outcome)
	require.Equal(testInstance, OutcomeSuccess, records["Tests"].Outcome)
	require.Equal(testInstance, OutcomeFailure, records["Deploy"].Outcome)
	require.Equal(testInstance, ErrorKindGateRejection, records["Deploy"].ErrorKind)
	require.Equal(testInstance, OutcomeFailure, snapshot.Outcome)
	require.Equal(testInstance, "approval \"Deploy?\" rejected by release-manager", snapshot.FatalError)

	require.Zero(testInstance, runner.count("frontend-test"))
	require.Zero(testInstance, runner.count("deploy"))
	require.Equal(testInstance, 1, runner.count("notify-failure"))
	require.Zero(testInstance, runner.count("notify-success"))
}
