package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/gantry/internal/pipeline"
)

var reportStartTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestReportOutcomeAndErrors(testInstance *testing.T) {
	report := NewReport("run-1", "web-app", reportStartTime)
	require.Equal(testInstance, OutcomeSuccess, report.Outcome())

	require.NoError(testInstance, report.Append(StageRecord{Name: "Lint", Path: "Lint", Outcome: OutcomeSkipped, SkipReason: SkipReasonCondition}))
	require.Equal(testInstance, OutcomeSuccess, report.Outcome())

	require.NoError(testInstance, report.Append(StageRecord{
		Name:       "Build",
		Path:       "Build",
		Outcome:    OutcomeFailure,
		Error:      "action \"build\" reported failure",
		ErrorKind:  ErrorKindActionFailure,
		HookErrors: []HookError{{Trigger: "always", Hook: "run:cleanup", Message: "cleanup failed"}},
	}))
	require.NoError(testInstance, report.Append(StageRecord{Name: "Root", Path: "Root", Outcome: OutcomeFailure, FailedChildren: []string{"Build"}}))

	require.Equal(testInstance, OutcomeFailure, report.Outcome())
	require.Equal(testInstance, "action \"build\" reported failure", report.FatalError())
	require.Equal(testInstance, []RecordedError{
		{StagePath: "Build", Kind: ErrorKindActionFailure, Message: "action \"build\" reported failure"},
		{StagePath: "Build", Kind: ErrorKindHookFailure, Message: "cleanup failed"},
	}, report.Errors())

	report.RecordFatal("approval \"Deploy\" rejected")
	report.RecordFatal("second fatal")
	require.Equal(testInstance, "approval \"Deploy\" rejected", report.FatalError())
}

func TestReportAppendCopiesSlices(testInstance *testing.T) {
	report := NewReport("run-1", "", reportStartTime)
	failedChildren := []string{"Unit"}
	require.NoError(testInstance, report.Append(StageRecord{Path: "Tests", Outcome: OutcomeFailure, FailedChildren: failedChildren}))
	failedChildren[0] = "mutated"

	require.Equal(testInstance, []string{"Unit"}, report.Records()[0].FailedChildren)
}

func TestResultReporterFinalizesOnce(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zap.InfoLevel)
	stageObserver := &recordingObserver{}
	hookCalls := 0
	var receivedOutcome Outcome
	hookRunner := func(_ context.Context, hooks pipeline.PostHooks, outcome Outcome, snapshot ReportSnapshot) []HookError {
		hookCalls++
		receivedOutcome = outcome
		require.Len(testInstance, snapshot.Records, 1)
		require.False(testInstance, snapshot.Finalized)
		return []HookError{{Trigger: "failure", Hook: "run:page", Message: "pager offline"}}
	}
	endTime := reportStartTime.Add(time.Minute)
	reporter := NewResultReporter(
		NewReport("run-2", "web-app", reportStartTime),
		pipeline.PostHooks{Failure: []pipeline.Hook{runHook("page")}},
		hookRunner,
		stageObserver,
		zap.New(observerCore),
		func() time.Time { return endTime },
	)

	require.NoError(testInstance, reporter.Record(StageRecord{Name: "Build", Path: "Build", Outcome: OutcomeFailure, Error: "boom", ErrorKind: ErrorKindActionFailure}))

	snapshot, finalizeError := reporter.Finalize(context.Background())
	require.NoError(testInstance, finalizeError)
	require.True(testInstance, snapshot.Finalized)
	require.Equal(testInstance, OutcomeFailure, snapshot.Outcome)
	require.Equal(testInstance, OutcomeFailure, receivedOutcome)
	require.Equal(testInstance, endTime, snapshot.EndTime)
	require.Len(testInstance, snapshot.TerminalHookErrors, 1)
	require.Equal(testInstance, RecordedError{Kind: ErrorKindHookFailure, Message: "pager offline"}, snapshot.Errors[len(snapshot.Errors)-1])

	repeated, repeatedError := reporter.Finalize(context.Background())
	require.ErrorIs(testInstance, repeatedError, ErrReportAlreadyFinalized)
	require.Equal(testInstance, snapshot, repeated)
	require.Equal(testInstance, 1, hookCalls)

	require.ErrorIs(testInstance, reporter.Record(StageRecord{Path: "Late"}), ErrReportAlreadyFinalized)
	require.Equal(testInstance, []string{"Build"}, stageObserver.completed)
	require.Equal(testInstance, 1, stageObserver.finalized)

	require.Equal(testInstance, 1, observedLogs.FilterMessage(stageCompleteMessageConstant).Len())
	require.Equal(testInstance, 1, observedLogs.FilterMessage(runCompleteMessageConstant).Len())
	require.Equal(testInstance, 1, observedLogs.FilterMessage(finalizeRejectedMessageConstant).Len())
	require.Equal(testInstance, 1, observedLogs.FilterMessage(reportAppendFailedMessageConst).Len())
}

func TestResultReporterConcurrentRecords(testInstance *testing.T) {
	reporter := NewResultReporter(NewReport("run-3", "", reportStartTime), pipeline.PostHooks{}, nil, nil, nil, nil)
	done := make(chan struct{})
	for index := 0; index < 20; index++ {
		go func() {
			_ = reporter.Record(StageRecord{Path: "Parallel", Outcome: OutcomeSuccess})
			done <- struct{}{}
		}()
	}
	for index := 0; index < 20; index++ {
		<-done
	}
	require.Len(testInstance, reporter.Report().Records(), 20)

	snapshot, finalizeError := reporter.Finalize(context.Background())
	require.NoError(testInstance, finalizeError)
	require.Equal(testInstance, OutcomeSuccess, snapshot.Outcome)
}
