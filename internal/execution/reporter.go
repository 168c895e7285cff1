package execution

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	stageCompleteMessageConstant     = "pipeline_stage_complete"
	runCompleteMessageConstant       = "pipeline_run_complete"
	reportAppendFailedMessageConst   = "pipeline_report_append_failed"
	finalizeRejectedMessageConstant  = "pipeline_finalize_rejected"
	logFieldStageConstant            = "stage"
	logFieldOutcomeConstant          = "outcome"
	logFieldDurationConstant         = "duration"
	logFieldErrorKindConstant        = "error_kind"
	logFieldSkipReasonConstant       = "skip_reason"
	logFieldRunIdentifierConstant    = "run_id"
	logFieldRecordCountConstant      = "records"
	logFieldFatalErrorConstant       = "fatal_error"
	logFieldHookErrorCountConstant   = "hook_errors"
	logFieldHostIdentifierConstant   = "host_id"
	logFieldLogReferenceConstant     = "log_ref"
	logFieldGateIdentifierConstant   = "gate_id"
	logFieldGateStateConstant        = "gate_state"
	logFieldHookConstant             = "hook"
	logFieldTriggerConstant          = "trigger"
	logFieldActionConstant           = "action"
	logFieldChannelConstant          = "channel"
	logFieldBranchConstant           = "branch"
	logFieldChangedPathCountConstant = "changed_paths"
	logFieldParametersConstant       = "parameters"
)

// TerminalHookRunner runs pipeline-level hooks for outcome with the full report.
type TerminalHookRunner func(ctx context.Context, hooks pipeline.PostHooks, outcome Outcome, snapshot ReportSnapshot) []HookError

// ResultReporter records stage completions and finalizes the run exactly once.
type ResultReporter struct {
	report     *Report
	hooks      pipeline.PostHooks
	hookRunner TerminalHookRunner
	observer   StageObserver
	logger     *zap.Logger
	now        func() time.Time
	finalizing atomic.Bool
}

// NewResultReporter constructs a reporter for report. A nil hookRunner skips terminal hooks.
func NewResultReporter(report *Report, hooks pipeline.PostHooks, hookRunner TerminalHookRunner, observer StageObserver, logger *zap.Logger, now func() time.Time) *ResultReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &ResultReporter{
		report:     report,
		hooks:      hooks,
		hookRunner: hookRunner,
		observer:   observer,
		logger:     logger,
		now:        now,
	}
}

// Report returns the underlying report.
func (reporter *ResultReporter) Report() *Report {
	return reporter.report
}

// Record appends a completed stage record and notifies the observer.
func (reporter *ResultReporter) Record(record StageRecord) error {
	if appendError := reporter.report.Append(record); appendError != nil {
		reporter.logger.Error(reportAppendFailedMessageConst, zap.String(logFieldStageConstant, record.Path), zap.Error(appendError))
		return appendError
	}

	fields := []zap.Field{
		zap.String(logFieldStageConstant, record.Path),
		zap.String(logFieldOutcomeConstant, string(record.Outcome)),
		zap.Duration(logFieldDurationConstant, record.Duration()),
	}
	if len(record.ErrorKind) > 0 {
		fields = append(fields, zap.String(logFieldErrorKindConstant, string(record.ErrorKind)))
	}
	if len(record.SkipReason) > 0 {
		fields = append(fields, zap.String(logFieldSkipReasonConstant, record.SkipReason))
	}
	if len(record.HookErrors) > 0 {
		fields = append(fields, zap.Int(logFieldHookErrorCountConstant, len(record.HookErrors)))
	}
	if len(record.HostIdentifier) > 0 {
		fields = append(fields, zap.String(logFieldHostIdentifierConstant, record.HostIdentifier))
	}
	if len(record.LogReference) > 0 {
		fields = append(fields, zap.String(logFieldLogReferenceConstant, record.LogReference))
	}
	reporter.logger.Info(stageCompleteMessageConstant, fields...)

	if reporter.observer != nil {
		reporter.observer.StageCompleted(record)
	}
	return nil
}

// Finalize computes the overall outcome, runs always hooks and then exactly one of the
// success or failure hook sets, and freezes the report. A second call returns
// ErrReportAlreadyFinalized and leaves the report unchanged.
func (reporter *ResultReporter) Finalize(ctx context.Context) (ReportSnapshot, error) {
	if !reporter.finalizing.CompareAndSwap(false, true) || reporter.report.Finalized() {
		reporter.logger.Error(finalizeRejectedMessageConstant, zap.Error(ErrReportAlreadyFinalized))
		return reporter.report.Snapshot(), ErrReportAlreadyFinalized
	}

	outcome := reporter.report.Outcome()
	var hookErrors []HookError
	if reporter.hookRunner != nil {
		preview := reporter.report.Snapshot()
		preview.Outcome = outcome
		hookErrors = reporter.hookRunner(ctx, reporter.hooks, outcome, preview)
	}

	if freezeError := reporter.report.freeze(reporter.now(), outcome, hookErrors); freezeError != nil {
		return reporter.report.Snapshot(), freezeError
	}

	snapshot := reporter.report.Snapshot()
	reporter.logger.Info(
		runCompleteMessageConstant,
		zap.String(logFieldRunIdentifierConstant, snapshot.RunIdentifier),
		zap.String(logFieldOutcomeConstant, string(snapshot.Outcome)),
		zap.Int(logFieldRecordCountConstant, len(snapshot.Records)),
		zap.String(logFieldFatalErrorConstant, snapshot.FatalError),
		zap.Duration(logFieldDurationConstant, snapshot.EndTime.Sub(snapshot.StartTime)),
	)
	if reporter.observer != nil {
		reporter.observer.RunFinalized(snapshot)
	}
	return snapshot, nil
}
