package execution

import (
	"sync"
	"time"
)

// Outcome is the terminal state of a stage or a run.
type Outcome string

// Stage and run outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Skip reasons recorded on skipped stages.
const (
	SkipReasonCondition       = "condition"
	SkipReasonCancelled       = "cancelled"
	SkipReasonPreviousFailure = "previous-failure"
)

// HookError records a failed post hook.
type HookError struct {
	Trigger string `json:"trigger"`
	Hook    string `json:"hook"`
	Message string `json:"message"`
}

// StageRecord is the report entry for one stage.
type StageRecord struct {
	Name           string              `json:"name"`
	Path           string              `json:"path"`
	Outcome        Outcome             `json:"outcome"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        time.Time           `json:"end_time"`
	Error          string              `json:"error,omitempty"`
	ErrorKind      ErrorKind           `json:"error_kind,omitempty"`
	SkipReason     string              `json:"skip_reason,omitempty"`
	HookErrors     []HookError         `json:"hook_errors,omitempty"`
	HostIdentifier string              `json:"host_id,omitempty"`
	LogReference   string              `json:"log_ref,omitempty"`
	Artifacts      []ArtifactReference `json:"artifacts,omitempty"`
	FailedChildren []string            `json:"failed_children,omitempty"`
	ReportError    string              `json:"report_error,omitempty"`
}

// Duration returns the elapsed stage time.
func (record StageRecord) Duration() time.Duration {
	if record.EndTime.Before(record.StartTime) {
		return 0
	}
	return record.EndTime.Sub(record.StartTime)
}

// RecordedError is one enumerable error in the report.
type RecordedError struct {
	StagePath string    `json:"stage_path"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// ReportSnapshot is an immutable, JSON-encodable copy of a report.
type ReportSnapshot struct {
	RunIdentifier      string          `json:"run_id"`
	PipelineName       string          `json:"pipeline,omitempty"`
	Outcome            Outcome         `json:"outcome"`
	Finalized          bool            `json:"finalized"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time,omitempty"`
	FatalError         string          `json:"fatal_error,omitempty"`
	Records            []StageRecord   `json:"records"`
	Errors             []RecordedError `json:"errors,omitempty"`
	TerminalHookErrors []HookError     `json:"terminal_hook_errors,omitempty"`
}

// Record returns the first record with path.
func (snapshot ReportSnapshot) Record(path string) (StageRecord, bool) {
	for _, record := range snapshot.Records {
		if record.Path == path {
			return record, true
		}
	}
	return StageRecord{}, false
}

// Report accumulates stage records. Appends are serialized; after finalize the report is immutable.
type Report struct {
	mutex              sync.RWMutex
	runIdentifier      string
	pipelineName       string
	startTime          time.Time
	endTime            time.Time
	records            []StageRecord
	fatalError         string
	terminalHookErrors []HookError
	finalized          bool
	finalOutcome       Outcome
}

// NewReport constructs an empty report for a run.
func NewReport(runIdentifier string, pipelineName string, startTime time.Time) *Report {
	return &Report{
		runIdentifier: runIdentifier,
		pipelineName:  pipelineName,
		startTime:     startTime,
		records:       make([]StageRecord, 0),
	}
}

// Append adds a completed record.
func (report *Report) Append(record StageRecord) error {
	report.mutex.Lock()
	defer report.mutex.Unlock()
	if report.finalized {
		return ErrReportAlreadyFinalized
	}
	record.HookErrors = append([]HookError(nil), record.HookErrors...)
	record.Artifacts = append([]ArtifactReference(nil), record.Artifacts...)
	record.FailedChildren = append([]string(nil), record.FailedChildren...)
	report.records = append(report.records, record)
	return nil
}

// RecordFatal keeps the first fatal error message.
func (report *Report) RecordFatal(message string) {
	report.mutex.Lock()
	defer report.mutex.Unlock()
	if report.finalized || len(report.fatalError) > 0 {
		return
	}
	report.fatalError = message
}

// Outcome is failure when any non-skipped record failed, else success.
func (report *Report) Outcome() Outcome {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return report.outcomeLocked()
}

func (report *Report) outcomeLocked() Outcome {
	if report.finalized {
		return report.finalOutcome
	}
	for _, record := range report.records {
		if record.Outcome == OutcomeFailure {
			return OutcomeFailure
		}
	}
	return OutcomeSuccess
}

// FatalError returns the first fatal error, or the first failure message when none was fatal.
func (report *Report) FatalError() string {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return report.fatalErrorLocked()
}

func (report *Report) fatalErrorLocked() string {
	if len(report.fatalError) > 0 {
		return report.fatalError
	}
	for _, record := range report.records {
		if record.Outcome == OutcomeFailure && len(record.Error) > 0 {
			return record.Error
		}
	}
	return ""
}

// Errors enumerates every stage and hook error in record order.
func (report *Report) Errors() []RecordedError {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return report.errorsLocked()
}

func (report *Report) errorsLocked() []RecordedError {
	recorded := make([]RecordedError, 0)
	for _, record := range report.records {
		if record.Outcome == OutcomeFailure && len(record.Error) > 0 {
			recorded = append(recorded, RecordedError{StagePath: record.Path, Kind: record.ErrorKind, Message: record.Error})
		}
		for _, hookError := range record.HookErrors {
			recorded = append(recorded, RecordedError{StagePath: record.Path, Kind: ErrorKindHookFailure, Message: hookError.Message})
		}
	}
	for _, hookError := range report.terminalHookErrors {
		recorded = append(recorded, RecordedError{Kind: ErrorKindHookFailure, Message: hookError.Message})
	}
	return recorded
}

// Records returns a copy of the records in append order.
func (report *Report) Records() []StageRecord {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return append([]StageRecord(nil), report.records...)
}

// Finalized reports whether the report is frozen.
func (report *Report) Finalized() bool {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return report.finalized
}

// Snapshot copies the report state.
func (report *Report) Snapshot() ReportSnapshot {
	report.mutex.RLock()
	defer report.mutex.RUnlock()
	return ReportSnapshot{
		RunIdentifier:      report.runIdentifier,
		PipelineName:       report.pipelineName,
		Outcome:            report.outcomeLocked(),
		Finalized:          report.finalized,
		StartTime:          report.startTime,
		EndTime:            report.endTime,
		FatalError:         report.fatalErrorLocked(),
		Records:            append([]StageRecord(nil), report.records...),
		Errors:             report.errorsLocked(),
		TerminalHookErrors: append([]HookError(nil), report.terminalHookErrors...),
	}
}

// freeze records terminal hook errors and makes the report immutable.
func (report *Report) freeze(endTime time.Time, outcome Outcome, terminalHookErrors []HookError) error {
	report.mutex.Lock()
	defer report.mutex.Unlock()
	if report.finalized {
		return ErrReportAlreadyFinalized
	}
	report.endTime = endTime
	report.finalOutcome = outcome
	report.terminalHookErrors = append([]HookError(nil), terminalHookErrors...)
	report.finalized = true
	return nil
}
