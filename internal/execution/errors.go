package execution

import (
	"errors"
)

// ErrorKind classifies a stage-level failure recorded in the report.
type ErrorKind string

// Stage error kinds.
const (
	ErrorKindActionFailure    ErrorKind = "ActionFailure"
	ErrorKindGateRejection    ErrorKind = "GateRejection"
	ErrorKindGateTimeout      ErrorKind = "GateTimeout"
	ErrorKindAgentUnavailable ErrorKind = "AgentUnavailable"
	ErrorKindHookFailure      ErrorKind = "HookFailure"
	ErrorKindCancelled        ErrorKind = "Cancelled"
)

// Sentinel errors returned by the engine.
var (
	ErrReportAlreadyFinalized = errors.New("pipeline report already finalized")
	ErrRunAlreadyStarted      = errors.New("pipeline run already started")
	ErrPipelineFailed         = errors.New("pipeline failed")
	ErrActionFailed           = errors.New("action failed")
	ErrGateRejected           = errors.New("approval rejected")
	ErrGateTimedOut           = errors.New("approval timed out")
	ErrGateNotPending         = errors.New("approval gate is not pending")
	ErrGateNotFound           = errors.New("approval gate not found")
	ErrApproverNotPermitted   = errors.New("approver is not permitted for this gate")
	ErrNoEligibleAgent        = errors.New("no-eligible-agent")
	ErrRunnerMissing          = errors.New("action runner not configured")
	ErrTriggerTargetMissing   = errors.New("trigger hook target not found")
	ErrCollaboratorMissing    = errors.New("collaborator not configured")
)

// StageError attaches an error kind and stage path to an underlying failure.
type StageError struct {
	Kind      ErrorKind
	StagePath string
	message   string
	cause     error
}

func newStageError(kind ErrorKind, stagePath string, message string, cause error) *StageError {
	return &StageError{Kind: kind, StagePath: stagePath, message: message, cause: cause}
}

func (stageError *StageError) Error() string {
	return stageError.message
}

func (stageError *StageError) Unwrap() error {
	return stageError.cause
}

type actionFailureError struct {
	message string
	cause   error
}

func (failure actionFailureError) Error() string {
	return failure.message
}

func (failure actionFailureError) Unwrap() []error {
	if failure.cause == nil {
		return []error{ErrActionFailed}
	}
	return []error{ErrActionFailed, failure.cause}
}

// PipelineError is returned when a run finishes with a failure outcome.
type PipelineError struct {
	RunIdentifier string
	FatalMessage  string
}

func (pipelineError *PipelineError) Error() string {
	if len(pipelineError.FatalMessage) == 0 {
		return ErrPipelineFailed.Error()
	}
	return ErrPipelineFailed.Error() + ": " + pipelineError.FatalMessage
}

func (pipelineError *PipelineError) Unwrap() error {
	return ErrPipelineFailed
}
