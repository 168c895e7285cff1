package execution

import (
	"context"
	"time"

	"github.com/tyemirov/gantry/internal/pipeline"
)

// ActionOutcome is the result class reported by an ActionRunner.
type ActionOutcome string

// Action outcomes.
const (
	ActionOutcomeSuccess ActionOutcome = "success"
	ActionOutcomeFailure ActionOutcome = "failure"
)

// ActionResult is what the engine learns from an external action.
type ActionResult struct {
	Outcome      ActionOutcome
	Duration     time.Duration
	LogReference string
	Message      string
}

// ActionRunner executes opaque actions. Implementations must be safe for concurrent use
// and must not retain the snapshot after returning.
type ActionRunner interface {
	Invoke(ctx context.Context, actionIdentifier string, snapshot map[string]string) (ActionResult, error)
}

// Notification is a message delivered through a NotificationSink.
type Notification struct {
	Channel       string
	Severity      string
	Message       string
	RunIdentifier string
	StagePath     string
	Outcome       Outcome
	// Report is populated for pipeline-level terminal hooks.
	Report *ReportSnapshot
}

// NotificationSink delivers notifications. Errors are logged and never fail the pipeline.
type NotificationSink interface {
	Notify(ctx context.Context, notification Notification) error
}

// ArtifactReference identifies published artifacts.
type ArtifactReference struct {
	Pattern   string   `json:"pattern"`
	Location  string   `json:"location"`
	FileCount int      `json:"file_count"`
	Files     []string `json:"files,omitempty"`
}

// ArtifactStore publishes files matching a path or glob.
type ArtifactStore interface {
	Publish(ctx context.Context, runIdentifier string, pattern string) (ArtifactReference, error)
}

// AgentSelector decides which host can run a stage.
type AgentSelector interface {
	Select(requirement pipeline.AgentRequirement) (string, error)
}

// GateListener is told when a gate enters PENDING. Implementations must not block.
type GateListener interface {
	GatePending(gate *Gate)
}

// GateListenerFunc adapts a function to GateListener.
type GateListenerFunc func(gate *Gate)

// GatePending calls listenerFunc(gate).
func (listenerFunc GateListenerFunc) GatePending(gate *Gate) {
	listenerFunc(gate)
}

// StageObserver receives every completed stage record and the final report.
type StageObserver interface {
	StageCompleted(record StageRecord)
	RunFinalized(snapshot ReportSnapshot)
}
