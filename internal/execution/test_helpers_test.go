package execution

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/gantry/internal/pipeline"
)

type recordingRunner struct {
	mutex       sync.Mutex
	invocations []string
	snapshots   map[string][]map[string]string
	failures    map[string]struct{}
	errors      map[string]error
	delays      map[string]time.Duration
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		snapshots: make(map[string][]map[string]string),
		failures:  make(map[string]struct{}),
		errors:    make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

func (runner *recordingRunner) failing(actionIdentifiers ...string) *recordingRunner {
	for _, actionIdentifier := range actionIdentifiers {
		runner.failures[actionIdentifier] = struct{}{}
	}
	return runner
}

func (runner *recordingRunner) Invoke(ctx context.Context, actionIdentifier string, snapshot map[string]string) (ActionResult, error) {
	runner.mutex.Lock()
	delay := runner.delays[actionIdentifier]
	runner.mutex.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	copied := make(map[string]string, len(snapshot))
	for name, value := range snapshot {
		copied[name] = value
	}

	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	runner.invocations = append(runner.invocations, actionIdentifier)
	runner.snapshots[actionIdentifier] = append(runner.snapshots[actionIdentifier], copied)

	if invokeError, exists := runner.errors[actionIdentifier]; exists {
		return ActionResult{Outcome: ActionOutcomeFailure}, invokeError
	}
	if _, fails := runner.failures[actionIdentifier]; fails {
		return ActionResult{Outcome: ActionOutcomeFailure, Message: "exit status 1", LogReference: "logs/" + actionIdentifier}, nil
	}
	return ActionResult{Outcome: ActionOutcomeSuccess, Duration: delay, LogReference: "logs/" + actionIdentifier}, nil
}

func (runner *recordingRunner) count(actionIdentifier string) int {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	occurrences := 0
	for _, invocation := range runner.invocations {
		if invocation == actionIdentifier {
			occurrences++
		}
	}
	return occurrences
}

func (runner *recordingRunner) lastSnapshot(actionIdentifier string) map[string]string {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	snapshots := runner.snapshots[actionIdentifier]
	if len(snapshots) == 0 {
		return nil
	}
	return snapshots[len(snapshots)-1]
}

func (runner *recordingRunner) order() []string {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	return append([]string(nil), runner.invocations...)
}

type recordingNotifier struct {
	mutex         sync.Mutex
	notifications []Notification
	failure       error
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification Notification) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return notifier.failure
}

func (notifier *recordingNotifier) all() []Notification {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]Notification(nil), notifier.notifications...)
}

type stubArtifactStore struct {
	mutex     sync.Mutex
	published []string
	failure   error
}

func (store *stubArtifactStore) Publish(_ context.Context, runIdentifier string, pattern string) (ArtifactReference, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failure != nil {
		return ArtifactReference{}, store.failure
	}
	store.published = append(store.published, pattern)
	return ArtifactReference{Pattern: pattern, Location: "artifacts/" + runIdentifier, FileCount: 1}, nil
}

type stubAgentSelector struct {
	hostIdentifier string
	failure        error
}

func (selector stubAgentSelector) Select(pipeline.AgentRequirement) (string, error) {
	if selector.failure != nil {
		return "", selector.failure
	}
	return selector.hostIdentifier, nil
}

type recordingObserver struct {
	mutex     sync.Mutex
	completed []string
	finalized int
}

func (observer *recordingObserver) StageCompleted(record StageRecord) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.completed = append(observer.completed, record.Path)
}

func (observer *recordingObserver) RunFinalized(ReportSnapshot) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.finalized++
}

func leaf(name string, actionIdentifier string) *pipeline.Stage {
	return &pipeline.Stage{Name: name, Body: pipeline.Leaf(actionIdentifier)}
}

func runHook(actionIdentifier string) pipeline.Hook {
	return pipeline.Hook{Kind: pipeline.HookKindRun, Action: actionIdentifier}
}

func recordsByPath(snapshot ReportSnapshot) map[string]StageRecord {
	indexed := make(map[string]StageRecord, len(snapshot.Records))
	for _, record := range snapshot.Records {
		indexed[record.Path] = record
	}
	return indexed
}
