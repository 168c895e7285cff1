package execution

import (
	"sort"
	"strings"
	"sync"
)

// Variables seeded into every run.
const (
	RunIdentifierVariableConstant   = "GANTRY_RUN_ID"
	BranchVariableConstant          = "GANTRY_BRANCH"
	StagePathVariableConstant       = "GANTRY_STAGE"
	StageOutcomeVariableConstant    = "GANTRY_STAGE_OUTCOME"
	PipelineOutcomeVariableConstant = "GANTRY_PIPELINE_OUTCOME"
)

// RunFacts are the immutable attributes of the triggering event.
type RunFacts struct {
	RunIdentifier string
	Branch        string
	ChangedPaths  []string
	Parameters    map[string]string
}

func (facts RunFacts) clone() RunFacts {
	cloned := RunFacts{
		RunIdentifier: facts.RunIdentifier,
		Branch:        facts.Branch,
		ChangedPaths:  append([]string(nil), facts.ChangedPaths...),
		Parameters:    make(map[string]string, len(facts.Parameters)),
	}
	for name, value := range facts.Parameters {
		cloned.Parameters[name] = value
	}
	return cloned
}

// Context is the run-scoped state shared by every branch: immutable facts and the cancellation flag.
// Variable overlays are owned per branch and never live here.
type Context struct {
	facts RunFacts

	cancelOnce sync.Once
	cancelled  chan struct{}
	mutex      sync.RWMutex
	reason     string
}

// NewContext constructs a Context for a single run.
func NewContext(facts RunFacts) *Context {
	normalized := facts.clone()
	normalized.RunIdentifier = strings.TrimSpace(normalized.RunIdentifier)
	normalized.Branch = strings.TrimSpace(normalized.Branch)
	return &Context{facts: normalized, cancelled: make(chan struct{})}
}

// Facts returns a copy of the run facts.
func (runContext *Context) Facts() RunFacts {
	return runContext.facts.clone()
}

// RunIdentifier returns the run id.
func (runContext *Context) RunIdentifier() string {
	return runContext.facts.RunIdentifier
}

// Cancel marks the run cancelled. Only the first reason is kept.
func (runContext *Context) Cancel(reason string) {
	runContext.cancelOnce.Do(func() {
		runContext.mutex.Lock()
		runContext.reason = reason
		runContext.mutex.Unlock()
		close(runContext.cancelled)
	})
}

// Cancelled reports whether Cancel was called.
func (runContext *Context) Cancelled() bool {
	select {
	case <-runContext.cancelled:
		return true
	default:
		return false
	}
}

// Done is closed when the run is cancelled.
func (runContext *Context) Done() <-chan struct{} {
	return runContext.cancelled
}

// CancelReason returns the reason passed to the first Cancel call.
func (runContext *Context) CancelReason() string {
	runContext.mutex.RLock()
	defer runContext.mutex.RUnlock()
	return runContext.reason
}

// seedVariables builds the base overlay frame from pipeline environment and run facts.
func (runContext *Context) seedVariables(environment map[string]string) map[string]string {
	seed := make(map[string]string, len(environment)+2)
	for name, value := range environment {
		seed[name] = value
	}
	seed[RunIdentifierVariableConstant] = runContext.facts.RunIdentifier
	seed[BranchVariableConstant] = runContext.facts.Branch
	return seed
}

// sortedParameterNames is used for deterministic logging.
func sortedParameterNames(parameters map[string]string) []string {
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
