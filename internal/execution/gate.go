package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/gantry/internal/pipeline"
)

// GateState is a state of the approval gate state machine.
type GateState string

// Gate states. PENDING is the only non-terminal state.
const (
	GateStatePending  GateState = "PENDING"
	GateStateApproved GateState = "APPROVED"
	GateStateRejected GateState = "REJECTED"
	GateStateTimedOut GateState = "TIMED_OUT"
)

const (
	gateTimeoutReasonConstant      = "approval timeout elapsed"
	gateCancelledReasonConstant    = "run cancelled while awaiting approval"
	gateInterruptedReasonConstant  = "approval wait interrupted"
	gateNotPendingTemplateConstant = "%w: gate %s is %s"
	gateApproverTemplateConstant   = "%w: %q"
)

// GateSnapshot is a read-only view of a gate.
type GateSnapshot struct {
	Identifier string    `json:"id"`
	StagePath  string    `json:"stage"`
	Message    string    `json:"message"`
	Approvers  []string  `json:"approvers,omitempty"`
	Fatal      bool      `json:"fatal"`
	State      GateState `json:"state"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	Deadline   time.Time `json:"deadline"`
}

// Gate is a blocking human-confirmation checkpoint: PENDING until approved, rejected, or timed out.
type Gate struct {
	identifier string
	stagePath  string
	descriptor pipeline.ApprovalGate
	approvers  map[string]struct{}
	openedAt   time.Time

	mutex     sync.Mutex
	state     GateState
	decidedBy string
	reason    string
	decided   chan struct{}
}

// NewGate constructs a PENDING gate.
func NewGate(identifier string, stagePath string, descriptor pipeline.ApprovalGate, openedAt time.Time) *Gate {
	approvers := make(map[string]struct{}, len(descriptor.Approvers))
	for _, approver := range descriptor.Approvers {
		trimmed := strings.TrimSpace(approver)
		if len(trimmed) > 0 {
			approvers[trimmed] = struct{}{}
		}
	}
	return &Gate{
		identifier: identifier,
		stagePath:  stagePath,
		descriptor: descriptor,
		approvers:  approvers,
		openedAt:   openedAt,
		state:      GateStatePending,
		decided:    make(chan struct{}),
	}
}

// Identifier returns the gate id.
func (gate *Gate) Identifier() string {
	return gate.identifier
}

// StagePath returns the path of the gated stage.
func (gate *Gate) StagePath() string {
	return gate.stagePath
}

// Message returns the prompt shown to approvers.
func (gate *Gate) Message() string {
	return gate.descriptor.Message
}

// State returns the current state.
func (gate *Gate) State() GateState {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	return gate.state
}

// Decided is closed once the gate leaves PENDING.
func (gate *Gate) Decided() <-chan struct{} {
	return gate.decided
}

// Approve transitions PENDING to APPROVED.
func (gate *Gate) Approve(approver string) error {
	return gate.decide(GateStateApproved, approver, "")
}

// Reject transitions PENDING to REJECTED.
func (gate *Gate) Reject(approver string, reason string) error {
	return gate.decide(GateStateRejected, approver, reason)
}

func (gate *Gate) decide(target GateState, approver string, reason string) error {
	trimmedApprover := strings.TrimSpace(approver)
	if len(gate.approvers) > 0 {
		if _, permitted := gate.approvers[trimmedApprover]; !permitted {
			return fmt.Errorf(gateApproverTemplateConstant, ErrApproverNotPermitted, trimmedApprover)
		}
	}
	if !gate.transition(target, trimmedApprover, strings.TrimSpace(reason)) {
		return fmt.Errorf(gateNotPendingTemplateConstant, ErrGateNotPending, gate.identifier, gate.State())
	}
	return nil
}

func (gate *Gate) transition(target GateState, decidedBy string, reason string) bool {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	if gate.state != GateStatePending {
		return false
	}
	gate.state = target
	gate.decidedBy = decidedBy
	gate.reason = reason
	close(gate.decided)
	return true
}

// Await blocks until the gate leaves PENDING. The timeout timer starts when Await is called.
// Expiry, run cancellation, and ctx cancellation all force TIMED_OUT.
func (gate *Gate) Await(ctx context.Context, runCancelled <-chan struct{}) GateState {
	timer := time.NewTimer(gate.descriptor.Timeout)
	defer timer.Stop()

	select {
	case <-gate.decided:
	case <-timer.C:
		gate.transition(GateStateTimedOut, "", gateTimeoutReasonConstant)
	case <-runCancelled:
		gate.transition(GateStateTimedOut, "", gateCancelledReasonConstant)
	case <-ctx.Done():
		gate.transition(GateStateTimedOut, "", gateInterruptedReasonConstant)
	}
	return gate.State()
}

// Snapshot copies the gate state.
func (gate *Gate) Snapshot() GateSnapshot {
	gate.mutex.Lock()
	defer gate.mutex.Unlock()
	approvers := make([]string, 0, len(gate.approvers))
	for approver := range gate.approvers {
		approvers = append(approvers, approver)
	}
	sort.Strings(approvers)
	return GateSnapshot{
		Identifier: gate.identifier,
		StagePath:  gate.stagePath,
		Message:    gate.descriptor.Message,
		Approvers:  approvers,
		Fatal:      gate.descriptor.Fatal,
		State:      gate.state,
		DecidedBy:  gate.decidedBy,
		Reason:     gate.reason,
		OpenedAt:   gate.openedAt,
		Deadline:   gate.openedAt.Add(gate.descriptor.Timeout),
	}
}

// GateBoard publishes gates so external actors can find and resolve them.
type GateBoard struct {
	mutex     sync.RWMutex
	gates     map[string]*Gate
	order     []string
	listeners []GateListener
}

// NewGateBoard constructs an empty board notifying listeners of new pending gates.
func NewGateBoard(listeners ...GateListener) *GateBoard {
	board := &GateBoard{gates: make(map[string]*Gate)}
	for _, listener := range listeners {
		if listener != nil {
			board.listeners = append(board.listeners, listener)
		}
	}
	return board
}

// Subscribe adds a listener for gates opened afterwards.
func (board *GateBoard) Subscribe(listener GateListener) {
	if board == nil || listener == nil {
		return
	}
	board.mutex.Lock()
	defer board.mutex.Unlock()
	board.listeners = append(board.listeners, listener)
}

// Open publishes a pending gate and notifies listeners.
func (board *GateBoard) Open(gate *Gate) {
	if board == nil || gate == nil {
		return
	}
	board.mutex.Lock()
	if _, exists := board.gates[gate.identifier]; !exists {
		board.order = append(board.order, gate.identifier)
	}
	board.gates[gate.identifier] = gate
	listeners := append([]GateListener(nil), board.listeners...)
	board.mutex.Unlock()

	for _, listener := range listeners {
		listener.GatePending(gate)
	}
}

// Lookup finds a gate by id, including resolved gates.
func (board *GateBoard) Lookup(identifier string) (*Gate, bool) {
	if board == nil {
		return nil, false
	}
	board.mutex.RLock()
	defer board.mutex.RUnlock()
	gate, exists := board.gates[strings.TrimSpace(identifier)]
	return gate, exists
}

// Gates lists every published gate in opening order.
func (board *GateBoard) Gates() []GateSnapshot {
	if board == nil {
		return nil
	}
	board.mutex.RLock()
	defer board.mutex.RUnlock()
	snapshots := make([]GateSnapshot, 0, len(board.order))
	for _, identifier := range board.order {
		snapshots = append(snapshots, board.gates[identifier].Snapshot())
	}
	return snapshots
}

// Pending lists the gates still awaiting a decision.
func (board *GateBoard) Pending() []GateSnapshot {
	pending := make([]GateSnapshot, 0)
	for _, snapshot := range board.Gates() {
		if snapshot.State == GateStatePending {
			pending = append(pending, snapshot)
		}
	}
	return pending
}

// Approve resolves the gate with identifier as approved.
func (board *GateBoard) Approve(identifier string, approver string) error {
	gate, exists := board.Lookup(identifier)
	if !exists {
		return fmt.Errorf("%w: %s", ErrGateNotFound, identifier)
	}
	return gate.Approve(approver)
}

// Reject resolves the gate with identifier as rejected.
func (board *GateBoard) Reject(identifier string, approver string, reason string) error {
	gate, exists := board.Lookup(identifier)
	if !exists {
		return fmt.Errorf("%w: %s", ErrGateNotFound, identifier)
	}
	return gate.Reject(approver, reason)
}
