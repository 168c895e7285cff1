// Package approvalprompt resolves approval gates from an interactive console.
package approvalprompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	affirmativeShortResponseConstant = "y"
	affirmativeLongResponseConstant  = "yes"
	promptTemplateConstant           = "%s [stage %s, gate %s] approve? (y/N): "
	declinedReasonConstant           = "declined at console"
	defaultApproverConstant          = "console"
	promptFailedMessageConstant      = "approval_prompt_failed"
	promptIgnoredMessageConstant     = "approval_prompt_ignored"
	promptNoInputMessageConstant     = "approval_prompt_no_input"
	promptAbandonedMessageConstant   = "approval_prompt_abandoned"
	gateFieldNameConstant            = "gate_id"
	stageFieldNameConstant           = "stage"
)

// Decision is the interpreted console answer.
type Decision int

// Console decisions.
const (
	DecisionNone Decision = iota
	DecisionApprove
	DecisionReject
)

// ConsoleApprover asks an operator to approve each pending gate. Prompts are serialized and
// share one input reader, so a line typed after a gate was decided elsewhere reaches the next prompt.
type ConsoleApprover struct {
	reader   *bufio.Reader
	writer   io.Writer
	approver string
	logger   *zap.Logger

	startReading sync.Once
	lines        chan inputLine
	mutex        sync.Mutex
	carried      *inputLine
}

type inputLine struct {
	text string
	err  error
}

// NewConsoleApprover constructs an approver reading answers from input. Decisions are
// attributed to approver, or "console" when empty.
func NewConsoleApprover(input io.Reader, output io.Writer, approver string, logger *zap.Logger) *ConsoleApprover {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmedApprover := strings.TrimSpace(approver)
	if len(trimmedApprover) == 0 {
		trimmedApprover = defaultApproverConstant
	}
	return &ConsoleApprover{
		reader:   bufio.NewReader(input),
		writer:   output,
		approver: trimmedApprover,
		logger:   logger,
		lines:    make(chan inputLine),
	}
}

// GatePending prompts in the background so the engine is never blocked on the console.
func (approver *ConsoleApprover) GatePending(gate *execution.Gate) {
	go func() {
		_, _ = approver.Prompt(gate)
	}()
}

// Prompt asks about gate and applies the answer: "y" or "yes" approves, anything else rejects.
// End of input leaves the gate pending so it can still time out or be resolved elsewhere.
// Prompt stops waiting once the gate is decided by other means.
func (approver *ConsoleApprover) Prompt(gate *execution.Gate) (Decision, error) {
	approver.mutex.Lock()
	defer approver.mutex.Unlock()

	if gate.State() != execution.GateStatePending {
		return DecisionNone, nil
	}

	message := gate.Message()
	if len(strings.TrimSpace(message)) == 0 {
		message = gate.StagePath()
	}
	if approver.writer != nil {
		if _, writeError := fmt.Fprintf(approver.writer, promptTemplateConstant, message, gate.StagePath(), gate.Identifier()); writeError != nil {
			approver.logFailure(gate, writeError)
			return DecisionNone, writeError
		}
	}

	line, received := approver.nextLine(gate)
	if !received {
		approver.logger.Info(promptAbandonedMessageConstant,
			zap.String(gateFieldNameConstant, gate.Identifier()),
			zap.String(stageFieldNameConstant, gate.StagePath()),
		)
		return DecisionNone, nil
	}
	if line.err != nil && !errors.Is(line.err, io.EOF) {
		approver.logFailure(gate, line.err)
		return DecisionNone, line.err
	}
	if line.err != nil && len(strings.TrimSpace(line.text)) == 0 {
		approver.logger.Info(promptNoInputMessageConstant,
			zap.String(gateFieldNameConstant, gate.Identifier()),
			zap.String(stageFieldNameConstant, gate.StagePath()),
		)
		return DecisionNone, nil
	}

	decision := interpret(line.text)
	var decisionError error
	switch decision {
	case DecisionApprove:
		decisionError = gate.Approve(approver.approver)
	default:
		decisionError = gate.Reject(approver.approver, declinedReasonConstant)
	}
	if decisionError != nil {
		approver.logger.Warn(promptIgnoredMessageConstant,
			zap.String(gateFieldNameConstant, gate.Identifier()),
			zap.String(stageFieldNameConstant, gate.StagePath()),
			zap.Error(decisionError),
		)
		return decision, decisionError
	}
	return decision, nil
}

// nextLine waits for an answer or for the gate to be decided. A line that arrives after the
// gate was decided is carried over to the next prompt. Must be called with the mutex held.
func (approver *ConsoleApprover) nextLine(gate *execution.Gate) (inputLine, bool) {
	if approver.carried != nil {
		line := *approver.carried
		approver.carried = nil
		return line, true
	}
	approver.startReading.Do(func() {
		go approver.readLines()
	})

	select {
	case line, open := <-approver.lines:
		if !open {
			return inputLine{err: io.EOF}, true
		}
		if gate.State() != execution.GateStatePending {
			approver.carried = &line
			return inputLine{}, false
		}
		return line, true
	case <-gate.Decided():
		return inputLine{}, false
	}
}

func (approver *ConsoleApprover) readLines() {
	defer close(approver.lines)
	for {
		text, readError := approver.reader.ReadString('\n')
		approver.lines <- inputLine{text: text, err: readError}
		if readError != nil {
			return
		}
	}
}

func (approver *ConsoleApprover) logFailure(gate *execution.Gate, failure error) {
	approver.logger.Warn(promptFailedMessageConstant,
		zap.String(gateFieldNameConstant, gate.Identifier()),
		zap.String(stageFieldNameConstant, gate.StagePath()),
		zap.Error(failure),
	)
}

func interpret(response string) Decision {
	switch strings.TrimSpace(strings.ToLower(response)) {
	case affirmativeShortResponseConstant, affirmativeLongResponseConstant:
		return DecisionApprove
	default:
		return DecisionReject
	}
}
