// Package reporting renders stage completions and run summaries for humans.
package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	defaultLevelFieldWidth = 5
	defaultCodeFieldWidth  = 14
	defaultStageFieldWidth = 28
	defaultTimestampLayout = "15:04:05"
	levelInfoConstant      = "INFO"
	levelWarnConstant      = "WARN"
	levelErrorConstant     = "ERROR"
	codeStageSuccess       = "STAGE_SUCCESS"
	codeStageFailure       = "STAGE_FAILURE"
	codeStageSkipped       = "STAGE_SKIPPED"
	codeHookFailure        = "HOOK_FAILURE"
	pipelineOwnerLabel     = "pipeline"
)

// SummaryData captures aggregate run metrics.
type SummaryData struct {
	RunIdentifier        string                    `json:"run_id"`
	Outcome              execution.Outcome         `json:"outcome"`
	TotalStages          int                       `json:"total_stages"`
	OutcomeCounts        map[execution.Outcome]int `json:"outcome_counts"`
	HookErrorCount       int                       `json:"hook_errors"`
	FatalError           string                    `json:"fatal_error,omitempty"`
	DurationHuman        string                    `json:"duration_human"`
	DurationMilliseconds int64                     `json:"duration_ms"`
}

// ReporterOption customises ConsoleReporter behaviour.
type ReporterOption func(*ConsoleReporter)

// WithNowProvider overrides the time source used for timestamps.
func WithNowProvider(provider func() time.Time) ReporterOption {
	return func(reporter *ConsoleReporter) {
		if provider != nil {
			reporter.now = provider
		}
	}
}

// WithMachineFields appends sorted key=value details after each human-readable line.
func WithMachineFields(enabled bool) ReporterOption {
	return func(reporter *ConsoleReporter) {
		reporter.machineFields = enabled
	}
}

// ConsoleReporter prints one aligned line per completed stage and a summary per run.
type ConsoleReporter struct {
	outputWriter  io.Writer
	errorWriter   io.Writer
	now           func() time.Time
	machineFields bool

	mutex   sync.Mutex
	summary SummaryData
}

// NewConsoleReporter writes stage lines to output and failures to errors.
func NewConsoleReporter(output io.Writer, errors io.Writer, options ...ReporterOption) *ConsoleReporter {
	if output == nil {
		output = os.Stdout
	}
	if errors == nil {
		errors = output
	}
	reporter := &ConsoleReporter{
		outputWriter: output,
		errorWriter:  errors,
		now:          time.Now,
		summary:      SummaryData{OutcomeCounts: make(map[execution.Outcome]int)},
	}
	for _, option := range options {
		option(reporter)
	}
	return reporter
}

// StageCompleted prints the record and any hook failures it carries.
func (reporter *ConsoleReporter) StageCompleted(record execution.StageRecord) {
	if reporter == nil {
		return
	}
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	timestamp := record.EndTime
	if timestamp.IsZero() {
		timestamp = reporter.now()
	}

	level, code, message := describeRecord(record)
	writer := reporter.outputWriter
	if level == levelErrorConstant {
		writer = reporter.errorWriter
	}
	reporter.writeLine(writer, timestamp, level, code, record.Path, message, recordDetails(record))

	for _, hookError := range record.HookErrors {
		reporter.writeLine(reporter.errorWriter, timestamp, levelWarnConstant, codeHookFailure, ownerLabel(record.Path),
			hookError.Hook+": "+hookError.Message, map[string]string{"trigger": hookError.Trigger})
	}

	reporter.summary.TotalStages++
	reporter.summary.OutcomeCounts[record.Outcome]++
	reporter.summary.HookErrorCount += len(record.HookErrors)
}

// RunFinalized records the final outcome and prints the summary.
func (reporter *ConsoleReporter) RunFinalized(snapshot execution.ReportSnapshot) {
	if reporter == nil {
		return
	}
	reporter.mutex.Lock()
	reporter.summary.RunIdentifier = snapshot.RunIdentifier
	reporter.summary.Outcome = snapshot.Outcome
	reporter.summary.FatalError = snapshot.FatalError
	reporter.summary.HookErrorCount += len(snapshot.TerminalHookErrors)
	duration := snapshot.EndTime.Sub(snapshot.StartTime)
	reporter.summary.DurationHuman = formatDuration(duration)
	reporter.summary.DurationMilliseconds = durationMilliseconds(duration)
	for _, hookError := range snapshot.TerminalHookErrors {
		reporter.writeLine(reporter.errorWriter, snapshot.EndTime, levelWarnConstant, codeHookFailure, pipelineOwnerLabel,
			hookError.Hook+": "+hookError.Message, map[string]string{"trigger": hookError.Trigger})
	}
	reporter.mutex.Unlock()

	reporter.PrintSummary()
}

// SummaryData returns a copy of the aggregate metrics.
func (reporter *ConsoleReporter) SummaryData() SummaryData {
	if reporter == nil {
		return SummaryData{OutcomeCounts: make(map[execution.Outcome]int), DurationHuman: "0s"}
	}
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()
	data := reporter.summary
	data.OutcomeCounts = make(map[execution.Outcome]int, len(reporter.summary.OutcomeCounts))
	for outcome, count := range reporter.summary.OutcomeCounts {
		data.OutcomeCounts[outcome] = count
	}
	if len(data.DurationHuman) == 0 {
		data.DurationHuman = "0s"
	}
	return data
}

// Summary renders the aggregate metrics as a single line.
func (reporter *ConsoleReporter) Summary() string {
	data := reporter.SummaryData()
	parts := []string{
		fmt.Sprintf("Summary: run=%s outcome=%s total.stages=%d", data.RunIdentifier, data.Outcome, data.TotalStages),
		fmt.Sprintf("%s=%d", execution.OutcomeSuccess, data.OutcomeCounts[execution.OutcomeSuccess]),
		fmt.Sprintf("%s=%d", execution.OutcomeFailure, data.OutcomeCounts[execution.OutcomeFailure]),
		fmt.Sprintf("%s=%d", execution.OutcomeSkipped, data.OutcomeCounts[execution.OutcomeSkipped]),
		fmt.Sprintf("hook_errors=%d", data.HookErrorCount),
		fmt.Sprintf("duration_human=%s", data.DurationHuman),
		fmt.Sprintf("duration_ms=%d", data.DurationMilliseconds),
	}
	if len(data.FatalError) > 0 {
		parts = append(parts, fmt.Sprintf("fatal=%q", data.FatalError))
	}
	return strings.Join(parts, " ")
}

// PrintSummary writes the summary to the primary output writer.
func (reporter *ConsoleReporter) PrintSummary() {
	if reporter == nil {
		return
	}
	summary := reporter.Summary()
	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()
	fmt.Fprintln(reporter.outputWriter, summary)
}

func (reporter *ConsoleReporter) writeLine(writer io.Writer, timestamp time.Time, level string, code string, stage string, message string, details map[string]string) {
	line := fmt.Sprintf("%s %-*s %-*s %-*s %s",
		timestamp.Format(defaultTimestampLayout),
		defaultLevelFieldWidth, level,
		defaultCodeFieldWidth, code,
		defaultStageFieldWidth, stage,
		message,
	)
	line = strings.TrimRight(line, " ")
	if reporter.machineFields && len(details) > 0 {
		line = line + " | " + formatMachinePart(details)
	}
	fmt.Fprintln(writer, line)
}

func describeRecord(record execution.StageRecord) (string, string, string) {
	switch record.Outcome {
	case execution.OutcomeFailure:
		message := record.Error
		if len(message) == 0 && len(record.FailedChildren) > 0 {
			message = "failed children: " + strings.Join(record.FailedChildren, ", ")
		}
		return levelErrorConstant, codeStageFailure, message
	case execution.OutcomeSkipped:
		return levelInfoConstant, codeStageSkipped, record.SkipReason
	default:
		return levelInfoConstant, codeStageSuccess, formatDuration(record.Duration())
	}
}

func recordDetails(record execution.StageRecord) map[string]string {
	details := map[string]string{"outcome": string(record.Outcome)}
	if len(record.ErrorKind) > 0 {
		details["error_kind"] = string(record.ErrorKind)
	}
	if len(record.HostIdentifier) > 0 {
		details["host"] = record.HostIdentifier
	}
	if len(record.LogReference) > 0 {
		details["log"] = record.LogReference
	}
	if len(record.Artifacts) > 0 {
		details["artifacts"] = fmt.Sprintf("%d", len(record.Artifacts))
	}
	return details
}

func formatMachinePart(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, details[key]))
	}
	return strings.Join(pairs, " ")
}

func ownerLabel(stagePath string) string {
	if len(stagePath) == 0 {
		return pipelineOwnerLabel
	}
	return stagePath
}

func formatDuration(value time.Duration) string {
	if value < 0 {
		value = 0
	}
	rounded := value.Round(time.Millisecond)
	if rounded == 0 && value > 0 {
		rounded = time.Millisecond
	}
	return rounded.String()
}

func durationMilliseconds(value time.Duration) int64 {
	if value < 0 {
		value = 0
	}
	rounded := value.Round(time.Millisecond)
	if rounded == 0 && value > 0 {
		rounded = time.Millisecond
	}
	return rounded.Milliseconds()
}
