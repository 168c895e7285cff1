// Package actions runs pipeline actions as shell scripts and stores their output.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	actionStartMessageConstant         = "action_execution_starting"
	actionSuccessMessageConstant       = "action_execution_completed"
	actionFailureMessageConstant       = "action_returned_non_zero_status"
	actionRunnerErrorMessageConstant   = "action_execution_error"
	actionLogFailedMessageConstant     = "action_log_write_failed"
	actionFieldNameConstant            = "action"
	stageFieldNameConstant             = "stage"
	exitCodeFieldNameConstant          = "exit_code"
	logReferenceFieldNameConstant      = "log_ref"
	durationFieldNameConstant          = "duration"
	exitFailureTemplateConstant        = "exited with code %d"
	exitFailureDetailTemplateConstant  = "exited with code %d: %s"
	unknownActionTemplateConstant      = "%w: %s"
	failureDetailSeparatorConstant     = " | "
	failureDetailMaximumLinesConstant  = 3
	commandRunnerNotConfiguredConstant = "action runner command runner not configured"
	unknownActionMessageConstant       = "action not defined in catalog"
	emptyScriptMessageConstant         = "action script is empty"
)

var (
	// ErrCommandRunnerNotConfigured indicates the command runner dependency was missing.
	ErrCommandRunnerNotConfigured = errors.New(commandRunnerNotConfiguredConstant)
	// ErrUnknownAction indicates the action id has no catalog entry.
	ErrUnknownAction = errors.New(unknownActionMessageConstant)
	// ErrEmptyScript indicates the resolved script is blank.
	ErrEmptyScript = errors.New(emptyScriptMessageConstant)
)

// ShellRunnerOptions configures a ShellRunner.
type ShellRunnerOptions struct {
	// Catalog maps action ids to scripts. When empty, the action id is the script.
	Catalog            map[string]string
	WorkingDirectory   string
	InheritEnvironment bool
	Logs               *LogStorage
	Logger             *zap.Logger
}

// ShellRunner resolves action ids to shell scripts and runs them with the variable snapshot
// as environment.
type ShellRunner struct {
	commandRunner CommandRunner
	options       ShellRunnerOptions
	logger        *zap.Logger
}

// NewShellRunner builds a runner for commandRunner.
func NewShellRunner(commandRunner CommandRunner, options ShellRunnerOptions) (*ShellRunner, error) {
	if commandRunner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := make(map[string]string, len(options.Catalog))
	for identifier, script := range options.Catalog {
		catalog[strings.TrimSpace(identifier)] = script
	}
	options.Catalog = catalog
	return &ShellRunner{commandRunner: commandRunner, options: options, logger: logger}, nil
}

// Resolve returns the script for actionIdentifier.
func (runner *ShellRunner) Resolve(actionIdentifier string) (string, error) {
	trimmed := strings.TrimSpace(actionIdentifier)
	script := trimmed
	if len(runner.options.Catalog) > 0 {
		cataloged, exists := runner.options.Catalog[trimmed]
		if !exists {
			return "", fmt.Errorf(unknownActionTemplateConstant, ErrUnknownAction, trimmed)
		}
		script = cataloged
	}
	if len(strings.TrimSpace(script)) == 0 {
		return "", fmt.Errorf(unknownActionTemplateConstant, ErrEmptyScript, trimmed)
	}
	return script, nil
}

// Invoke runs the action. A non-zero exit is an ActionOutcomeFailure result; an error is
// returned only when the script could not be resolved or the process could not run.
func (runner *ShellRunner) Invoke(ctx context.Context, actionIdentifier string, snapshot map[string]string) (execution.ActionResult, error) {
	script, resolveError := runner.Resolve(actionIdentifier)
	if resolveError != nil {
		return execution.ActionResult{Outcome: execution.ActionOutcomeFailure}, resolveError
	}

	stagePath := snapshot[execution.StagePathVariableConstant]
	runner.logger.Debug(actionStartMessageConstant,
		zap.String(actionFieldNameConstant, actionIdentifier),
		zap.String(stageFieldNameConstant, stagePath),
	)

	startTime := time.Now()
	executionResult, runError := runner.commandRunner.Run(ctx, ShellCommand{
		Script:               script,
		WorkingDirectory:     runner.options.WorkingDirectory,
		EnvironmentVariables: snapshot,
		InheritEnvironment:   runner.options.InheritEnvironment,
	})
	result := execution.ActionResult{Duration: time.Since(startTime)}
	result.LogReference = runner.storeLog(snapshot, actionIdentifier, executionResult.Output)

	if runError != nil {
		result.Outcome = execution.ActionOutcomeFailure
		runner.logger.Error(actionRunnerErrorMessageConstant,
			zap.String(actionFieldNameConstant, actionIdentifier),
			zap.String(stageFieldNameConstant, stagePath),
			zap.Error(runError),
		)
		return result, runError
	}

	if executionResult.ExitCode != 0 {
		result.Outcome = execution.ActionOutcomeFailure
		result.Message = summarizeFailure(executionResult)
		runner.logger.Warn(actionFailureMessageConstant,
			zap.String(actionFieldNameConstant, actionIdentifier),
			zap.String(stageFieldNameConstant, stagePath),
			zap.Int(exitCodeFieldNameConstant, executionResult.ExitCode),
			zap.String(logReferenceFieldNameConstant, result.LogReference),
		)
		return result, nil
	}

	result.Outcome = execution.ActionOutcomeSuccess
	runner.logger.Debug(actionSuccessMessageConstant,
		zap.String(actionFieldNameConstant, actionIdentifier),
		zap.String(stageFieldNameConstant, stagePath),
		zap.Duration(durationFieldNameConstant, result.Duration),
	)
	return result, nil
}

func (runner *ShellRunner) storeLog(snapshot map[string]string, actionIdentifier string, output []byte) string {
	if runner.options.Logs == nil {
		return ""
	}
	logReference, saveError := runner.options.Logs.Save(
		snapshot[execution.RunIdentifierVariableConstant],
		snapshot[execution.StagePathVariableConstant],
		actionIdentifier,
		output,
	)
	if saveError != nil {
		runner.logger.Warn(actionLogFailedMessageConstant, zap.String(actionFieldNameConstant, actionIdentifier), zap.Error(saveError))
		return ""
	}
	return logReference
}

// summarizeFailure keeps the exit code and the last few non-empty output lines.
func summarizeFailure(result ExecutionResult) string {
	lines := strings.Split(strings.TrimSpace(string(result.Output)), "\n")
	normalized := make([]string, 0, failureDetailMaximumLinesConstant)
	for lineIndex := len(lines) - 1; lineIndex >= 0 && len(normalized) < failureDetailMaximumLinesConstant; lineIndex-- {
		trimmed := strings.TrimSpace(lines[lineIndex])
		if len(trimmed) == 0 {
			continue
		}
		normalized = append([]string{trimmed}, normalized...)
	}
	if len(normalized) == 0 {
		return fmt.Sprintf(exitFailureTemplateConstant, result.ExitCode)
	}
	return fmt.Sprintf(exitFailureDetailTemplateConstant, result.ExitCode, strings.Join(normalized, failureDetailSeparatorConstant))
}
