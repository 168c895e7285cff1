package taskrunner

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/actions"
	"github.com/tyemirov/gantry/internal/agents"
	"github.com/tyemirov/gantry/internal/approvalprompt"
	"github.com/tyemirov/gantry/internal/artifacts"
	"github.com/tyemirov/gantry/internal/execution"
	"github.com/tyemirov/gantry/internal/notify"
	"github.com/tyemirov/gantry/internal/pipeline"
	"github.com/tyemirov/gantry/internal/reporting"
)

// ApprovalMode selects how pending approval gates are resolved.
type ApprovalMode string

// Supported approval modes.
const (
	ApprovalModeConsole ApprovalMode = "console"
	ApprovalModeHTTP    ApprovalMode = "http"
	ApprovalModeNone    ApprovalMode = "none"
)

const (
	defaultWorkingDirectoryConstant  = "."
	defaultArtifactDirectoryConstant = ".gantry/artifacts"
	defaultLogDirectoryConstant      = ".gantry/logs"
	defaultApprovalListenConstant    = "127.0.0.1:8787"
	unsupportedApprovalModeTemplate  = "%w: %q"
	unsupportedApprovalModeMessage   = "unsupported approval mode"
	definitionMissingMessageConstant = "pipeline definition must be provided"
)

var (
	// ErrUnsupportedApprovalMode indicates an approval mode outside console, http, and none.
	ErrUnsupportedApprovalMode = errors.New(unsupportedApprovalModeMessage)
	// ErrDefinitionMissing indicates BuildDependencies was called without a pipeline.
	ErrDefinitionMissing = errors.New(definitionMissingMessageConstant)
)

// EngineConfiguration captures the file, directory, approval, host, and notification settings
// used to assemble engine collaborators.
type EngineConfiguration struct {
	WorkingDirectory    string
	LogDirectory        string
	ArtifactDirectory   string
	InheritEnvironment  bool
	ApprovalMode        string
	ApprovalListen      string
	Approver            string
	MachineFields       bool
	Hosts               []agents.Host
	WebhookURL          string
	NotificationChannel string
}

// DependenciesConfig captures providers required to build engine dependencies.
type DependenciesConfig struct {
	LoggerProvider func() *zap.Logger
	CommandRunner  actions.CommandRunner
	HTTPClient     *http.Client
	Engine         EngineConfiguration
}

// DependenciesOptions allows per-command overrides when resolving engine dependencies.
type DependenciesOptions struct {
	Command *cobra.Command
	Input   io.Reader
	Output  io.Writer
	Errors  io.Writer
}

// DependenciesResult exposes the resolved collaborators along with their engine wrapper.
type DependenciesResult struct {
	Execution      execution.Dependencies
	Reporter       *reporting.ConsoleReporter
	ApprovalMode   ApprovalMode
	ApprovalListen string
}

// BuildDependencies resolves the action runner, notification sinks, artifact store, agent
// selector, approval board, and console reporter for definition.
func BuildDependencies(definition pipeline.Definition, config DependenciesConfig, options DependenciesOptions) (DependenciesResult, error) {
	if definition.Pipeline == nil {
		return DependenciesResult{}, ErrDefinitionMissing
	}
	logger := resolveLogger(config.LoggerProvider)
	engine := normalizeEngineConfiguration(config.Engine)

	approvalMode, approvalModeError := parseApprovalMode(engine.ApprovalMode)
	if approvalModeError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.approval_mode: %w", approvalModeError)
	}

	commandRunner := config.CommandRunner
	if commandRunner == nil {
		commandRunner = actions.ProcessCommandRunner{}
	}
	actionRunner, runnerError := actions.NewShellRunner(commandRunner, actions.ShellRunnerOptions{
		Catalog:            definition.Actions,
		WorkingDirectory:   engine.WorkingDirectory,
		InheritEnvironment: engine.InheritEnvironment,
		Logs:               actions.NewLogStorage(engine.LogDirectory),
		Logger:             logger,
	})
	if runnerError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.action_runner: %w", runnerError)
	}

	notifier, notifierError := resolveNotifier(engine, config.HTTPClient, logger)
	if notifierError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.notifier: %w", notifierError)
	}

	artifactStore, storeError := artifacts.NewFileSystemStore(engine.WorkingDirectory, engine.ArtifactDirectory, logger)
	if storeError != nil {
		return DependenciesResult{}, fmt.Errorf("taskrunner.dependencies.artifacts: %w", storeError)
	}

	hosts := engine.Hosts
	if len(hosts) == 0 {
		hosts = []agents.Host{agents.LocalHost()}
	}

	outputWriter := resolveWriter(options.Output, options.Command, true)
	errorWriter := resolveWriter(options.Errors, options.Command, false)
	reporter := reporting.NewConsoleReporter(outputWriter, errorWriter, reporting.WithMachineFields(engine.MachineFields))

	gateBoard := execution.NewGateBoard()
	if approvalMode == ApprovalModeConsole {
		gateBoard.Subscribe(approvalprompt.NewConsoleApprover(resolveReader(options.Input, options.Command), outputWriter, engine.Approver, logger))
	}

	return DependenciesResult{
		Execution: execution.Dependencies{
			Logger:    logger,
			Runner:    actionRunner,
			Notifier:  notifier,
			Artifacts: artifactStore,
			Agents:    agents.NewLabelSelector(hosts),
			Gates:     gateBoard,
			Observer:  reporter,
		},
		Reporter:       reporter,
		ApprovalMode:   approvalMode,
		ApprovalListen: engine.ApprovalListen,
	}, nil
}

func normalizeEngineConfiguration(engine EngineConfiguration) EngineConfiguration {
	engine.WorkingDirectory = valueOrDefault(engine.WorkingDirectory, defaultWorkingDirectoryConstant)
	engine.LogDirectory = valueOrDefault(engine.LogDirectory, defaultLogDirectoryConstant)
	engine.ArtifactDirectory = valueOrDefault(engine.ArtifactDirectory, defaultArtifactDirectoryConstant)
	engine.ApprovalListen = valueOrDefault(engine.ApprovalListen, defaultApprovalListenConstant)
	engine.ApprovalMode = valueOrDefault(engine.ApprovalMode, string(ApprovalModeConsole))
	return engine
}

func parseApprovalMode(value string) (ApprovalMode, error) {
	switch mode := ApprovalMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case ApprovalModeConsole, ApprovalModeHTTP, ApprovalModeNone:
		return mode, nil
	default:
		return "", fmt.Errorf(unsupportedApprovalModeTemplate, ErrUnsupportedApprovalMode, value)
	}
}

func resolveNotifier(engine EngineConfiguration, client *http.Client, logger *zap.Logger) (execution.NotificationSink, error) {
	sinks := []execution.NotificationSink{notify.NewLogSink(logger)}
	if len(strings.TrimSpace(engine.WebhookURL)) > 0 {
		webhookSink, webhookError := notify.NewWebhookSink(engine.WebhookURL, engine.NotificationChannel, client)
		if webhookError != nil {
			return nil, webhookError
		}
		sinks = append(sinks, webhookSink)
	}
	return notify.NewFanout(sinks...), nil
}

func valueOrDefault(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) == 0 {
		return fallback
	}
	return trimmed
}

func resolveLogger(provider func() *zap.Logger) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func resolveReader(provided io.Reader, command *cobra.Command) io.Reader {
	if provided != nil {
		return provided
	}
	if command != nil {
		return command.InOrStdin()
	}
	return os.Stdin
}

func resolveWriter(provided io.Writer, command *cobra.Command, useStdout bool) io.Writer {
	if provided != nil {
		return provided
	}
	if command != nil {
		if useStdout {
			if writer := command.OutOrStdout(); writer != nil && writer != io.Discard {
				return writer
			}
		} else {
			if writer := command.ErrOrStderr(); writer != nil && writer != io.Discard {
				return writer
			}
		}
	}
	if useStdout {
		return os.Stdout
	}
	return os.Stderr
}
