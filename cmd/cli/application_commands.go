package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
	"github.com/tyemirov/gantry/internal/pipeline"
	"github.com/tyemirov/gantry/internal/utils"
	flagutils "github.com/tyemirov/gantry/internal/utils/flags"
	"github.com/tyemirov/gantry/pkg/taskrunner"
)

const (
	runCommandUseConstant              = "run <definition>"
	runCommandShortDescriptionConstant = "Run a pipeline definition"
	runCommandLongDescriptionConstant  = "run executes the pipeline definition for one trigger event and prints one line per completed stage followed by a run summary. The command fails when the run outcome is failure."
	validateCommandUseConstant         = "validate <definition>"
	validateCommandShortConstant       = "Validate a pipeline definition"
	validateCommandLongConstant        = "validate parses the pipeline definition, checks it against the schema and the structural rules, and reports every problem found."
	branchFlagNameConstant             = "branch"
	branchFlagUsageConstant            = "Branch that triggered the run."
	changedFlagNameConstant            = "changed"
	changedFlagUsageConstant           = "Changed paths for changeset conditions (repeatable or comma-separated)."
	runIdentifierFlagNameConstant      = "run-id"
	runIdentifierFlagUsageConstant     = "Run identifier; a UUID is generated when empty."
	parameterFlagNameConstant          = "param"
	parameterFlagUsageConstant         = "Run parameter as key=value (repeatable)."
	reportFlagNameConstant             = "report"
	reportFlagUsageConstant            = "Write the final report as JSON to this path."
	approvalFlagNameConstant           = "approval"
	approvalFlagUsageConstant          = "Approval mode override (console, http, or none)."
	validDefinitionTemplateConstant    = "pipeline %q is valid: %d stages, %d approval gates, %d actions\n"
	pipelineCommandCompleteMessage     = "pipeline_command_complete"
	pipelineReportWrittenMessage       = "pipeline_report_written"
	definitionFieldNameConstant        = "definition"
	outcomeFieldNameConstant           = "outcome"
	runIdentifierFieldNameConstant     = "run_id"
	reportPathFieldNameConstant        = "report"
)

func (application *Application) registerCommands(cobraCommand *cobra.Command) {
	cobraCommand.AddCommand(application.newRunCommand())
	cobraCommand.AddCommand(application.newValidateCommand())
}

func (application *Application) newRunCommand() *cobra.Command {
	runCommand := &cobra.Command{
		Use:           runCommandUseConstant,
		Short:         runCommandShortDescriptionConstant,
		Long:          runCommandLongDescriptionConstant,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE:       application.attachRunTrigger,
		RunE:          application.runPipeline,
	}
	runCommand.Flags().String(branchFlagNameConstant, "", branchFlagUsageConstant)
	runCommand.Flags().StringSlice(changedFlagNameConstant, nil, changedFlagUsageConstant)
	runCommand.Flags().String(runIdentifierFlagNameConstant, "", runIdentifierFlagUsageConstant)
	runCommand.Flags().StringArray(parameterFlagNameConstant, nil, parameterFlagUsageConstant)
	runCommand.Flags().String(reportFlagNameConstant, "", reportFlagUsageConstant)
	runCommand.Flags().String(approvalFlagNameConstant, "", approvalFlagUsageConstant)
	return runCommand
}

func (application *Application) newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:           validateCommandUseConstant,
		Short:         validateCommandShortConstant,
		Long:          validateCommandLongConstant,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          application.validatePipeline,
	}
}

func (application *Application) attachRunTrigger(command *cobra.Command, _ []string) error {
	branch, _, branchError := flagutils.StringFlag(command, branchFlagNameConstant)
	if branchError != nil {
		return branchError
	}
	runIdentifier, _, runIdentifierError := flagutils.StringFlag(command, runIdentifierFlagNameConstant)
	if runIdentifierError != nil {
		return runIdentifierError
	}
	changedPaths, _, changedError := flagutils.StringSliceFlag(command, changedFlagNameConstant)
	if changedError != nil {
		return changedError
	}
	parameters, _, parameterError := flagutils.KeyValueFlag(command, parameterFlagNameConstant)
	if parameterError != nil {
		return parameterError
	}

	command.SetContext(application.commandContextAccessor.WithRunTrigger(command.Context(), utils.RunTriggerContext{
		RunIdentifier: runIdentifier,
		Branch:        branch,
		ChangedPaths:  changedPaths,
		Parameters:    parameters,
	}))
	return nil
}

func (application *Application) runPipeline(command *cobra.Command, arguments []string) error {
	definitionPath := arguments[0]
	definition, loadError := pipeline.LoadDefinition(definitionPath)
	if loadError != nil {
		return loadError
	}

	engineConfiguration := application.configuration.EngineConfiguration()
	if approvalMode, approvalChanged, approvalError := flagutils.StringFlag(command, approvalFlagNameConstant); approvalError == nil && approvalChanged {
		engineConfiguration.ApprovalMode = approvalMode
	}

	dependencies, buildError := application.buildDependencies(command, definition, engineConfiguration)
	if buildError != nil {
		return buildError
	}
	executor, resolveError := taskrunner.Resolve(application.executorFactory, definition, dependencies)
	if resolveError != nil {
		return resolveError
	}

	trigger, _ := application.commandContextAccessor.RunTrigger(command.Context())
	signalContext, stopSignals := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	snapshot, runError := executor.Run(signalContext, execution.RunFacts{
		RunIdentifier: trigger.RunIdentifier,
		Branch:        trigger.Branch,
		ChangedPaths:  trigger.ChangedPaths,
		Parameters:    trigger.Parameters,
	})

	application.logger.Info(
		pipelineCommandCompleteMessage,
		zap.String(definitionFieldNameConstant, definitionPath),
		zap.String(runIdentifierFieldNameConstant, snapshot.RunIdentifier),
		zap.String(outcomeFieldNameConstant, string(snapshot.Outcome)),
	)

	reportPath, _, _ := flagutils.StringFlag(command, reportFlagNameConstant)
	if len(strings.TrimSpace(reportPath)) > 0 && snapshot.Finalized {
		if writeError := taskrunner.WriteReport(reportPath, snapshot); writeError != nil {
			return errors.Join(runError, writeError)
		}
		application.logger.Debug(pipelineReportWrittenMessage, zap.String(reportPathFieldNameConstant, reportPath))
	}

	return runError
}

func (application *Application) validatePipeline(command *cobra.Command, arguments []string) error {
	definition, loadError := pipeline.LoadDefinition(arguments[0])
	if loadError != nil {
		return loadError
	}
	dependencies, buildError := application.buildDependencies(command, definition, application.configuration.EngineConfiguration())
	if buildError != nil {
		return buildError
	}
	if _, runnerError := taskrunner.NewRunner(definition, dependencies); runnerError != nil {
		return runnerError
	}

	stageCount := 0
	gateCount := 0
	definition.Pipeline.Walk(func(stage *pipeline.Stage, _ string, _ []string) {
		stageCount++
		if stage.RequiresApproval != nil {
			gateCount++
		}
	})
	_, printError := fmt.Fprintf(command.OutOrStdout(), validDefinitionTemplateConstant, definition.Pipeline.Name, stageCount, gateCount, len(definition.ActionIdentifiers()))
	return printError
}

func (application *Application) buildDependencies(command *cobra.Command, definition pipeline.Definition, engineConfiguration taskrunner.EngineConfiguration) (taskrunner.DependenciesResult, error) {
	return taskrunner.BuildDependencies(
		definition,
		taskrunner.DependenciesConfig{
			LoggerProvider: func() *zap.Logger { return application.logger },
			CommandRunner:  application.commandRunner,
			Engine:         engineConfiguration,
		},
		taskrunner.DependenciesOptions{
			Command: command,
			Output:  utils.NewFlushingWriter(command.OutOrStdout()),
			Errors:  utils.NewFlushingWriter(command.ErrOrStderr()),
		},
	)
}
