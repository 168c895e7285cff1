package execution

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	hookFailedMessageConstant          = "pipeline_hook_failed"
	notificationFailedMessageConstant  = "pipeline_notification_failed"
	notificationDroppedMessageConstant = "pipeline_notification_dropped"
	hookUnsupportedTemplateConstant    = "unsupported hook kind %q"
	hookPublishFailedTemplateConstant  = "publish %q failed: %w"
	hookTriggerMissingTemplateConstant = "%w: %s"
	hookArtifactStoreMissingTemplate   = "%w: artifact store"
)

type hookResults struct {
	errors    []HookError
	artifacts []ArtifactReference
}

// runHooks runs always hooks, then the success or failure set matching outcome. A skipped
// outcome runs always hooks only. Hook failures are collected and never stop later hooks.
// Hooks run detached from ctx cancellation so cleanup still happens on interrupted runs.
func (run *Run) runHooks(ctx context.Context, ownerPath string, hooks pipeline.PostHooks, outcome Outcome, snapshot map[string]string, report *ReportSnapshot) hookResults {
	hookContext := context.WithoutCancel(ctx)
	triggers := []pipeline.HookTrigger{pipeline.HookTriggerAlways}
	switch outcome {
	case OutcomeSuccess:
		triggers = append(triggers, pipeline.HookTriggerSuccess)
	case OutcomeFailure:
		triggers = append(triggers, pipeline.HookTriggerFailure)
	}

	results := hookResults{}
	for _, trigger := range triggers {
		for _, hook := range hooks.ForTrigger(trigger) {
			artifact, hookError := run.runHook(hookContext, ownerPath, hook, outcome, snapshot, report)
			if artifact != nil {
				results.artifacts = append(results.artifacts, *artifact)
			}
			if hookError == nil {
				continue
			}
			run.executor.logger.Warn(
				hookFailedMessageConstant,
				zap.String(logFieldStageConstant, ownerPath),
				zap.String(logFieldTriggerConstant, string(trigger)),
				zap.String(logFieldHookConstant, hook.Description()),
				zap.Error(hookError),
			)
			results.errors = append(results.errors, HookError{
				Trigger: string(trigger),
				Hook:    hook.Description(),
				Message: hookError.Error(),
			})
		}
	}
	return results
}

func (run *Run) runHook(ctx context.Context, ownerPath string, hook pipeline.Hook, outcome Outcome, snapshot map[string]string, report *ReportSnapshot) (*ArtifactReference, error) {
	switch hook.Kind {
	case pipeline.HookKindRun:
		_, invokeError := run.invokeAction(ctx, hook.Action, snapshot)
		return nil, invokeError
	case pipeline.HookKindNotify:
		run.notify(ctx, ownerPath, hook, outcome, snapshot, report)
		return nil, nil
	case pipeline.HookKindPublish:
		store := run.executor.dependencies.Artifacts
		if store == nil {
			return nil, fmt.Errorf(hookArtifactStoreMissingTemplate, ErrCollaboratorMissing)
		}
		pattern := expandVariables(hook.Path, snapshot)
		reference, publishError := store.Publish(ctx, run.context.RunIdentifier(), pattern)
		if publishError != nil {
			return nil, fmt.Errorf(hookPublishFailedTemplateConstant, pattern, publishError)
		}
		return &reference, nil
	case pipeline.HookKindTrigger:
		target, _, found := run.executor.pipeline.FindStage(hook.Stage)
		if !found || target.Body.Kind != pipeline.BodyKindLeaf {
			return nil, fmt.Errorf(hookTriggerMissingTemplateConstant, ErrTriggerTargetMissing, hook.Stage)
		}
		_, invokeError := run.invokeAction(ctx, target.Body.Action, snapshot)
		return nil, invokeError
	default:
		return nil, fmt.Errorf(hookUnsupportedTemplateConstant, hook.Kind)
	}
}

// notify is fire-and-forget: failures are logged and never recorded as stage failures.
func (run *Run) notify(ctx context.Context, ownerPath string, hook pipeline.Hook, outcome Outcome, snapshot map[string]string, report *ReportSnapshot) {
	notification := Notification{
		Channel:       hook.Channel,
		Severity:      hook.Severity,
		Message:       expandVariables(hook.Message, snapshot),
		RunIdentifier: run.context.RunIdentifier(),
		StagePath:     ownerPath,
		Outcome:       outcome,
		Report:        report,
	}

	sink := run.executor.dependencies.Notifier
	if sink == nil {
		run.executor.logger.Info(
			notificationDroppedMessageConstant,
			zap.String(logFieldStageConstant, ownerPath),
			zap.String(logFieldChannelConstant, hook.Channel),
		)
		return
	}
	if notifyError := sink.Notify(ctx, notification); notifyError != nil {
		run.executor.logger.Warn(
			notificationFailedMessageConstant,
			zap.String(logFieldStageConstant, ownerPath),
			zap.String(logFieldChannelConstant, hook.Channel),
			zap.Error(notifyError),
		)
	}
}

// runTerminalHooks runs the pipeline-level hooks with the root variables and the report.
func (run *Run) runTerminalHooks(ctx context.Context, hooks pipeline.PostHooks, outcome Outcome, report ReportSnapshot) []HookError {
	snapshot := run.variables.Snapshot()
	snapshot[PipelineOutcomeVariableConstant] = string(outcome)
	return run.runHooks(ctx, "", hooks, outcome, snapshot, &report).errors
}

func expandVariables(template string, snapshot map[string]string) string {
	return os.Expand(template, func(name string) string {
		return snapshot[name]
	})
}
