package utils

import (
	"context"
	"strings"
)

const (
	configurationFilePathContextKeyConstant = commandContextKey("configurationFilePath")
	runTriggerContextKeyConstant            = commandContextKey("runTrigger")
	logLevelContextKeyConstant              = commandContextKey("logLevel")
)

type commandContextKey string

// RunTriggerContext describes the event that initiated a pipeline run.
type RunTriggerContext struct {
	RunIdentifier string
	Branch        string
	ChangedPaths  []string
	Parameters    map[string]string
}

// CommandContextAccessor manages values stored in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath attaches the configuration file path to the provided context.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// WithRunTrigger attaches normalized run trigger details when any value is present.
func (accessor CommandContextAccessor) WithRunTrigger(parentContext context.Context, trigger RunTriggerContext) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	normalized := RunTriggerContext{
		RunIdentifier: strings.TrimSpace(trigger.RunIdentifier),
		Branch:        strings.TrimSpace(trigger.Branch),
	}
	for _, changedPath := range trigger.ChangedPaths {
		trimmedPath := strings.TrimSpace(changedPath)
		if len(trimmedPath) == 0 {
			continue
		}
		normalized.ChangedPaths = append(normalized.ChangedPaths, trimmedPath)
	}
	for name, value := range trigger.Parameters {
		trimmedName := strings.TrimSpace(name)
		if len(trimmedName) == 0 {
			continue
		}
		if normalized.Parameters == nil {
			normalized.Parameters = make(map[string]string, len(trigger.Parameters))
		}
		normalized.Parameters[trimmedName] = value
	}
	if len(normalized.RunIdentifier) == 0 && len(normalized.Branch) == 0 && len(normalized.ChangedPaths) == 0 && len(normalized.Parameters) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, runTriggerContextKeyConstant, normalized)
}

// WithLogLevel attaches the effective log level to the provided context.
func (accessor CommandContextAccessor) WithLogLevel(parentContext context.Context, logLevel string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	trimmedLogLevel := strings.TrimSpace(logLevel)
	if len(trimmedLogLevel) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, logLevelContextKeyConstant, trimmedLogLevel)
}

// ConfigurationFilePath extracts the configuration file path from the provided context.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, available := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	return configurationFilePath, available
}

// RunTrigger extracts run trigger details from the provided context.
func (accessor CommandContextAccessor) RunTrigger(executionContext context.Context) (RunTriggerContext, bool) {
	if executionContext == nil {
		return RunTriggerContext{}, false
	}
	value, available := executionContext.Value(runTriggerContextKeyConstant).(RunTriggerContext)
	return value, available
}

// LogLevel extracts the effective log level from the provided context.
func (accessor CommandContextAccessor) LogLevel(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	value, available := executionContext.Value(logLevelContextKeyConstant).(string)
	return value, available
}
