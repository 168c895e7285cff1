// Package notify delivers pipeline notifications to logs and webhooks.
package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
	"github.com/tyemirov/gantry/internal/pipeline"
)

const (
	notificationMessageConstant   = "pipeline_notification"
	channelFieldNameConstant      = "channel"
	severityFieldNameConstant     = "severity"
	runIdentifierFieldConstant    = "run_id"
	stageFieldNameConstant        = "stage"
	outcomeFieldNameConstant      = "outcome"
	notificationFieldNameConstant = "text"
	pipelineOwnerLabelConstant    = "pipeline"
)

// LogSink writes notifications to a zap logger at a level derived from severity.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink. A nil logger discards notifications.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify logs the notification.
func (sink *LogSink) Notify(_ context.Context, notification execution.Notification) error {
	fields := []zap.Field{
		zap.String(channelFieldNameConstant, notification.Channel),
		zap.String(severityFieldNameConstant, notification.Severity),
		zap.String(runIdentifierFieldConstant, notification.RunIdentifier),
		zap.String(stageFieldNameConstant, ownerLabel(notification.StagePath)),
		zap.String(outcomeFieldNameConstant, string(notification.Outcome)),
		zap.String(notificationFieldNameConstant, notification.Message),
	}
	switch strings.ToLower(notification.Severity) {
	case pipeline.SeverityError:
		sink.logger.Error(notificationMessageConstant, fields...)
	case pipeline.SeverityWarning:
		sink.logger.Warn(notificationMessageConstant, fields...)
	default:
		sink.logger.Info(notificationMessageConstant, fields...)
	}
	return nil
}

// Fanout delivers every notification to all sinks and joins their errors.
type Fanout struct {
	sinks []execution.NotificationSink
}

// NewFanout constructs a fan-out over the non-nil sinks.
func NewFanout(sinks ...execution.NotificationSink) *Fanout {
	fanout := &Fanout{}
	for _, sink := range sinks {
		if sink != nil {
			fanout.sinks = append(fanout.sinks, sink)
		}
	}
	return fanout
}

// Notify calls every sink even when an earlier one fails.
func (fanout *Fanout) Notify(ctx context.Context, notification execution.Notification) error {
	var deliveryErrors []error
	for _, sink := range fanout.sinks {
		if notifyError := sink.Notify(ctx, notification); notifyError != nil {
			deliveryErrors = append(deliveryErrors, notifyError)
		}
	}
	return errors.Join(deliveryErrors...)
}

func ownerLabel(stagePath string) string {
	if len(stagePath) == 0 {
		return pipelineOwnerLabelConstant
	}
	return stagePath
}
