package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	webhookContentTypeHeaderConstant = "Content-Type"
	webhookContentTypeConstant       = "application/json"
	webhookDefaultTimeoutConstant    = 10 * time.Second
	webhookResponseLimitConstant     = 512
	webhookEndpointMissingConstant   = "webhook endpoint not configured"
	webhookEncodeTemplateConstant    = "encode webhook payload: %w"
	webhookRequestTemplateConstant   = "build webhook request: %w"
	webhookDeliveryTemplateConstant  = "deliver webhook to %s: %w"
	webhookStatusTemplateConstant    = "%w: %s returned %d %s"
	webhookStatusMessageConstant     = "webhook rejected notification"
)

var (
	// ErrWebhookEndpointMissing indicates the sink was built without an endpoint.
	ErrWebhookEndpointMissing = errors.New(webhookEndpointMissingConstant)
	// ErrWebhookRejected indicates a non-2xx response.
	ErrWebhookRejected = errors.New(webhookStatusMessageConstant)
)

// WebhookPayload is the JSON body posted for each notification.
type WebhookPayload struct {
	Channel       string                    `json:"channel"`
	Severity      string                    `json:"severity"`
	Message       string                    `json:"message"`
	RunIdentifier string                    `json:"run_id"`
	Stage         string                    `json:"stage"`
	Outcome       string                    `json:"outcome"`
	Report        *execution.ReportSnapshot `json:"report,omitempty"`
}

// WebhookSink posts notifications as JSON to an HTTP endpoint.
type WebhookSink struct {
	endpoint       string
	defaultChannel string
	client         *http.Client
}

// NewWebhookSink constructs a sink for endpoint. Notifications without a channel use defaultChannel.
func NewWebhookSink(endpoint string, defaultChannel string, client *http.Client) (*WebhookSink, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if len(trimmedEndpoint) == 0 {
		return nil, ErrWebhookEndpointMissing
	}
	if client == nil {
		client = &http.Client{Timeout: webhookDefaultTimeoutConstant}
	}
	return &WebhookSink{endpoint: trimmedEndpoint, defaultChannel: strings.TrimSpace(defaultChannel), client: client}, nil
}

// Notify posts one notification.
func (sink *WebhookSink) Notify(ctx context.Context, notification execution.Notification) error {
	channel := notification.Channel
	if len(strings.TrimSpace(channel)) == 0 {
		channel = sink.defaultChannel
	}
	payload := WebhookPayload{
		Channel:       channel,
		Severity:      notification.Severity,
		Message:       notification.Message,
		RunIdentifier: notification.RunIdentifier,
		Stage:         ownerLabel(notification.StagePath),
		Outcome:       string(notification.Outcome),
		Report:        notification.Report,
	}
	body, encodeError := json.Marshal(payload)
	if encodeError != nil {
		return fmt.Errorf(webhookEncodeTemplateConstant, encodeError)
	}

	request, requestError := http.NewRequestWithContext(ctx, http.MethodPost, sink.endpoint, bytes.NewReader(body))
	if requestError != nil {
		return fmt.Errorf(webhookRequestTemplateConstant, requestError)
	}
	request.Header.Set(webhookContentTypeHeaderConstant, webhookContentTypeConstant)

	response, deliveryError := sink.client.Do(request)
	if deliveryError != nil {
		return fmt.Errorf(webhookDeliveryTemplateConstant, sink.endpoint, deliveryError)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, webhookResponseLimitConstant))
		return fmt.Errorf(webhookStatusTemplateConstant, ErrWebhookRejected, sink.endpoint, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
