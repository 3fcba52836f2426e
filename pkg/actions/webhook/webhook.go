// Package webhook provides the webhook action and the HTTP call shared with the api_call node.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/template"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrURLInvalid is returned when the rendered URL is empty.
	ErrURLInvalid = errors.New("invalid webhook url")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("unexpected response status")
)

// NewClient returns the HTTP client used when none is injected.
func NewClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// Action posts the event to an external URL.
type Action struct {
	client protocol.HTTPDoer
}

func New(client protocol.HTTPDoer) *Action {
	if client == nil {
		client = NewClient()
	}

	return &Action{client: client}
}

func (*Action) Type() models.ActionType {
	return models.ActionWebhook
}

func (*Action) Schema() map[string]any {
	return Schema()
}

// Schema is the config schema of webhook actions and api_call nodes.
func Schema() map[string]any {
	return schema.Object(map[string]any{
		"url":     schema.String("Target URL, supports {{path}} placeholders"),
		"method":  schema.Enum("HTTP method", "GET", "POST", "PUT", "PATCH", "DELETE"),
		"headers": schema.StringMap("Request headers"),
		"body":    schema.Schema{"type": "object", "description": "JSON body, string values support {{path}} placeholders"},
		"saveAs":  schema.OptionalString("Variable receiving the response"),
	}, "url")
}

func (a *Action) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.WebhookConfig](config)
	if err != nil {
		return nil, err
	}

	data := actions.TemplateData(req.Record, nil)
	if cfg.Body == nil {
		cfg.Body = map[string]any{
			"triggerId":   req.TriggerID,
			"executionId": req.ExecutionID,
			"contactId":   req.ContactID,
			"event":       req.Record,
		}
	}

	return Call(ctx, a.client, cfg, data, logger)
}

// Call renders cfg against data, performs the request and returns
// {statusCode, body}. The body is decoded as JSON when possible.
func Call(ctx context.Context, client protocol.HTTPDoer, cfg models.WebhookConfig, data map[string]any, logger *slog.Logger) (map[string]any, error) {
	req, err := buildRequest(ctx, cfg, data)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "calling webhook", "method", req.Method, "url", req.URL.String())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	result := map[string]any{
		"statusCode": resp.StatusCode,
		"body":       body,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	logger.InfoContext(ctx, "webhook completed", "status", resp.StatusCode, "bytes", len(raw))

	return result, nil
}

func buildRequest(ctx context.Context, cfg models.WebhookConfig, data map[string]any) (*http.Request, error) {
	url := template.Render(cfg.URL, data)
	if url == "" {
		return nil, ErrURLInvalid
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader

	if cfg.Body != nil && method != http.MethodGet {
		raw, err := json.Marshal(template.RenderValue(cfg.Body, data))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}

		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, template.Render(value, data))
	}

	return req, nil
}
