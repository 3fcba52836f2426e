// Package messaging provides message senders.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/google/uuid"
)

// LogSender logs every message and reports it as delivered. It is the default sender of
// development setups.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, contact *models.Contact, content models.MessageContent) (models.SendResult, error) {
	id := uuid.NewString()

	s.logger.InfoContext(ctx, "sending message",
		"message_id", id,
		"contact_id", contact.ID,
		"type", content.Type,
		"text", content.Text,
		"template", content.TemplateName,
	)

	return models.SendResult{Success: true, MessageID: id}, nil
}

// HTTPSender posts messages to a channel gateway. The gateway answers with a SendResult body.
type HTTPSender struct {
	client protocol.HTTPDoer
	url    string
}

func NewHTTPSender(client protocol.HTTPDoer, url string) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPSender{client: client, url: url}
}

type outbound struct {
	Contact *models.Contact       `json:"contact"`
	Content models.MessageContent `json:"content"`
}

func (s *HTTPSender) Send(ctx context.Context, contact *models.Contact, content models.MessageContent) (models.SendResult, error) {
	raw, err := json.Marshal(outbound{Contact: contact, Content: content})
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("gateway request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return models.SendResult{Success: false, Error: fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, body)}, nil
	}

	var result models.SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return models.SendResult{}, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return result, nil
}
