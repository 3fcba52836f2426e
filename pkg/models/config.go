package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed action configs. Action.Config and NodeData.Config stay generic maps on the wire and
// are decoded into these shapes once the schema check passed.

type TagConfig struct {
	Tag  string   `json:"tag,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// All returns Tag and Tags together, skipping empty values.
func (c TagConfig) All() []string {
	out := make([]string, 0, len(c.Tags)+1)
	if c.Tag != "" {
		out = append(out, c.Tag)
	}

	for _, t := range c.Tags {
		if t != "" {
			out = append(out, t)
		}
	}

	return out
}

type SendMessageConfig struct {
	Text     string `json:"text"`
	Subject  string `json:"subject,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type SendTemplateConfig struct {
	TemplateName string            `json:"templateName"`
	Language     string            `json:"language,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

type StartFlowConfig struct {
	FlowID    string         `json:"flowId"`
	Variables map[string]any `json:"variables,omitempty"`
}

type DripConfig struct {
	CampaignID string `json:"campaignId"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
	SaveAs  string            `json:"saveAs,omitempty"`
}

type LogConfig struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// Typed node configs.

type DelayConfig struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

// Duration converts the delay into a time.Duration. Unknown units count as minutes.
func (c DelayConfig) Duration() time.Duration {
	amount := time.Duration(c.Amount)

	switch c.Unit {
	case "seconds":
		return amount * time.Second
	case "hours":
		return amount * time.Hour
	case "days":
		return amount * 24 * time.Hour
	default:
		return amount * time.Minute
	}
}

type ConditionNodeConfig struct {
	Conditions ConditionGroup `json:"conditions"`
}

type SetVariableConfig struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type WaitForReplyConfig struct {
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
	SaveAs         string `json:"saveAs,omitempty"`
}

// DecodeConfig converts a generic config map into a typed config.
func DecodeConfig[T any](config map[string]any) (T, error) {
	var out T

	if len(config) == 0 {
		return out, nil
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return out, fmt.Errorf("encode config: %w", err)
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode config: %w", err)
	}

	return out, nil
}
