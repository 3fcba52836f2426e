// Package message provides the send_message and send_template actions.
package message

import (
	"context"
	"log/slog"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/template"
)

// SendMessage sends a free-form text, email or media message to the event's contact.
type SendMessage struct {
	contacts protocol.ContactStore
	sender   protocol.MessageSender
}

func NewSendMessage(contacts protocol.ContactStore, sender protocol.MessageSender) *SendMessage {
	return &SendMessage{contacts: contacts, sender: sender}
}

func (*SendMessage) Type() models.ActionType {
	return models.ActionSendMessage
}

func (*SendMessage) Schema() map[string]any {
	return schema.Object(map[string]any{
		"text":     schema.String("Message body, supports {{path}} placeholders"),
		"subject":  schema.OptionalString("Email subject"),
		"mediaUrl": schema.OptionalString("Media attachment URL"),
	}, "text")
}

func (a *SendMessage) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.SendMessageConfig](config)
	if err != nil {
		return nil, err
	}

	contact, err := actions.Contact(ctx, a.contacts, req)
	if err != nil {
		return nil, err
	}

	data := actions.TemplateData(req.Record, contact)

	result, err := actions.Send(ctx, a.sender, contact, Content(cfg, data))
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "message sent", "contact_id", contact.ID, "message_id", result.MessageID)

	return map[string]any{"messageId": result.MessageID}, nil
}

// Content renders a send_message config into message content.
func Content(cfg models.SendMessageConfig, data map[string]any) models.MessageContent {
	content := models.MessageContent{
		Type:     models.MessageTypeText,
		Text:     template.Render(cfg.Text, data),
		Subject:  template.Render(cfg.Subject, data),
		MediaURL: template.Render(cfg.MediaURL, data),
	}

	switch {
	case content.MediaURL != "":
		content.Type = models.MessageTypeMedia
	case content.Subject != "":
		content.Type = models.MessageTypeEmail
	}

	return content
}

// SendTemplate sends a pre-approved template message.
type SendTemplate struct {
	contacts protocol.ContactStore
	sender   protocol.MessageSender
}

func NewSendTemplate(contacts protocol.ContactStore, sender protocol.MessageSender) *SendTemplate {
	return &SendTemplate{contacts: contacts, sender: sender}
}

func (*SendTemplate) Type() models.ActionType {
	return models.ActionSendTemplate
}

func (*SendTemplate) Schema() map[string]any {
	return schema.Object(map[string]any{
		"templateName": schema.String("Approved template name"),
		"language":     schema.OptionalString("Template language code"),
		"params":       schema.StringMap("Template parameters, values support {{path}} placeholders"),
	}, "templateName")
}

func (a *SendTemplate) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.SendTemplateConfig](config)
	if err != nil {
		return nil, err
	}

	contact, err := actions.Contact(ctx, a.contacts, req)
	if err != nil {
		return nil, err
	}

	result, err := actions.Send(ctx, a.sender, contact, TemplateContent(cfg, actions.TemplateData(req.Record, contact)))
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "template sent", "contact_id", contact.ID, "template", cfg.TemplateName, "message_id", result.MessageID)

	return map[string]any{"messageId": result.MessageID}, nil
}

// TemplateContent renders a send_template config into message content.
func TemplateContent(cfg models.SendTemplateConfig, data map[string]any) models.MessageContent {
	return models.MessageContent{
		Type:           models.MessageTypeTemplate,
		TemplateName:   cfg.TemplateName,
		Language:       cfg.Language,
		TemplateParams: template.RenderMap(cfg.Params, data),
	}
}
