package models

import (
	"slices"
	"time"
)

// Contact is the read model of a CRM contact. Storage belongs to the contact subsystem.
type Contact struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Name       string         `json:"name,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Email      string         `json:"email,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Record exposes the contact as a condition record. Attributes are reachable both at the top
// level and under "attributes".
func (c *Contact) Record() map[string]any {
	record := make(map[string]any, len(c.Attributes)+6)
	for k, v := range c.Attributes {
		record[k] = v
	}

	tags := make([]any, len(c.Tags))
	for i, tag := range c.Tags {
		tags[i] = tag
	}

	record["id"] = c.ID
	record["name"] = c.Name
	record["phone"] = c.Phone
	record["email"] = c.Email
	record["tags"] = tags
	record["attributes"] = c.Attributes
	record["createdAt"] = c.CreatedAt.UTC().Format(time.RFC3339)

	return record
}

// HasTag reports whether the contact carries tag.
func (c *Contact) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// MessageType is the channel-level kind of an outbound message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeTemplate MessageType = "template"
	MessageTypeEmail    MessageType = "email"
	MessageTypeMedia    MessageType = "media"
)

// MessageContent is what a sender delivers to a contact.
type MessageContent struct {
	Type           MessageType       `json:"type"`
	Text           string            `json:"text,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	TemplateName   string            `json:"templateName,omitempty"`
	Language       string            `json:"language,omitempty"`
	TemplateParams map[string]string `json:"templateParams,omitempty"`
	MediaURL       string            `json:"mediaUrl,omitempty"`
}

// SendResult is returned by message senders.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}
