package models

import "time"

// EventStatus tracks the processing of a RealTimeEvent.
type EventStatus string

const (
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

// Event is an inbound event before normalization (webhook, inbound message, API call).
type Event struct {
	SourceType string         `json:"sourceType" validate:"required"`
	EventType  string         `json:"eventType"`
	ContactID  string         `json:"contactId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Record flattens the event into the map conditions are evaluated against. Payload keys are
// spread last and win over the envelope keys.
func (e Event) Record() map[string]any {
	record := map[string]any{
		"sourceType": e.SourceType,
		"eventType":  e.EventType,
		"contactId":  e.ContactID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339),
	}

	for k, v := range e.Payload {
		record[k] = v
	}

	return record
}

// RealTimeEvent is the append-only audit record of an ingested event.
type RealTimeEvent struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	SourceType      string         `json:"sourceType"`
	EventType       string         `json:"eventType"`
	ContactID       string         `json:"contactId,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Status          EventStatus    `json:"status"`
	MatchedTriggers []string       `json:"matchedTriggers"`
	Error           string         `json:"error,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
	ReceivedAt      time.Time      `json:"receivedAt"`
	ProcessedAt     *time.Time     `json:"processedAt,omitempty"`
}
