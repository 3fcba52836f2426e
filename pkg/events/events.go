// Package events defines the messages exchanged over the event bus: job requests and lifecycle
// notifications.
package events

import (
	"time"

	"github.com/dukex/nurture/pkg/models"
)

type EventType string

const Topic = "nurture.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Job requests.
	TriggerExecutionRequestedEvent EventType = "trigger.execution.requested"
	FlowWalkRequestedEvent         EventType = "flow.walk.requested"
	DripRunDueEvent                EventType = "drip.run.due"

	// Inbound events forwarded to a worker.
	EventReceivedEvent EventType = "event.received"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(id string, eventType EventType, now time.Time) BaseEvent {
	return BaseEvent{ID: id, Type: eventType, Timestamp: now.UTC()}
}

// TriggerExecutionRequested asks a worker to run the action pipeline of an execution.
type TriggerExecutionRequested struct {
	BaseEvent

	ExecutionID string `json:"executionId"`
}

func (TriggerExecutionRequested) GetType() EventType {
	return TriggerExecutionRequestedEvent
}

// FlowWalkRequested asks a worker to walk an instance from its current node.
type FlowWalkRequested struct {
	BaseEvent

	InstanceID string `json:"instanceId"`
}

func (FlowWalkRequested) GetType() EventType {
	return FlowWalkRequestedEvent
}

// DripRunDue asks a worker to process the next step of a run.
type DripRunDue struct {
	BaseEvent

	RunID string `json:"runId"`
}

func (DripRunDue) GetType() EventType {
	return DripRunDueEvent
}

// EventReceived carries an inbound event to the trigger engine.
type EventReceived struct {
	BaseEvent

	UserID string       `json:"userId"`
	Event  models.Event `json:"event"`
}

func (EventReceived) GetType() EventType {
	return EventReceivedEvent
}
