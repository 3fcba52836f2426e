package models

import (
	"slices"
	"time"
)

// TriggerStatus is the lifecycle state of a Trigger. Only active triggers match events.
type TriggerStatus string

const (
	TriggerStatusDraft  TriggerStatus = "draft"
	TriggerStatusActive TriggerStatus = "active"
	TriggerStatusPaused TriggerStatus = "paused"
)

// ActionType names a built-in action.
type ActionType string

const (
	ActionAddTag       ActionType = "add_tag"
	ActionRemoveTag    ActionType = "remove_tag"
	ActionSendMessage  ActionType = "send_message"
	ActionSendTemplate ActionType = "send_template"
	ActionStartFlow    ActionType = "start_flow"
	ActionEnrollDrip   ActionType = "enroll_drip"
	ActionUnenrollDrip ActionType = "unenroll_drip"
	ActionWebhook      ActionType = "webhook"
	ActionLog          ActionType = "log"
)

// Action is one step of a trigger's pipeline. Actions run in ascending Order.
type Action struct {
	ID     string         `json:"id"               validate:"required"`
	Type   ActionType     `json:"type"             validate:"required"`
	Config map[string]any `json:"config,omitempty"`
	Order  int            `json:"order"`
}

// TriggerSchedule is a declarative time window. The ingestion boundary enforces it.
type TriggerSchedule struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartTime string         `json:"startTime,omitempty"`
	EndTime   string         `json:"endTime,omitempty"`
	Timezone  string         `json:"timezone,omitempty"`
}

// TriggerThrottle limits executions per window. Also enforced at the ingestion boundary.
type TriggerThrottle struct {
	MaxExecutions int `json:"maxExecutions"`
	WindowSeconds int `json:"windowSeconds"`
}

// Trigger is a standing rule matching inbound events to an ordered action pipeline.
type Trigger struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Status         TriggerStatus    `json:"status"`
	EventSource    string           `json:"eventSource"`
	EventType      string           `json:"eventType,omitempty"`
	Conditions     ConditionGroup   `json:"conditionGroup"`
	Actions        []Action         `json:"actions"`
	Priority       int              `json:"priority"`
	Schedule       *TriggerSchedule `json:"schedule,omitempty"`
	Throttle       *TriggerThrottle `json:"throttle,omitempty"`
	ExecutionCount int64            `json:"executionCount"`
	SuccessCount   int64            `json:"successCount"`
	FailureCount   int64            `json:"failureCount"`
	LastExecutedAt *time.Time       `json:"lastExecutedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// SortedActions returns the actions ordered by Order, keeping declaration order for ties.
func (t *Trigger) SortedActions() []Action {
	actions := slices.Clone(t.Actions)
	slices.SortStableFunc(actions, func(a, b Action) int {
		return a.Order - b.Order
	})

	return actions
}

// Accepts reports whether the trigger listens to the given source and event type.
func (t *Trigger) Accepts(sourceType, eventType string) bool {
	if t.EventSource != sourceType {
		return false
	}

	return t.EventType == "" || t.EventType == eventType
}

// InScheduleWindow reports whether now falls in the trigger's declared schedule.
// A trigger without schedule is always in window.
func (t *Trigger) InScheduleWindow(now time.Time) bool {
	if t.Schedule == nil {
		return true
	}

	loc := LoadLocation(t.Schedule.Timezone)
	local := now.In(loc)

	if len(t.Schedule.Days) > 0 && !slices.Contains(t.Schedule.Days, local.Weekday()) {
		return false
	}

	minute := local.Hour()*60 + local.Minute()

	if start, ok := ParseTimeOfDay(t.Schedule.StartTime); ok && minute < start {
		return false
	}

	if end, ok := ParseTimeOfDay(t.Schedule.EndTime); ok && minute >= end {
		return false
	}

	return true
}

// ThrottleExceeded reports whether recent execution times already fill the throttle window.
func (t *Trigger) ThrottleExceeded(now time.Time, recent []time.Time) bool {
	if t.Throttle == nil || t.Throttle.MaxExecutions <= 0 {
		return false
	}

	since := now.Add(-time.Duration(t.Throttle.WindowSeconds) * time.Second)
	count := 0

	for _, at := range recent {
		if !at.Before(since) {
			count++
		}
	}

	return count >= t.Throttle.MaxExecutions
}

// ExecutionStatus is the status of a TriggerExecution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPartial   ExecutionStatus = "partial"
)

// ActionResultStatus is the outcome of one action.
type ActionResultStatus string

const (
	ActionResultSuccess ActionResultStatus = "success"
	ActionResultFailed  ActionResultStatus = "failed"
	ActionResultSkipped ActionResultStatus = "skipped"
)

// ActionResult records one action call inside an execution.
type ActionResult struct {
	ActionID   string             `json:"actionId"`
	ActionType ActionType         `json:"actionType"`
	Status     ActionResultStatus `json:"status"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

// TriggerExecution is one run of a trigger's pipeline for one matched event.
// It is immutable once CompletedAt is set.
type TriggerExecution struct {
	ID            string          `json:"id"`
	TriggerID     string          `json:"triggerId"`
	EventID       string          `json:"eventId"`
	UserID        string          `json:"userId"`
	ContactID     string          `json:"contactId,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Record        map[string]any  `json:"record,omitempty"`
	ActionResults []ActionResult  `json:"actionResults"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Failures counts failed action results.
func (e *TriggerExecution) Failures() int {
	n := 0

	for _, r := range e.ActionResults {
		if r.Status == ActionResultFailed {
			n++
		}
	}

	return n
}
