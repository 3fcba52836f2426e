package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ActionValidator reports the problems of one action config. It is implemented by the action
// registry.
type ActionValidator interface {
	ActionProblems(action models.Action) []string
}

type Trigger struct {
	persistence persistence.Persistence
	clock       clockwork.Clock
	actions     ActionValidator
}

// NewTrigger creates a new trigger service.
func NewTrigger(p persistence.Persistence, clock clockwork.Clock, actions ActionValidator) *Trigger {
	return &Trigger{persistence: p, clock: clock, actions: actions}
}

func (s *Trigger) repo() persistence.TriggerRepository {
	return s.persistence.TriggerRepository()
}

// Create stores a new draft trigger.
func (s *Trigger) Create(ctx context.Context, trigger *models.Trigger) (*models.Trigger, error) {
	if err := NewValidationError("CreateTrigger", s.problems(trigger)...); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	created := *trigger
	created.ID = uuid.NewString()
	created.Status = models.TriggerStatusDraft
	created.ExecutionCount, created.SuccessCount, created.FailureCount = 0, 0, 0
	created.LastExecutedAt = nil
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.repo().SaveTrigger(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to create trigger: %w", err)
	}

	return &created, nil
}

func (s *Trigger) Get(ctx context.Context, id string) (*models.Trigger, error) {
	return s.repo().Trigger(ctx, id)
}

func (s *Trigger) List(ctx context.Context, userID string) ([]*models.Trigger, error) {
	return s.repo().Triggers(ctx, userID)
}

// Update replaces the editable fields. Status and counters are kept.
func (s *Trigger) Update(ctx context.Context, id string, input *models.Trigger) (*models.Trigger, error) {
	existing, err := s.repo().Trigger(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := NewValidationError("UpdateTrigger", s.problems(input)...); err != nil {
		return nil, err
	}

	existing.Name = input.Name
	existing.Description = input.Description
	existing.EventSource = input.EventSource
	existing.EventType = input.EventType
	existing.Conditions = input.Conditions
	existing.Actions = input.Actions
	existing.Priority = input.Priority
	existing.Schedule = input.Schedule
	existing.Throttle = input.Throttle
	existing.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveTrigger(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update trigger %s: %w", id, err)
	}

	return existing, nil
}

func (s *Trigger) Delete(ctx context.Context, id string) error {
	return s.repo().DeleteTrigger(ctx, id)
}

// Activate moves a draft or paused trigger to active.
func (s *Trigger) Activate(ctx context.Context, id string) (*models.Trigger, error) {
	return s.transition(ctx, "ActivateTrigger", id, models.TriggerStatusActive,
		models.TriggerStatusDraft, models.TriggerStatusPaused)
}

// Pause moves an active trigger to paused.
func (s *Trigger) Pause(ctx context.Context, id string) (*models.Trigger, error) {
	return s.transition(ctx, "PauseTrigger", id, models.TriggerStatusPaused, models.TriggerStatusActive)
}

// Duplicate copies a trigger as a new draft with fresh counters.
func (s *Trigger) Duplicate(ctx context.Context, id string) (*models.Trigger, error) {
	existing, err := s.repo().Trigger(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Name += " (copy)"
	existing.Conditions = existing.Conditions.Clone()
	existing.Actions = slices.Clone(existing.Actions)

	return s.Create(ctx, existing)
}

// Executions lists the latest executions of a trigger.
func (s *Trigger) Executions(ctx context.Context, id string, limit int) ([]*models.TriggerExecution, error) {
	if _, err := s.repo().Trigger(ctx, id); err != nil {
		return nil, err
	}

	return s.repo().Executions(ctx, id, limit)
}

func (s *Trigger) transition(ctx context.Context, op, id string, to models.TriggerStatus, from ...models.TriggerStatus) (*models.Trigger, error) {
	trigger, err := s.repo().Trigger(ctx, id)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(from, trigger.Status) {
		return nil, NewConflictError(op, "trigger %s is %s", id, trigger.Status)
	}

	if to == models.TriggerStatusActive && len(trigger.Actions) == 0 {
		return nil, NewValidationError(op, "trigger has no actions")
	}

	trigger.Status = to
	trigger.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger %s: %w", id, err)
	}

	return trigger, nil
}

func (s *Trigger) problems(trigger *models.Trigger) []string {
	var problems []string

	if trigger.Name == "" {
		problems = append(problems, "name is required")
	}

	if trigger.EventSource == "" {
		problems = append(problems, "eventSource is required")
	}

	problems = append(problems, conditions.Problems(&trigger.Conditions)...)

	seen := map[string]bool{}

	for i, action := range trigger.Actions {
		if action.ID == "" {
			problems = append(problems, fmt.Sprintf("actions[%d]: id is required", i))
		} else if seen[action.ID] {
			problems = append(problems, fmt.Sprintf("actions[%d]: duplicate id %q", i, action.ID))
		}

		seen[action.ID] = true

		if s.actions != nil {
			problems = append(problems, s.actions.ActionProblems(action)...)
		}
	}

	if trigger.Throttle != nil && trigger.Throttle.MaxExecutions > 0 && trigger.Throttle.WindowSeconds <= 0 {
		problems = append(problems, "throttle.windowSeconds must be positive")
	}

	if trigger.Schedule != nil {
		for _, v := range []string{trigger.Schedule.StartTime, trigger.Schedule.EndTime} {
			if _, ok := models.ParseTimeOfDay(v); v != "" && !ok {
				problems = append(problems, fmt.Sprintf("schedule: invalid time %q", v))
			}
		}
	}

	return problems
}
