package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

func (s *Store) SaveTrigger(_ context.Context, trigger *models.Trigger) error {
	stored, err := copyOf(trigger)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		if existing, ok := data.Triggers[trigger.ID]; ok {
			stored.ExecutionCount = existing.ExecutionCount
			stored.SuccessCount = existing.SuccessCount
			stored.FailureCount = existing.FailureCount
			stored.LastExecutedAt = existing.LastExecutedAt
		}

		data.Triggers[trigger.ID] = stored

		return nil
	})
}

func (s *Store) Trigger(_ context.Context, id string) (*models.Trigger, error) {
	var out *models.Trigger

	s.read(func(data *Snapshot) {
		out = clone(data.Triggers[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Trigger", "trigger", id)
	}

	return out, nil
}

func (s *Store) Triggers(_ context.Context, userID string) ([]*models.Trigger, error) {
	var out []*models.Trigger

	s.read(func(data *Snapshot) {
		for _, t := range data.Triggers {
			if userID == "" || t.UserID == userID {
				out = append(out, clone(t))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.Trigger) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return out, nil
}

func (s *Store) ActiveTriggers(_ context.Context, userID, source, eventType string) ([]*models.Trigger, error) {
	var out []*models.Trigger

	s.read(func(data *Snapshot) {
		for _, t := range data.Triggers {
			if t.UserID == userID && t.Status == models.TriggerStatusActive && t.Accepts(source, eventType) {
				out = append(out, clone(t))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.Trigger) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), a.CreatedAt.Compare(b.CreatedAt))
	})

	return out, nil
}

func (s *Store) DeleteTrigger(_ context.Context, id string) error {
	return s.mutate(func(data *Snapshot) error {
		if _, ok := data.Triggers[id]; !ok {
			return persistence.NotFound("DeleteTrigger", "trigger", id)
		}

		delete(data.Triggers, id)

		return nil
	})
}

func (s *Store) RecordTriggerFired(_ context.Context, id string, at time.Time) error {
	return s.mutate(func(data *Snapshot) error {
		t, ok := data.Triggers[id]
		if !ok {
			return persistence.NotFound("RecordTriggerFired", "trigger", id)
		}

		t.ExecutionCount++
		t.LastExecutedAt = &at

		return nil
	})
}

func (s *Store) RecordTriggerOutcome(_ context.Context, id string, success bool) error {
	return s.mutate(func(data *Snapshot) error {
		t, ok := data.Triggers[id]
		if !ok {
			return persistence.NotFound("RecordTriggerOutcome", "trigger", id)
		}

		if success {
			t.SuccessCount++
		} else {
			t.FailureCount++
		}

		return nil
	})
}

func (s *Store) SaveExecution(_ context.Context, execution *models.TriggerExecution) error {
	stored, err := copyOf(execution)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		data.Executions[execution.ID] = stored

		return nil
	})
}

func (s *Store) Execution(_ context.Context, id string) (*models.TriggerExecution, error) {
	var out *models.TriggerExecution

	s.read(func(data *Snapshot) {
		out = clone(data.Executions[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Execution", "trigger execution", id)
	}

	return out, nil
}

func (s *Store) Executions(_ context.Context, triggerID string, limit int) ([]*models.TriggerExecution, error) {
	var out []*models.TriggerExecution

	s.read(func(data *Snapshot) {
		for _, e := range data.Executions {
			if e.TriggerID == triggerID {
				out = append(out, clone(e))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.TriggerExecution) int {
		return b.StartedAt.Compare(a.StartedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) SaveEvent(_ context.Context, event *models.RealTimeEvent) error {
	stored, err := copyOf(event)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		data.Events[event.ID] = stored

		return nil
	})
}

func (s *Store) Event(_ context.Context, id string) (*models.RealTimeEvent, error) {
	var out *models.RealTimeEvent

	s.read(func(data *Snapshot) {
		out = clone(data.Events[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Event", "event", id)
	}

	return out, nil
}
