package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

const triggerColumns = `document, execution_count, success_count, failure_count, last_executed_at`

func scanTrigger(row scanner) (*models.Trigger, error) {
	var (
		document []byte
		lastExec sql.NullTime
		trigger  *models.Trigger
		err      error
		counts   [3]int64
	)

	if err = row.Scan(&document, &counts[0], &counts[1], &counts[2], &lastExec); err != nil {
		return nil, err
	}

	if trigger, err = decode[models.Trigger](document); err != nil {
		return nil, err
	}

	trigger.ExecutionCount, trigger.SuccessCount, trigger.FailureCount = counts[0], counts[1], counts[2]
	trigger.LastExecutedAt = nil

	if lastExec.Valid {
		at := lastExec.Time
		trigger.LastExecutedAt = &at
	}

	return trigger, nil
}

// SaveTrigger upserts the trigger document. Counters are only changed by the Record methods.
func (p *Persistence) SaveTrigger(ctx context.Context, trigger *models.Trigger) error {
	document, err := encode(trigger)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO triggers (id, user_id, status, event_source, event_type, priority, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			event_source = EXCLUDED.event_source,
			event_type = EXCLUDED.event_type,
			priority = EXCLUDED.priority,
			document = EXCLUDED.document`

	_, err = p.db.ExecContext(ctx, query,
		trigger.ID, trigger.UserID, trigger.Status, trigger.EventSource, trigger.EventType,
		trigger.Priority, document, trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
	}

	return nil
}

func (p *Persistence) Trigger(ctx context.Context, id string) (*models.Trigger, error) {
	return queryOne(ctx, p.db, scanTrigger, "Trigger", "trigger", id,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
}

func (p *Persistence) Triggers(ctx context.Context, userID string) ([]*models.Trigger, error) {
	return queryList(ctx, p.db, scanTrigger,
		`SELECT `+triggerColumns+` FROM triggers WHERE ($1 = '' OR user_id = $1) ORDER BY created_at, id`, userID)
}

func (p *Persistence) ActiveTriggers(ctx context.Context, userID, source, eventType string) ([]*models.Trigger, error) {
	return queryList(ctx, p.db, scanTrigger,
		`SELECT `+triggerColumns+` FROM triggers
		WHERE user_id = $1 AND status = $2 AND event_source = $3 AND (event_type = '' OR event_type = $4)
		ORDER BY priority DESC, created_at, id`,
		userID, models.TriggerStatusActive, source, eventType)
}

func (p *Persistence) DeleteTrigger(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	return affected(result, "DeleteTrigger", "trigger", id)
}

func (p *Persistence) RecordTriggerFired(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE triggers SET execution_count = execution_count + 1, last_executed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record trigger %s: %w", id, err)
	}

	return affected(result, "RecordTriggerFired", "trigger", id)
}

func (p *Persistence) RecordTriggerOutcome(ctx context.Context, id string, success bool) error {
	query := `UPDATE triggers SET failure_count = failure_count + 1 WHERE id = $1`
	if success {
		query = `UPDATE triggers SET success_count = success_count + 1 WHERE id = $1`
	}

	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to record trigger outcome %s: %w", id, err)
	}

	return affected(result, "RecordTriggerOutcome", "trigger", id)
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.TriggerExecution) error {
	document, err := encode(execution)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (id, trigger_id, status, document, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, document = EXCLUDED.document`,
		execution.ID, execution.TriggerID, execution.Status, document, execution.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
	}

	return nil
}

func (p *Persistence) Execution(ctx context.Context, id string) (*models.TriggerExecution, error) {
	return queryOne(ctx, p.db, scanDocument[models.TriggerExecution], "Execution", "trigger execution", id,
		`SELECT document FROM trigger_executions WHERE id = $1`, id)
}

func (p *Persistence) Executions(ctx context.Context, triggerID string, limit int) ([]*models.TriggerExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	return queryList(ctx, p.db, scanDocument[models.TriggerExecution],
		`SELECT document FROM trigger_executions WHERE trigger_id = $1 ORDER BY started_at DESC LIMIT $2`,
		triggerID, limit)
}

func (p *Persistence) SaveEvent(ctx context.Context, event *models.RealTimeEvent) error {
	document, err := encode(event)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, document, received_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`,
		event.ID, event.UserID, document, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", event.ID, err)
	}

	return nil
}

func (p *Persistence) Event(ctx context.Context, id string) (*models.RealTimeEvent, error) {
	return queryOne(ctx, p.db, scanDocument[models.RealTimeEvent], "Event", "event", id,
		`SELECT document FROM events WHERE id = $1`, id)
}
