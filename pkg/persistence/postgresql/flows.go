package postgresql

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/lib/pq"
)

const flowColumns = `document, total_instances, active_instances, completed_instances, failed_instances`

func scanFlow(row scanner) (*models.FlowDefinition, error) {
	var (
		document []byte
		counters models.FlowCounters
	)

	err := row.Scan(&document, &counters.TotalInstances, &counters.ActiveInstances,
		&counters.CompletedInstances, &counters.FailedInstances)
	if err != nil {
		return nil, err
	}

	flow, err := decode[models.FlowDefinition](document)
	if err != nil {
		return nil, err
	}

	flow.Counters = counters

	return flow, nil
}

func (p *Persistence) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	document, err := encode(flow)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flows (id, user_id, status, document, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, status = EXCLUDED.status, document = EXCLUDED.document`,
		flow.ID, flow.UserID, flow.Status, document, flow.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}

	return nil
}

func (p *Persistence) Flow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	return queryOne(ctx, p.db, scanFlow, "Flow", "flow", id,
		`SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
}

func (p *Persistence) Flows(ctx context.Context, userID string) ([]*models.FlowDefinition, error) {
	return queryList(ctx, p.db, scanFlow,
		`SELECT `+flowColumns+` FROM flows WHERE ($1 = '' OR user_id = $1) ORDER BY created_at, id`, userID)
}

func (p *Persistence) DeleteFlow(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}

	return affected(result, "DeleteFlow", "flow", id)
}

func (p *Persistence) SaveFlowVersion(ctx context.Context, version *models.FlowVersion) error {
	document, err := encode(version)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_id, version, document) VALUES ($1, $2, $3)`,
		version.FlowID, version.Version, document)
	if isUniqueViolation(err) {
		key := version.FlowID + "@" + strconv.Itoa(version.Version)

		return persistence.NewEntityError("SaveFlowVersion", "flow version", key, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to save flow version: %w", err)
	}

	return nil
}

func (p *Persistence) FlowVersion(ctx context.Context, flowID string, version int) (*models.FlowVersion, error) {
	key := flowID + "@" + strconv.Itoa(version)

	return queryOne(ctx, p.db, scanDocument[models.FlowVersion], "FlowVersion", "flow version", key,
		`SELECT document FROM flow_versions WHERE flow_id = $1 AND version = $2`, flowID, version)
}

func (p *Persistence) AdjustFlowCounters(ctx context.Context, flowID string, delta models.FlowCounterDelta) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE flows SET
			total_instances = total_instances + $2,
			active_instances = active_instances + $3,
			completed_instances = completed_instances + $4,
			failed_instances = failed_instances + $5
		WHERE id = $1`,
		flowID, delta.Total, delta.Active, delta.Completed, delta.Failed)
	if err != nil {
		return fmt.Errorf("failed to adjust flow counters %s: %w", flowID, err)
	}

	return affected(result, "AdjustFlowCounters", "flow", flowID)
}

func (p *Persistence) CreateInstance(ctx context.Context, instance *models.FlowInstance) error {
	document, err := encode(instance)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_instances (id, flow_id, contact_id, status, waiting_for, waiting_until, document, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		instance.ID, instance.FlowID, instance.ContactID, instance.Status, instance.WaitingFor,
		instance.WaitingUntil, document, instance.StartedAt)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("CreateInstance", "flow instance", instance.ID, persistence.ErrAlreadyExists)
	}

	if err != nil {
		return fmt.Errorf("failed to create flow instance %s: %w", instance.ID, err)
	}

	return nil
}

func (p *Persistence) Instance(ctx context.Context, id string) (*models.FlowInstance, error) {
	return queryOne(ctx, p.db, scanDocument[models.FlowInstance], "Instance", "flow instance", id,
		`SELECT document FROM flow_instances WHERE id = $1`, id)
}

func (p *Persistence) UpdateInstance(ctx context.Context, instance *models.FlowInstance, expected ...models.InstanceStatus) error {
	next := *instance
	next.Revision++

	document, err := encode(&next)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE flow_instances
		SET status = $2, waiting_for = $3, waiting_until = $4, document = $5, revision = revision + 1
		WHERE id = $1 AND revision = $7 AND (cardinality($6::text[]) = 0 OR status = ANY($6))`,
		instance.ID, instance.Status, instance.WaitingFor, instance.WaitingUntil, document,
		pq.Array(statusStrings(expected)), instance.Revision)
	if err != nil {
		return fmt.Errorf("failed to update flow instance %s: %w", instance.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if rows == 0 {
		return p.casFailure(ctx, "flow_instances", "UpdateInstance", "flow instance", instance.ID)
	}

	instance.Revision = next.Revision

	return nil
}

func (p *Persistence) Instances(ctx context.Context, flowID string) ([]*models.FlowInstance, error) {
	return queryList(ctx, p.db, scanDocument[models.FlowInstance],
		`SELECT document FROM flow_instances WHERE flow_id = $1 ORDER BY started_at, id`, flowID)
}

func (p *Persistence) DueInstances(ctx context.Context, now time.Time, limit int) ([]*models.FlowInstance, error) {
	return queryList(ctx, p.db, scanDocument[models.FlowInstance], `
		SELECT document FROM flow_instances
		WHERE status = $1 AND waiting_until IS NOT NULL AND waiting_until <= $2
		ORDER BY waiting_until LIMIT $3`,
		models.InstanceWaiting, now, pageSize(limit))
}

func (p *Persistence) WaitingForReply(ctx context.Context, contactID string) ([]*models.FlowInstance, error) {
	return queryList(ctx, p.db, scanDocument[models.FlowInstance], `
		SELECT document FROM flow_instances
		WHERE contact_id = $1 AND status = $2 AND waiting_for = $3
		ORDER BY started_at, id`,
		contactID, models.InstanceWaiting, models.WaitingForReply)
}

func (p *Persistence) FailedInstances(ctx context.Context, limit int) ([]*models.FlowInstance, error) {
	return queryList(ctx, p.db, scanDocument[models.FlowInstance],
		`SELECT document FROM flow_instances WHERE status = $1 ORDER BY started_at LIMIT $2`,
		models.InstanceFailed, pageSize(limit))
}

func pageSize(limit int) int {
	if limit <= 0 {
		return 100
	}

	return limit
}
