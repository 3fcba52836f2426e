package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/lib/pq"
)

func scanCampaign(row scanner) (*models.DripCampaign, error) {
	var document, metrics []byte

	if err := row.Scan(&document, &metrics); err != nil {
		return nil, err
	}

	campaign, err := decode[models.DripCampaign](document)
	if err != nil {
		return nil, err
	}

	m, err := decode[models.CampaignMetrics](metrics)
	if err != nil {
		return nil, err
	}

	campaign.Metrics = *m

	return campaign, nil
}

func (p *Persistence) SaveCampaign(ctx context.Context, campaign *models.DripCampaign) error {
	document, err := encode(campaign)
	if err != nil {
		return err
	}

	metrics, err := encode(models.CampaignMetrics{})
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, status, metrics, document, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, status = EXCLUDED.status, document = EXCLUDED.document`,
		campaign.ID, campaign.UserID, campaign.Status, metrics, document, campaign.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", campaign.ID, err)
	}

	return nil
}

func (p *Persistence) Campaign(ctx context.Context, id string) (*models.DripCampaign, error) {
	return queryOne(ctx, p.db, scanCampaign, "Campaign", "campaign", id,
		`SELECT document, metrics FROM campaigns WHERE id = $1`, id)
}

func (p *Persistence) Campaigns(ctx context.Context, userID string) ([]*models.DripCampaign, error) {
	return queryList(ctx, p.db, scanCampaign,
		`SELECT document, metrics FROM campaigns WHERE ($1 = '' OR user_id = $1) ORDER BY created_at, id`, userID)
}

func (p *Persistence) DeleteCampaign(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}

	return affected(result, "DeleteCampaign", "campaign", id)
}

// AdjustCampaignMetrics applies delta under a row lock.
func (p *Persistence) AdjustCampaignMetrics(ctx context.Context, id string, delta models.CampaignMetrics) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var raw []byte

	err = tx.QueryRowContext(ctx, `SELECT metrics FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NotFound("AdjustCampaignMetrics", "campaign", id)
	}

	if err != nil {
		return fmt.Errorf("failed to lock campaign %s: %w", id, err)
	}

	metrics, err := decode[models.CampaignMetrics](raw)
	if err != nil {
		return err
	}

	metrics.Apply(delta)

	updated, err := encode(metrics)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET metrics = $2 WHERE id = $1`, id, updated); err != nil {
		return fmt.Errorf("failed to update campaign metrics %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign metrics %s: %w", id, err)
	}

	return nil
}

func (p *Persistence) CreateRun(ctx context.Context, run *models.DripRun) error {
	document, err := encode(run)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO drip_runs (id, campaign_id, contact_id, status, next_step_scheduled_at, document, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.CampaignID, run.ContactID, run.Status, run.NextStepScheduledAt, document, run.EnrolledAt)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("CreateRun", "drip run", run.CampaignID+"/"+run.ContactID, persistence.ErrRunExists)
	}

	if err != nil {
		return fmt.Errorf("failed to create drip run %s: %w", run.ID, err)
	}

	return nil
}

func (p *Persistence) Run(ctx context.Context, id string) (*models.DripRun, error) {
	return queryOne(ctx, p.db, scanDocument[models.DripRun], "Run", "drip run", id,
		`SELECT document FROM drip_runs WHERE id = $1`, id)
}

func (p *Persistence) RunByContact(ctx context.Context, campaignID, contactID string) (*models.DripRun, error) {
	return queryOne(ctx, p.db, scanDocument[models.DripRun], "RunByContact", "drip run", campaignID+"/"+contactID,
		`SELECT document FROM drip_runs WHERE campaign_id = $1 AND contact_id = $2`, campaignID, contactID)
}

func (p *Persistence) UpdateRun(ctx context.Context, run *models.DripRun, expected ...models.RunStatus) error {
	next := *run
	next.Revision++

	document, err := encode(&next)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE drip_runs
		SET status = $2, next_step_scheduled_at = $3, document = $4, enrolled_at = $5, revision = revision + 1
		WHERE id = $1 AND revision = $7 AND (cardinality($6::text[]) = 0 OR status = ANY($6))`,
		run.ID, run.Status, run.NextStepScheduledAt, document, run.EnrolledAt, pq.Array(statusStrings(expected)),
		run.Revision)
	if err != nil {
		return fmt.Errorf("failed to update drip run %s: %w", run.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if rows == 0 {
		return p.casFailure(ctx, "drip_runs", "UpdateRun", "drip run", run.ID)
	}

	run.Revision = next.Revision

	return nil
}

func (p *Persistence) DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.DripRun, error) {
	return queryList(ctx, p.db, scanDocument[models.DripRun], `
		SELECT document FROM drip_runs
		WHERE status = $1 AND next_step_scheduled_at IS NOT NULL AND next_step_scheduled_at <= $2
		ORDER BY next_step_scheduled_at LIMIT $3`,
		models.RunActive, now, pageSize(limit))
}

func (p *Persistence) RunsByContact(ctx context.Context, contactID string) ([]*models.DripRun, error) {
	return queryList(ctx, p.db, scanDocument[models.DripRun],
		`SELECT document FROM drip_runs WHERE contact_id = $1 ORDER BY enrolled_at, id`, contactID)
}

func (p *Persistence) RunsByCampaign(ctx context.Context, campaignID string) ([]*models.DripRun, error) {
	return queryList(ctx, p.db, scanDocument[models.DripRun],
		`SELECT document FROM drip_runs WHERE campaign_id = $1 ORDER BY enrolled_at, id`, campaignID)
}

func (p *Persistence) CountEnrolledSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var count int

	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drip_runs WHERE campaign_id = $1 AND enrolled_at >= $2`, campaignID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrollments for campaign %s: %w", campaignID, err)
	}

	return count, nil
}
