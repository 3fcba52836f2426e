package drip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Enroll creates the contact's run in an active campaign, scheduled for the first step.
//
// A contact keeps one run per campaign. While that run is active or paused a second enrollment
// is a conflict. An exited run is always restarted in place. Without allowReEntry a completed
// or failed run is a conflict; with it any finished run restarts once reEntryDelayDays have
// passed since it ended.
func (e *Engine) Enroll(ctx context.Context, campaignID, contactID string) (run *models.DripRun, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "drip.Enroll",
		attribute.String(otelhelper.CampaignIDKey, campaignID),
		attribute.String(otelhelper.ContactIDKey, contactID),
	)
	defer func() { otelhelper.End(span, err) }()

	var problems []string
	if campaignID == "" {
		problems = append(problems, "campaignId is required")
	}

	if contactID == "" {
		problems = append(problems, "contactId is required")
	}

	if err := services.NewValidationError("Enroll", problems...); err != nil {
		return nil, err
	}

	campaign, err := e.campaigns().Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.Status != models.CampaignActive {
		return nil, services.NewConflictError("Enroll", "campaign %s is %s", campaignID, campaign.Status)
	}

	if len(campaign.Steps) == 0 {
		return nil, services.NewConflictError("Enroll", "campaign %s has no steps", campaignID)
	}

	now := e.now()

	existing, err := e.runs().RunByContact(ctx, campaignID, contactID)
	if err != nil && !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up run: %w", err)
	}

	if existing != nil {
		if err := reEntryConflict(campaign, existing, now); err != nil {
			return nil, err
		}
	}

	if err := e.checkDailyLimit(ctx, campaign, now); err != nil {
		return nil, err
	}

	next, _ := NextStepTime(campaign, now, 0)

	if existing != nil {
		run, err = e.reEnter(ctx, campaign, existing, next, now)
	} else {
		run, err = e.createRun(ctx, campaign, contactID, next, now)
	}

	if err != nil {
		return nil, err
	}

	e.adjust(ctx, campaign.ID, models.CampaignMetrics{TotalEnrolled: 1, ActiveContacts: 1})

	e.logger.InfoContext(ctx, "contact enrolled",
		"campaign_id", campaign.ID, "contact_id", contactID, "run_id", run.ID, "next_step_at", next)

	return run, nil
}

func reEntryConflict(campaign *models.DripCampaign, run *models.DripRun, now time.Time) error {
	if !run.Status.IsTerminal() {
		return services.NewConflictError("Enroll", "contact %s already has a %s run in campaign %s",
			run.ContactID, run.Status, campaign.ID)
	}

	if !campaign.Settings.AllowReEntry {
		if run.Status == models.RunExited {
			return nil
		}

		return services.NewConflictError("Enroll", "contact %s already has a %s run in campaign %s",
			run.ContactID, run.Status, campaign.ID)
	}

	ended := run.UpdatedAt

	switch {
	case run.ExitedAt != nil:
		ended = *run.ExitedAt
	case run.CompletedAt != nil:
		ended = *run.CompletedAt
	}

	delay := time.Duration(campaign.Settings.ReEntryDelayDays) * 24 * time.Hour
	if now.Sub(ended) < delay {
		return services.NewConflictError("Enroll", "contact %s can re-enter campaign %s after %s",
			run.ContactID, campaign.ID, ended.Add(delay).Format(time.RFC3339))
	}

	return nil
}

func (e *Engine) checkDailyLimit(ctx context.Context, campaign *models.DripCampaign, now time.Time) error {
	limit := campaign.Settings.MaxContactsPerDay
	if limit <= 0 {
		return nil
	}

	enrolled, err := e.runs().CountEnrolledSince(ctx, campaign.ID, startOfDay(campaign, now))
	if err != nil {
		return fmt.Errorf("failed to count enrollments: %w", err)
	}

	if enrolled >= limit {
		return services.NewConflictError("Enroll", "campaign %s reached its limit of %d contacts per day", campaign.ID, limit)
	}

	return nil
}

func (e *Engine) createRun(ctx context.Context, campaign *models.DripCampaign, contactID string, next, now time.Time) (*models.DripRun, error) {
	run := &models.DripRun{
		ID:                  uuid.NewString(),
		CampaignID:          campaign.ID,
		ContactID:           contactID,
		UserID:              campaign.UserID,
		Status:              models.RunActive,
		CurrentStepIndex:    0,
		NextStepScheduledAt: &next,
		StepHistory:         []models.StepHistoryEntry{},
		EntryCount:          1,
		EnrolledAt:          now,
		UpdatedAt:           now,
	}

	if err := e.runs().CreateRun(ctx, run); err != nil {
		if errors.Is(err, persistence.ErrRunExists) {
			return nil, &services.ConflictError{Op: "Enroll", Message: "contact enrolled concurrently", Err: err}
		}

		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// reEnter restarts a finished run at the first step. Its history is kept.
func (e *Engine) reEnter(ctx context.Context, campaign *models.DripCampaign, run *models.DripRun, next, now time.Time) (*models.DripRun, error) {
	err := e.update(ctx, "Enroll", run, func(r *models.DripRun) error {
		if err := reEntryConflict(campaign, r, now); err != nil {
			return err
		}

		r.Status = models.RunActive
		r.CurrentStepIndex = 0
		r.NextStepScheduledAt = &next
		r.EntryCount++
		r.EnrolledAt = now
		r.Replied = false
		r.Converted = false
		r.CompletedAt = nil
		r.ExitedAt = nil
		r.ExitReason = ""
		r.UpdatedAt = now

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Unenroll exits the contact's active or paused run.
func (e *Engine) Unenroll(ctx context.Context, campaignID, contactID string) (*models.DripRun, error) {
	run, err := e.runs().RunByContact(ctx, campaignID, contactID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return nil, services.NewConflictError("Unenroll", "run %s is %s", run.ID, run.Status)
	}

	if err := e.exit(ctx, run, models.ExitUnenrolled); err != nil {
		return nil, err
	}

	return run, nil
}

// exit moves a live run to exited with reason and rebalances the campaign gauges.
func (e *Engine) exit(ctx context.Context, run *models.DripRun, reason string) error {
	err := e.update(ctx, "ExitRun", run, func(r *models.DripRun) error {
		if r.Status.IsTerminal() {
			return services.NewConflictError("ExitRun", "run %s is %s", r.ID, r.Status)
		}

		markExited(r, reason, e.now())

		return nil
	})
	if err != nil {
		return err
	}

	e.adjust(ctx, run.CampaignID, models.CampaignMetrics{ActiveContacts: -1, ExitedContacts: 1})
	e.logger.InfoContext(ctx, "run exited", "run_id", run.ID, "campaign_id", run.CampaignID, "reason", reason)

	return nil
}

func markExited(run *models.DripRun, reason string, now time.Time) {
	run.Status = models.RunExited
	run.ExitReason = reason
	run.ExitedAt = &now
	run.NextStepScheduledAt = nil
	run.UpdatedAt = now
}

// PauseRun stops an active run from being processed.
func (e *Engine) PauseRun(ctx context.Context, runID string) (*models.DripRun, error) {
	return e.transition(ctx, "PauseRun", runID, models.RunPaused, models.RunActive)
}

// ResumeRun reactivates a paused run. A step that came due meanwhile is sent on the next poll.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*models.DripRun, error) {
	return e.transition(ctx, "ResumeRun", runID, models.RunActive, models.RunPaused)
}

func (e *Engine) transition(ctx context.Context, op, runID string, to, from models.RunStatus) (*models.DripRun, error) {
	run, err := e.runs().Run(ctx, runID)
	if err != nil {
		return nil, err
	}

	err = e.update(ctx, op, run, func(r *models.DripRun) error {
		if r.Status != from {
			return services.NewConflictError(op, "run %s is %s", runID, r.Status)
		}

		r.Status = to
		r.UpdatedAt = e.now()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

func conflict(op, runID string, err error) error {
	if persistence.IsStatusConflict(err) {
		return &services.ConflictError{Op: op, Message: fmt.Sprintf("run %s changed state", runID), Err: err}
	}

	return fmt.Errorf("failed to update run %s: %w", runID, err)
}
