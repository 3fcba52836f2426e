package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/lease"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/template"
	"go.opentelemetry.io/otel/attribute"
)

// GetDueRuns returns up to limit active runs whose next step is due, oldest first.
func (e *Engine) GetDueRuns(ctx context.Context, limit int) ([]*models.DripRun, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	runs, err := e.runs().DueRuns(ctx, e.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due runs: %w", err)
	}

	return runs, nil
}

// ProcessRun delivers the current step of a due run. It is the handler of drip.process jobs.
//
// A sent step advances the run, or completes it after the last step. A failed send is recorded
// and leaves the run at the same step, so the next poll tries again. Runs that are not active
// or not yet due are left alone.
func (e *Engine) ProcessRun(ctx context.Context, runID string) (err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "drip.ProcessRun",
		attribute.String(otelhelper.RunIDKey, runID),
	)
	defer func() { otelhelper.End(span, err) }()

	err = lease.Do(ctx, e.leaser, lease.RunKey(runID), e.leaseTTL, func(ctx context.Context) error {
		return e.processRun(ctx, runID)
	})
	if errors.Is(err, lease.ErrHeld) {
		e.logger.DebugContext(ctx, "run is being processed elsewhere", "run_id", runID)

		return nil
	}

	return err
}

func (e *Engine) processRun(ctx context.Context, runID string) error {
	run, err := e.runs().Run(ctx, runID)
	if err != nil {
		return err
	}

	now := e.now()

	if run.Status != models.RunActive || run.NextStepScheduledAt == nil || run.NextStepScheduledAt.After(now) {
		return nil
	}

	logger := e.logger.With("run_id", run.ID, "campaign_id", run.CampaignID, "contact_id", run.ContactID)

	campaign, err := e.campaigns().Campaign(ctx, run.CampaignID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return e.exit(ctx, run, models.ExitCampaign)
		}

		return err
	}

	switch campaign.Status {
	case models.CampaignActive:
	case models.CampaignPaused, models.CampaignDraft:
		return nil
	default:
		return e.exit(ctx, run, models.ExitCampaign)
	}

	if run.CurrentStepIndex >= len(campaign.Steps) {
		return e.completeRun(ctx, run, logger)
	}

	contact, err := e.contacts.Contact(ctx, run.UserID, run.ContactID)
	if err != nil {
		if !errors.Is(err, protocol.ErrContactNotFound) {
			return fmt.Errorf("failed to load contact %s: %w", run.ContactID, err)
		}

		return e.failRun(ctx, run, logger)
	}

	index := run.CurrentStepIndex
	step := campaign.Steps[index]

	entry := models.StepHistoryEntry{
		StepIndex:   index,
		StepID:      step.ID,
		ScheduledAt: *run.NextStepScheduledAt,
	}

	if reason := e.skipReason(step, run, contact); reason != "" {
		entry.Status = models.StepSkipped
		entry.Error = reason

		completed, err := e.recordStep(ctx, campaign, run, entry, true)
		if err != nil {
			return err
		}

		e.adjust(ctx, campaign.ID, completion(completed))
		logger.InfoContext(ctx, "step skipped", "step", index, "reason", reason)

		return nil
	}

	result, sendErr := actions.Send(ctx, e.sender, contact, content(step, campaign, contact))

	if sendErr != nil {
		failure := &services.ActionFailure{Item: fmt.Sprintf("step %d", index), Err: sendErr}
		entry.Status = models.StepFailed
		entry.Error = failure.Error()

		if _, err := e.recordStep(ctx, campaign, run, entry, false); err != nil {
			return err
		}

		e.adjust(ctx, campaign.ID, models.CampaignMetrics{TotalFailed: 1})
		logger.WarnContext(ctx, "step failed", "step", index, "error", sendErr)

		return nil
	}

	sentAt := e.now()
	entry.Status = models.StepSent
	entry.SentAt = &sentAt
	entry.MessageID = result.MessageID

	completed, err := e.recordStep(ctx, campaign, run, entry, true)
	if err != nil {
		return err
	}

	delta := completion(completed)
	delta.TotalSent = 1

	e.adjust(ctx, campaign.ID, delta)
	logger.InfoContext(ctx, "step sent", "step", index, "message_id", result.MessageID)

	if completed {
		logger.InfoContext(ctx, "run completed", "steps", len(run.StepHistory))
	}

	return nil
}

// skipReason explains why step must not be sent to contact, or is empty.
func (e *Engine) skipReason(step models.DripStep, run *models.DripRun, contact *models.Contact) string {
	switch {
	case step.SkipIfReplied && run.Replied:
		return "contact replied"
	case step.SkipIfConverted && run.Converted:
		return "contact converted"
	case !step.Conditions.IsEmpty() && !e.evaluator.Evaluate(step.Conditions, contactRecord(contact)):
		return "conditions not met"
	default:
		return ""
	}
}

func contactRecord(contact *models.Contact) map[string]any {
	record := contact.Record()
	record["contact"] = contact.Record()

	return record
}

func content(step models.DripStep, campaign *models.DripCampaign, contact *models.Contact) models.MessageContent {
	data := map[string]any{
		"contact":  contact.Record(),
		"campaign": map[string]any{"id": campaign.ID, "name": campaign.Name},
	}

	out := step.Content
	if out.Type == "" {
		out.Type = step.MessageType
	}

	out.Text = template.Render(out.Text, data)
	out.Subject = template.Render(out.Subject, data)
	out.MediaURL = template.Render(out.MediaURL, data)
	out.TemplateParams = template.RenderMap(out.TemplateParams, data)

	return out
}

// recordStep appends entry to the run history. With advance set it also moves the run past the
// entry's step, completing it after the last one. A run that was ended or moved on while the step
// was processed keeps its state and only gains the entry, since the message already went out.
func (e *Engine) recordStep(
	ctx context.Context,
	campaign *models.DripCampaign,
	run *models.DripRun,
	entry models.StepHistoryEntry,
	advance bool,
) (completed bool, err error) {
	err = e.update(ctx, "ProcessRun", run, func(r *models.DripRun) error {
		now := e.now()
		completed = false

		r.StepHistory = append(r.StepHistory, entry)
		r.UpdatedAt = now

		if !advance || r.Status.IsTerminal() || r.CurrentStepIndex != entry.StepIndex {
			return nil
		}

		r.CurrentStepIndex++

		next, ok := NextStepTime(campaign, r.EnrolledAt, r.CurrentStepIndex)
		if ok {
			r.NextStepScheduledAt = &next

			return nil
		}

		markCompleted(r, now)
		completed = true

		return nil
	})

	return completed, err
}

// completion is the gauge change of a run that completed, or zero.
func completion(completed bool) models.CampaignMetrics {
	if !completed {
		return models.CampaignMetrics{}
	}

	return models.CampaignMetrics{ActiveContacts: -1, CompletedContacts: 1}
}

func markCompleted(run *models.DripRun, now time.Time) {
	run.Status = models.RunCompleted
	run.ExitReason = models.ExitCompleted
	run.CompletedAt = &now
	run.NextStepScheduledAt = nil
	run.UpdatedAt = now
}

func (e *Engine) completeRun(ctx context.Context, run *models.DripRun, logger *slog.Logger) error {
	err := e.update(ctx, "ProcessRun", run, func(r *models.DripRun) error {
		if r.Status != models.RunActive {
			return services.NewConflictError("ProcessRun", "run %s is %s", r.ID, r.Status)
		}

		markCompleted(r, e.now())

		return nil
	})
	if err != nil {
		return err
	}

	e.adjust(ctx, run.CampaignID, completion(true))
	logger.InfoContext(ctx, "run completed", "steps", len(run.StepHistory))

	return nil
}

// failRun ends a run whose contact no longer exists.
func (e *Engine) failRun(ctx context.Context, run *models.DripRun, logger *slog.Logger) error {
	err := e.update(ctx, "ProcessRun", run, func(r *models.DripRun) error {
		if r.Status != models.RunActive {
			return services.NewConflictError("ProcessRun", "run %s is %s", r.ID, r.Status)
		}

		now := e.now()
		r.Status = models.RunFailed
		r.ExitReason = models.ExitNoContact
		r.ExitedAt = &now
		r.NextStepScheduledAt = nil
		r.UpdatedAt = now

		return nil
	})
	if err != nil {
		return err
	}

	e.adjust(ctx, run.CampaignID, models.CampaignMetrics{ActiveContacts: -1, ExitedContacts: 1})
	logger.WarnContext(ctx, "run failed, contact not found")

	return nil
}
