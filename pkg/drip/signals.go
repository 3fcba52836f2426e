package drip

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/services"
	"go.opentelemetry.io/otel/attribute"
)

// MarkConversion flags the contact's live runs as converted, only the run in campaignID when it
// is set. Runs of campaigns with stopOnConversion exit with reason converted.
func (e *Engine) MarkConversion(ctx context.Context, contactID, campaignID string) (updated []*models.DripRun, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "drip.MarkConversion",
		attribute.String(otelhelper.ContactIDKey, contactID),
		attribute.String(otelhelper.CampaignIDKey, campaignID),
	)
	defer func() { otelhelper.End(span, err) }()

	runs, err := e.liveRuns(ctx, "MarkConversion", contactID, campaignID)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		stop, err := e.signal(ctx, "MarkConversion", run, models.ExitConverted,
			func(r *models.DripRun) bool {
				if r.Converted {
					return false
				}

				r.Converted = true

				return true
			},
			func(s models.CampaignSettings) bool { return s.StopOnConversion },
			models.CampaignMetrics{TotalConverted: 1},
		)
		if err != nil {
			if errors.Is(err, errUnchanged) || services.IsConflictError(err) {
				continue
			}

			return updated, err
		}

		e.logger.InfoContext(ctx, "conversion recorded", "run_id", run.ID, "stopped", stop)

		updated = append(updated, run)
	}

	return updated, nil
}

// MarkReply flags the contact's live runs as replied and marks the last sent message of each as
// replied. Runs of campaigns with stopOnReply exit with reason replied.
func (e *Engine) MarkReply(ctx context.Context, contactID string) (updated []*models.DripRun, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "drip.MarkReply",
		attribute.String(otelhelper.ContactIDKey, contactID),
	)
	defer func() { otelhelper.End(span, err) }()

	runs, err := e.liveRuns(ctx, "MarkReply", contactID, "")
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		stop, err := e.signal(ctx, "MarkReply", run, models.ExitReplied,
			func(r *models.DripRun) bool {
				if r.Replied {
					return false
				}

				r.Replied = true

				for i := len(r.StepHistory) - 1; i >= 0; i-- {
					if rank(r.StepHistory[i].Status) > 0 {
						r.StepHistory[i].Status = models.StepReplied

						break
					}
				}

				return true
			},
			func(s models.CampaignSettings) bool { return s.StopOnReply },
			models.CampaignMetrics{TotalReplied: 1},
		)
		if err != nil {
			if errors.Is(err, errUnchanged) || services.IsConflictError(err) {
				continue
			}

			return updated, err
		}

		e.logger.InfoContext(ctx, "reply recorded", "run_id", run.ID, "stopped", stop)

		updated = append(updated, run)
	}

	return updated, nil
}

func (e *Engine) liveRuns(ctx context.Context, op, contactID, campaignID string) ([]*models.DripRun, error) {
	if contactID == "" {
		return nil, services.NewValidationError(op, "contactId is required")
	}

	if campaignID != "" {
		run, err := e.runs().RunByContact(ctx, campaignID, contactID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, nil
			}

			return nil, err
		}

		if run.Status.IsTerminal() {
			return nil, nil
		}

		return []*models.DripRun{run}, nil
	}

	runs, err := e.runs().RunsByContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs of contact %s: %w", contactID, err)
	}

	live := runs[:0]

	for _, run := range runs {
		if !run.Status.IsTerminal() {
			live = append(live, run)
		}
	}

	return live, nil
}

// signal sets a flag on a live run with flag, which reports false when the flag was already
// set. When stops says so for the run's campaign the run also exits with reason. counted is added
// to the campaign metrics once the run is stored.
func (e *Engine) signal(
	ctx context.Context,
	op string,
	run *models.DripRun,
	reason string,
	flag func(*models.DripRun) bool,
	stops func(models.CampaignSettings) bool,
	counted models.CampaignMetrics,
) (stop bool, err error) {
	campaign, err := e.campaigns().Campaign(ctx, run.CampaignID)
	if err != nil && !persistence.IsNotFound(err) {
		return false, err
	}

	stop = campaign != nil && stops(campaign.Settings)

	err = e.update(ctx, op, run, func(r *models.DripRun) error {
		if r.Status.IsTerminal() {
			return services.NewConflictError(op, "run %s is %s", r.ID, r.Status)
		}

		if !flag(r) {
			return errUnchanged
		}

		now := e.now()
		r.UpdatedAt = now

		if stop {
			markExited(r, reason, now)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	if stop {
		counted.ActiveContacts--
		counted.ExitedContacts++

		e.logger.InfoContext(ctx, "run exited", "run_id", run.ID, "campaign_id", run.CampaignID, "reason", reason)
	}

	e.adjust(ctx, run.CampaignID, counted)

	return stop, nil
}

// RecordDelivery applies a delivery receipt to the history entry of messageID. Statuses only move
// forward from sent to delivered to read; a stale receipt leaves the run untouched.
func (e *Engine) RecordDelivery(ctx context.Context, runID, messageID string, status models.StepStatus) (*models.DripRun, error) {
	if status != models.StepDelivered && status != models.StepRead {
		return nil, services.NewValidationError("RecordDelivery",
			fmt.Sprintf("status must be %s or %s, got %q", models.StepDelivered, models.StepRead, status))
	}

	run, err := e.runs().Run(ctx, runID)
	if err != nil {
		return nil, err
	}

	var delta models.CampaignMetrics

	err = e.update(ctx, "RecordDelivery", run, func(r *models.DripRun) error {
		index := -1

		for i, entry := range r.StepHistory {
			if messageID != "" && entry.MessageID == messageID {
				index = i
			}
		}

		if index < 0 {
			return fmt.Errorf("%w: message %s in run %s", services.ErrNotFound, messageID, runID)
		}

		entry := &r.StepHistory[index]
		from := rank(entry.Status)

		if from == 0 || rank(status) <= from {
			return errUnchanged
		}

		delta = models.CampaignMetrics{}
		if from < rank(models.StepDelivered) {
			delta.TotalDelivered = 1
		}

		if status == models.StepRead {
			delta.TotalRead = 1
		}

		entry.Status = status
		r.UpdatedAt = e.now()

		return nil
	})
	if errors.Is(err, errUnchanged) {
		return run, nil
	}

	if err != nil {
		return nil, err
	}

	e.adjust(ctx, run.CampaignID, delta)

	return run, nil
}

// rank orders the statuses of a sent message. Entries that never went out rank 0.
func rank(status models.StepStatus) int {
	switch status {
	case models.StepSent:
		return 1
	case models.StepDelivered:
		return 2
	case models.StepRead:
		return 3
	case models.StepReplied:
		return 4
	default:
		return 0
	}
}
