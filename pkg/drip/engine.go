// Package drip implements the drip campaign engine: enrollment with re-entry policy, step time
// calculation, due-run polling and sequential step delivery.
package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/lease"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBatchSize bounds GetDueRuns when no limit is given.
const DefaultBatchSize = 100

// maxWriteAttempts bounds how often a run is reloaded after losing a concurrent write.
const maxWriteAttempts = 5

// errUnchanged is returned by a change that has nothing to write.
var errUnchanged = errors.New("run unchanged")

type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	contacts    protocol.ContactStore
	sender      protocol.MessageSender
	evaluator   *conditions.Evaluator
	clock       clockwork.Clock
	tracer      trace.Tracer
	leaser      lease.Leaser
	leaseTTL    time.Duration
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithLeaser makes ProcessRun hold the run's lease while it works. Without a leaser, callers
// must not process the same run concurrently.
func WithLeaser(leaser lease.Leaser, ttl time.Duration) Option {
	return func(e *Engine) {
		e.leaser = leaser
		e.leaseTTL = ttl
	}
}

func NewEngine(
	logger *slog.Logger,
	p persistence.Persistence,
	contacts protocol.ContactStore,
	sender protocol.MessageSender,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger.With("module", "drip_engine"),
		persistence: p,
		contacts:    contacts,
		sender:      sender,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
		leaseTTL:    lease.DefaultTTL,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = conditions.NewEvaluator(e.clock)

	return e
}

func (e *Engine) campaigns() persistence.CampaignRepository {
	return e.persistence.CampaignRepository()
}

func (e *Engine) runs() persistence.RunRepository {
	return e.persistence.RunRepository()
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// update applies change to run and stores it. When another writer stored the run first, run is
// reloaded and change applied again. A change returning errUnchanged skips the write and update
// returns errUnchanged.
func (e *Engine) update(ctx context.Context, op string, run *models.DripRun, change func(*models.DripRun) error) error {
	for attempt := 1; ; attempt++ {
		if err := change(run); err != nil {
			return err
		}

		err := e.runs().UpdateRun(ctx, run)
		if err == nil {
			return nil
		}

		if !persistence.IsStatusConflict(err) || attempt == maxWriteAttempts {
			return conflict(op, run.ID, err)
		}

		fresh, err := e.runs().Run(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to reload run %s: %w", run.ID, err)
		}

		*run = *fresh
	}
}

func (e *Engine) adjust(ctx context.Context, campaignID string, delta models.CampaignMetrics) {
	if err := e.campaigns().AdjustCampaignMetrics(ctx, campaignID, delta); err != nil {
		e.logger.ErrorContext(ctx, "failed to adjust campaign metrics", "campaign_id", campaignID, "error", err)
	}
}

// NextStepTime is when step index of campaign is due for a contact enrolled at enrolledAt:
// dayOffset days after the enrollment date at the step's timeOfDay, or the campaign's default
// start time, in the campaign timezone. Without any time of day the enrollment time is kept.
// The result is in UTC and may lie in the past, which makes the step due at once.
func NextStepTime(campaign *models.DripCampaign, enrolledAt time.Time, index int) (time.Time, bool) {
	if index < 0 || index >= len(campaign.Steps) {
		return time.Time{}, false
	}

	step := campaign.Steps[index]
	base := enrolledAt.In(campaign.Location())

	timeOfDay := step.TimeOfDay
	if timeOfDay == "" {
		timeOfDay = campaign.Schedule.StartTime
	}

	minutes, ok := models.ParseTimeOfDay(timeOfDay)
	if !ok {
		return base.AddDate(0, 0, step.DayOffset).UTC(), true
	}

	at := time.Date(base.Year(), base.Month(), base.Day()+step.DayOffset, minutes/60, minutes%60, 0, 0, base.Location())

	return at.UTC(), true
}

// startOfDay is midnight of now in the campaign timezone.
func startOfDay(campaign *models.DripCampaign, now time.Time) time.Time {
	local := now.In(campaign.Location())

	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}
