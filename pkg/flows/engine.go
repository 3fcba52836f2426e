// Package flows implements the flow engine: graph validation, publishing, and the cooperative
// node-by-node walk of flow instances with suspend and resume.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/lease"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxSteps caps the nodes one walk invocation visits, so a cycle without a suspending
// node fails the instance instead of spinning.
const DefaultMaxSteps = 500

var ErrStepLimit = errors.New("walk exceeded the step limit")

// maxWriteAttempts bounds how often an instance is reloaded after losing a concurrent write.
const maxWriteAttempts = 5

type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	contacts    protocol.ContactStore
	evaluator   *conditions.Evaluator
	dispatcher  jobs.Dispatcher
	clock       clockwork.Clock
	tracer      trace.Tracer
	leaser      lease.Leaser
	leaseTTL    time.Duration
	maxSteps    int
	handlers    map[models.NodeType]NodeHandler
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

// WithLeaser makes ResumeDue and RetryFailed claim each instance before touching it.
func WithLeaser(leaser lease.Leaser, ttl time.Duration) Option {
	return func(e *Engine) {
		e.leaser = leaser
		e.leaseTTL = ttl
	}
}

func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// WithNodeHandler adds or replaces the handler of one node type.
func WithNodeHandler(handler NodeHandler) Option {
	return func(e *Engine) {
		e.handlers[handler.Type()] = handler
	}
}

func NewEngine(
	logger *slog.Logger,
	p persistence.Persistence,
	deps Dependencies,
	dispatcher jobs.Dispatcher,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger.With("module", "flow_engine"),
		persistence: p,
		contacts:    deps.Contacts,
		dispatcher:  dispatcher,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
		leaseTTL:    lease.DefaultTTL,
		maxSteps:    DefaultMaxSteps,
		handlers:    map[models.NodeType]NodeHandler{},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = conditions.NewEvaluator(e.clock)

	for t, h := range defaultHandlers(deps, e.evaluator) {
		if _, ok := e.handlers[t]; !ok {
			e.handlers[t] = h
		}
	}

	return e
}

func (e *Engine) flows() persistence.FlowRepository {
	return e.persistence.FlowRepository()
}

func (e *Engine) instances() persistence.InstanceRepository {
	return e.persistence.InstanceRepository()
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) version(ctx context.Context, instance *models.FlowInstance) (*models.FlowVersion, error) {
	version, err := e.flows().FlowVersion(ctx, instance.FlowID, instance.FlowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s version %d: %w", instance.FlowID, instance.FlowVersion, err)
	}

	return version, nil
}

func (e *Engine) contact(ctx context.Context, instance *models.FlowInstance) (*models.Contact, error) {
	if instance.ContactID == "" || e.contacts == nil {
		return nil, nil
	}

	contact, err := e.contacts.Contact(ctx, instance.UserID, instance.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", instance.ContactID, err)
	}

	return contact, nil
}

// commit applies change to instance and stores it. When another writer stored the instance
// first, instance is reloaded and change applied again.
func (e *Engine) commit(ctx context.Context, op string, instance *models.FlowInstance, change func(*models.FlowInstance) error) error {
	for attempt := 1; ; attempt++ {
		if err := change(instance); err != nil {
			return err
		}

		err := e.instances().UpdateInstance(ctx, instance)
		if err == nil {
			return nil
		}

		if !persistence.IsStatusConflict(err) || attempt == maxWriteAttempts {
			return e.conflict(op, instance.ID, err)
		}

		fresh, err := e.instances().Instance(ctx, instance.ID)
		if err != nil {
			return fmt.Errorf("failed to reload instance %s: %w", instance.ID, err)
		}

		*instance = *fresh
	}
}

func (e *Engine) adjust(ctx context.Context, flowID string, delta models.FlowCounterDelta) {
	if err := e.flows().AdjustFlowCounters(ctx, flowID, delta); err != nil {
		e.logger.ErrorContext(ctx, "failed to adjust flow counters", "flow_id", flowID, "error", err)
	}
}

func (e *Engine) dispatchWalk(ctx context.Context, instanceID string) (*jobs.Handle, error) {
	handle, err := e.dispatcher.Dispatch(ctx, jobs.Job{Kind: jobs.KindFlowWalk, ID: instanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch walk of instance %s: %w", instanceID, err)
	}

	return handle, nil
}
