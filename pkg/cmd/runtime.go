// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/actions/webhook"
	"github.com/dukex/nurture/pkg/config"
	"github.com/dukex/nurture/pkg/contacts"
	"github.com/dukex/nurture/pkg/drip"
	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/flows"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/lease"
	"github.com/dukex/nurture/pkg/messaging"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/registry"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// Options are the connection settings shared by every binary.
type Options struct {
	ServiceName string
	DatabaseURL string
	EventBus    string
	RedisURL    string
	Tracing     bool
	Config      config.Config

	// LocalJobs runs jobs in this process even when the bus reaches other processes.
	LocalJobs bool
}

// Runtime holds the stores, engines and services wired from Options.
type Runtime struct {
	Logger      *slog.Logger
	Config      config.Config
	Clock       clockwork.Clock
	Persistence persistence.Persistence
	Bus         eventbus.EventBus
	Contacts    *contacts.Store
	Registry    *registry.Registry
	Dispatcher  jobs.Dispatcher

	Triggers  *services.Trigger
	Flows     *services.Flow
	Campaigns *services.Campaign

	TriggerEngine *triggers.Engine
	FlowEngine    *flows.Engine
	DripEngine    *drip.Engine

	closers []func(context.Context) error
}

// NewRuntime connects the stores and builds the engines. Close releases everything it opened,
// also when NewRuntime fails halfway.
func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (rt *Runtime, err error) {
	rt = &Runtime{
		Logger: logger,
		Config: opts.Config,
		Clock:  clockwork.NewRealClock(),
	}

	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
			rt = nil
		}
	}()

	tracer, err := rt.tracer(ctx, opts)
	if err != nil {
		return rt, err
	}

	rt.Persistence, err = NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return rt, fmt.Errorf("failed to open persistence: %w", err)
	}

	rt.closers = append(rt.closers, rt.Persistence.Close)

	rt.Bus, err = NewEventBus(opts.EventBus, opts.Config.Kafka.Brokers, opts.ServiceName, logger)
	if err != nil {
		return rt, err
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.Bus.Close() })

	leaser, err := rt.leaser(ctx, opts.RedisURL)
	if err != nil {
		return rt, err
	}

	rt.Contacts = contacts.NewStore(rt.Clock)
	if path := opts.Config.Contacts.File; path != "" {
		if err := rt.Contacts.Load(path); err != nil {
			return rt, err
		}
	}

	sender := rt.sender()
	client := webhook.NewClient()

	var local *jobs.Local
	if opts.LocalJobs || opts.EventBus != EventBusKafka {
		local = jobs.NewLocal(logger)
		rt.Dispatcher = local
	} else {
		rt.Dispatcher = jobs.NewBus(rt.Bus, rt.Clock)
	}

	rt.FlowEngine = flows.NewEngine(logger, rt.Persistence, flows.Dependencies{
		Contacts:   rt.Contacts,
		Tagger:     rt.Contacts,
		Sender:     sender,
		HTTPClient: client,
	}, rt.Dispatcher,
		flows.WithClock(rt.Clock),
		flows.WithTracer(tracer),
		flows.WithLeaser(leaser, opts.Config.Lease.TTL),
		flows.WithMaxSteps(opts.Config.Flows.MaxSteps),
	)

	rt.DripEngine = drip.NewEngine(logger, rt.Persistence, rt.Contacts, sender,
		drip.WithClock(rt.Clock),
		drip.WithTracer(tracer),
		drip.WithLeaser(leaser, opts.Config.Lease.TTL),
	)

	rt.Registry = registry.NewRegistry(logger)
	rt.Registry.RegisterDefaults(registry.Dependencies{
		Contacts:   rt.Contacts,
		Tagger:     rt.Contacts,
		Sender:     sender,
		Flows:      rt.FlowEngine,
		Drip:       rt.DripEngine,
		HTTPClient: client,
	})

	rt.TriggerEngine = triggers.NewEngine(logger, rt.Persistence, rt.Registry, rt.Dispatcher,
		triggers.WithClock(rt.Clock),
		triggers.WithTracer(tracer),
	)

	rt.Triggers = services.NewTrigger(rt.Persistence, rt.Clock, rt.Registry)
	rt.Flows = services.NewFlow(rt.Persistence, rt.Clock)
	rt.Campaigns = services.NewCampaign(rt.Persistence, rt.Clock)

	if local != nil {
		for kind, handler := range rt.Handlers() {
			local.Register(kind, handler)
		}

		rt.closers = append(rt.closers, func(context.Context) error {
			local.Wait()

			return nil
		})
	}

	return rt, nil
}

// Handlers maps every job kind to the engine performing it.
func (rt *Runtime) Handlers() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindTriggerExecution: rt.TriggerEngine.ExecuteTrigger,
		jobs.KindFlowWalk:         rt.FlowEngine.Walk,
		jobs.KindDripRun:          rt.DripEngine.ProcessRun,
	}
}

// Consume registers the job handlers and the async event ingestion on the bus, then subscribes.
func (rt *Runtime) Consume(ctx context.Context) error {
	if err := jobs.Consume(rt.Bus, rt.Handlers()); err != nil {
		return fmt.Errorf("failed to register job handlers: %w", err)
	}

	if err := rt.Bus.Handle(events.EventReceivedEvent, rt.handleEventReceived); err != nil {
		return fmt.Errorf("failed to register event handler: %w", err)
	}

	return rt.Bus.Subscribe(ctx)
}

func (rt *Runtime) handleEventReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.EventReceived)
	if !ok {
		rt.Logger.ErrorContext(ctx, "Invalid event type for EventReceived")

		return nil
	}

	result, err := rt.TriggerEngine.ProcessEvent(ctx, received.UserID, received.Event)
	if err != nil {
		if services.IsValidationError(err) {
			rt.Logger.WarnContext(ctx, "dropping invalid event", "event_id", received.ID, "error", err)

			return nil
		}

		return err
	}

	rt.Logger.InfoContext(ctx, "event processed",
		"event_id", received.ID, "audit_id", result.EventID, "matched", len(result.MatchedTriggers))

	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	return errors.Join(errs...)
}

// nolint:ireturn
func (rt *Runtime) tracer(ctx context.Context, opts Options) (trace.Tracer, error) {
	if !opts.Tracing {
		return otelhelper.NoopTracer(), nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, opts.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	rt.closers = append(rt.closers, shutdown)

	return tracer, nil
}

// nolint:ireturn
func (rt *Runtime) leaser(ctx context.Context, redisURL string) (lease.Leaser, error) {
	if redisURL == "" {
		return lease.NewMemory(rt.Clock), nil
	}

	leaser, err := lease.ConnectRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, func(context.Context) error { return leaser.Close() })

	return leaser, nil
}

// nolint:ireturn
func (rt *Runtime) sender() protocol.MessageSender {
	if url := rt.Config.Messaging.GatewayURL; url != "" {
		return messaging.NewHTTPSender(webhook.NewClient(), url)
	}

	return messaging.NewLogSender(rt.Logger)
}
