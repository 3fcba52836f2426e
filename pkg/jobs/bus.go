package jobs

import (
	"context"
	"fmt"

	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/jonboulle/clockwork"
)

// Bus publishes jobs to the event bus for a worker process. The returned handle completes once
// the job was published.
type Bus struct {
	bus   eventbus.EventBus
	clock clockwork.Clock
}

func NewBus(bus eventbus.EventBus, clock clockwork.Clock) *Bus {
	return &Bus{bus: bus, clock: clock}
}

func (b *Bus) Dispatch(ctx context.Context, job Job) (*Handle, error) {
	event, err := b.event(job)
	if err != nil {
		return nil, err
	}

	if err := b.bus.Publish(ctx, job.ID, event); err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", job, err)
	}

	return Completed(job, nil), nil
}

func (b *Bus) event(job Job) (eventbus.Event, error) {
	now := b.clock.Now()

	switch job.Kind {
	case KindTriggerExecution:
		return events.TriggerExecutionRequested{
			BaseEvent:   events.NewBaseEvent(b.bus.GenerateID(), events.TriggerExecutionRequestedEvent, now),
			ExecutionID: job.ID,
		}, nil
	case KindFlowWalk:
		return events.FlowWalkRequested{
			BaseEvent:  events.NewBaseEvent(b.bus.GenerateID(), events.FlowWalkRequestedEvent, now),
			InstanceID: job.ID,
		}, nil
	case KindDripRun:
		return events.DripRunDue{
			BaseEvent: events.NewBaseEvent(b.bus.GenerateID(), events.DripRunDueEvent, now),
			RunID:     job.ID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}
}

// Consume routes bus job events to handlers. Call Subscribe on the bus afterwards.
func Consume(bus eventbus.EventSubscriber, handlers map[Kind]Handler) error {
	routes := map[Kind]struct {
		eventType events.EventType
		id        func(event any) string
	}{
		KindTriggerExecution: {events.TriggerExecutionRequestedEvent, func(e any) string {
			return e.(*events.TriggerExecutionRequested).ExecutionID
		}},
		KindFlowWalk: {events.FlowWalkRequestedEvent, func(e any) string {
			return e.(*events.FlowWalkRequested).InstanceID
		}},
		KindDripRun: {events.DripRunDueEvent, func(e any) string {
			return e.(*events.DripRunDue).RunID
		}},
	}

	for kind, handler := range handlers {
		route, ok := routes[kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoHandler, kind)
		}

		err := bus.Handle(route.eventType, func(ctx context.Context, event any) error {
			return handler(ctx, route.id(event))
		})
		if err != nil {
			return err
		}
	}

	return nil
}
