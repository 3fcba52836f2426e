package jobs_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nurture/pkg/channels/gochannel"
	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Dispatch(t *testing.T) {
	local := jobs.NewLocal(slog.Default())

	var seen atomic.Value

	local.Register(jobs.KindFlowWalk, func(_ context.Context, id string) error {
		seen.Store(id)

		return nil
	})

	h, err := local.Dispatch(context.Background(), jobs.Job{Kind: jobs.KindFlowWalk, ID: "i1"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, "i1", seen.Load())
}

func TestLocal_OutlivesCallerContext(t *testing.T) {
	local := jobs.NewLocal(slog.Default())
	release := make(chan struct{})

	local.Register(jobs.KindDripRun, func(ctx context.Context, _ string) error {
		<-release

		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := local.Dispatch(ctx, jobs.Job{Kind: jobs.KindDripRun, ID: "r1"})
	require.NoError(t, err)

	cancel()
	close(release)

	require.NoError(t, h.Wait(context.Background()))
	local.Wait()
}

func TestLocal_ErrorsAndPanics(t *testing.T) {
	local := jobs.NewLocal(slog.Default(), jobs.Inline())
	boom := errors.New("boom")

	local.Register(jobs.KindTriggerExecution, func(_ context.Context, id string) error {
		if id == "panic" {
			panic("bad")
		}

		return boom
	})

	h, err := local.Dispatch(context.Background(), jobs.Job{Kind: jobs.KindTriggerExecution, ID: "e1"})
	require.NoError(t, err)

	select {
	case <-h.Done():
	default:
		t.Fatal("inline job should be finished")
	}

	require.ErrorIs(t, h.Wait(context.Background()), boom)

	h2, err := local.Dispatch(context.Background(), jobs.Job{Kind: jobs.KindTriggerExecution, ID: "panic"})
	require.NoError(t, err)
	require.ErrorContains(t, h2.Wait(context.Background()), "panicked")

	require.ErrorIs(t, jobs.WaitAll(context.Background(), h, nil, h2), boom)

	_, err = local.Dispatch(context.Background(), jobs.Job{Kind: jobs.KindFlowWalk, ID: "x"})
	require.ErrorIs(t, err, jobs.ErrNoHandler)
}

func TestBus_RoundTrip(t *testing.T) {
	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())

	defer func() { _ = bus.Close() }()

	got := make(chan string, 3)
	record := func(prefix string) jobs.Handler {
		return func(_ context.Context, id string) error {
			got <- prefix + id

			return nil
		}
	}

	require.NoError(t, jobs.Consume(bus, map[jobs.Kind]jobs.Handler{
		jobs.KindTriggerExecution: record("t:"),
		jobs.KindFlowWalk:         record("f:"),
		jobs.KindDripRun:          record("d:"),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	dispatcher := jobs.NewBus(bus, clockwork.NewRealClock())
	for _, job := range []jobs.Job{
		{Kind: jobs.KindTriggerExecution, ID: "e1"},
		{Kind: jobs.KindFlowWalk, ID: "i1"},
		{Kind: jobs.KindDripRun, ID: "r1"},
	} {
		h, err := dispatcher.Dispatch(ctx, job)
		require.NoError(t, err)
		require.NoError(t, h.Wait(ctx))
	}

	var received []string

	for range 3 {
		select {
		case id := <-got:
			received = append(received, id)
		case <-time.After(5 * time.Second):
			t.Fatal("job not consumed")
		}
	}

	assert.ElementsMatch(t, []string{"t:e1", "f:i1", "d:r1"}, received)
}
