package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/persistence/memory"
	"github.com/dukex/nurture/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	persistencetest.Run(t, memory.NewStore())
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.SaveTrigger(ctx, &models.Trigger{ID: "t1", Name: "original"}))

	loaded, err := store.Trigger(ctx, "t1")
	require.NoError(t, err)

	loaded.Name = "mutated"

	again, err := store.Trigger(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Name)
}

func TestStore_ConcurrentCountersAreExact(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.SaveFlow(ctx, &models.FlowDefinition{ID: "f1"}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, store.AdjustFlowCounters(ctx, "f1", models.FlowCounterDelta{Total: 1, Active: 1}))
		}()
	}

	wg.Wait()

	flow, err := store.Flow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), flow.Counters.TotalInstances)
}

func TestStore_CommitHookSeesMutations(t *testing.T) {
	ctx := context.Background()
	commits := 0

	store := memory.NewStore(memory.WithCommit(func(snapshot *memory.Snapshot) error {
		commits++

		return nil
	}))

	require.NoError(t, store.SaveCampaign(ctx, &models.DripCampaign{ID: "c1"}))
	require.NoError(t, store.AdjustCampaignMetrics(ctx, "c1", models.CampaignMetrics{TotalSent: 1}))

	err := store.AdjustCampaignMetrics(ctx, "missing", models.CampaignMetrics{TotalSent: 1})
	assert.True(t, persistence.IsNotFound(err))
	assert.Equal(t, 2, commits)
}
