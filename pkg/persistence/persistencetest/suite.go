// Package persistencetest holds behaviour tests shared by every persistence backend.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

// Run exercises p against the repository contracts. Each subtest uses its own ids.
func Run(t *testing.T, p persistence.Persistence) {
	t.Helper()

	t.Run("triggers", func(t *testing.T) { triggers(t, p) })
	t.Run("flows", func(t *testing.T) { flows(t, p) })
	t.Run("instances", func(t *testing.T) { instances(t, p) })
	t.Run("campaigns", func(t *testing.T) { campaigns(t, p) })
	t.Run("runs", func(t *testing.T) { runs(t, p) })
}

func triggers(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.TriggerRepository()

	low := &models.Trigger{
		ID: "trg-low", UserID: "user-1", Name: "low", Status: models.TriggerStatusActive,
		EventSource: "webhook", Priority: 1, CreatedAt: base,
		Conditions: models.And(models.Where("eventType", models.OperatorEquals, "lead_created")),
		Actions:    []models.Action{{ID: "a1", Type: models.ActionAddTag, Config: map[string]any{"tag": "lead"}}},
	}
	high := &models.Trigger{
		ID: "trg-high", UserID: "user-1", Name: "high", Status: models.TriggerStatusActive,
		EventSource: "webhook", EventType: "lead_created", Priority: 10, CreatedAt: base,
	}
	paused := &models.Trigger{
		ID: "trg-paused", UserID: "user-1", Status: models.TriggerStatusPaused,
		EventSource: "webhook", CreatedAt: base,
	}
	other := &models.Trigger{
		ID: "trg-other", UserID: "user-1", Status: models.TriggerStatusActive,
		EventSource: "webhook", EventType: "lead_lost", CreatedAt: base,
	}

	for _, trg := range []*models.Trigger{low, high, paused, other} {
		require.NoError(t, repo.SaveTrigger(ctx, trg))
	}

	active, err := repo.ActiveTriggers(ctx, "user-1", "webhook", "lead_created")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "trg-high", active[0].ID)
	assert.Equal(t, "trg-low", active[1].ID)

	loaded, err := repo.Trigger(ctx, "trg-low")
	require.NoError(t, err)
	require.Len(t, loaded.Conditions.Items, 1)
	assert.Equal(t, models.OperatorEquals, loaded.Conditions.Items[0].(*models.Condition).Operator)

	require.NoError(t, repo.RecordTriggerFired(ctx, "trg-low", base))
	require.NoError(t, repo.RecordTriggerOutcome(ctx, "trg-low", true))
	require.NoError(t, repo.RecordTriggerOutcome(ctx, "trg-low", false))

	loaded.Name = "renamed"
	require.NoError(t, repo.SaveTrigger(ctx, loaded))

	loaded, err = repo.Trigger(ctx, "trg-low")
	require.NoError(t, err)
	assert.Equal(t, "renamed", loaded.Name)
	assert.Equal(t, int64(1), loaded.ExecutionCount)
	assert.Equal(t, int64(1), loaded.SuccessCount)
	assert.Equal(t, int64(1), loaded.FailureCount)
	require.NotNil(t, loaded.LastExecutedAt)
	assert.True(t, base.Equal(*loaded.LastExecutedAt))

	execution := &models.TriggerExecution{
		ID: "exe-1", TriggerID: "trg-low", EventID: "evt-1", UserID: "user-1",
		Status: models.ExecutionStatusCompleted, StartedAt: base,
		ActionResults: []models.ActionResult{{ActionID: "a1", ActionType: models.ActionAddTag, Status: models.ActionResultSuccess}},
	}
	require.NoError(t, repo.SaveExecution(ctx, execution))

	executions, err := repo.Executions(ctx, "trg-low", 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ActionResultSuccess, executions[0].ActionResults[0].Status)

	event := &models.RealTimeEvent{ID: "evt-1", UserID: "user-1", SourceType: "webhook", Status: models.EventStatusProcessed, MatchedTriggers: []string{"trg-low"}, ReceivedAt: base}
	require.NoError(t, p.EventRepository().SaveEvent(ctx, event))

	storedEvent, err := p.EventRepository().Event(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"trg-low"}, storedEvent.MatchedTriggers)

	require.NoError(t, repo.DeleteTrigger(ctx, "trg-other"))
	_, err = repo.Trigger(ctx, "trg-other")
	assert.True(t, persistence.IsNotFound(err))
}

func flows(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.FlowRepository()

	flow := &models.FlowDefinition{
		ID: "flow-1", UserID: "user-1", Name: "welcome", Status: models.FlowStatusDraft, CreatedAt: base,
		Nodes: []models.FlowNode{{ID: "start", Type: models.NodeStart}, {ID: "end", Type: models.NodeEnd}},
		Edges: []models.FlowEdge{{ID: "e1", Source: "start", Target: "end"}},
	}
	require.NoError(t, repo.SaveFlow(ctx, flow))
	require.NoError(t, repo.AdjustFlowCounters(ctx, "flow-1", models.FlowCounterDelta{Total: 2, Active: 1}))

	flow.Status = models.FlowStatusPublished
	require.NoError(t, repo.SaveFlow(ctx, flow))

	loaded, err := repo.Flow(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPublished, loaded.Status)
	assert.Equal(t, int64(2), loaded.Counters.TotalInstances)
	assert.Equal(t, int64(1), loaded.Counters.ActiveInstances)

	version := &models.FlowVersion{FlowID: "flow-1", Version: 1, Nodes: flow.Nodes, Edges: flow.Edges, PublishedAt: base}
	require.NoError(t, repo.SaveFlowVersion(ctx, version))

	snapshot, err := repo.FlowVersion(ctx, "flow-1", 1)
	require.NoError(t, err)
	assert.Len(t, snapshot.Nodes, 2)

	_, err = repo.FlowVersion(ctx, "flow-1", 2)
	assert.True(t, persistence.IsNotFound(err))
}

func instances(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.InstanceRepository()

	due := base.Add(time.Hour)
	waiting := &models.FlowInstance{
		ID: "inst-1", FlowID: "flow-9", FlowVersion: 1, UserID: "user-1", ContactID: "contact-1",
		Status: models.InstanceWaiting, CurrentNodeID: "delay", WaitingFor: models.WaitingForTimer,
		WaitingUntil: &due, Variables: map[string]any{"count": 1.0}, StartedAt: base,
	}
	reply := &models.FlowInstance{
		ID: "inst-2", FlowID: "flow-9", FlowVersion: 1, UserID: "user-1", ContactID: "contact-1",
		Status: models.InstanceWaiting, CurrentNodeID: "ask", WaitingFor: models.WaitingForReply, StartedAt: base,
	}
	require.NoError(t, repo.CreateInstance(ctx, waiting))
	require.NoError(t, repo.CreateInstance(ctx, reply))

	list, err := repo.DueInstances(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = repo.DueInstances(ctx, due, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inst-1", list[0].ID)

	list, err = repo.WaitingForReply(ctx, "contact-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inst-2", list[0].ID)

	waiting.Status = models.InstanceRunning
	require.NoError(t, repo.UpdateInstance(ctx, waiting, models.InstanceWaiting))

	waiting.Status = models.InstanceCompleted
	err = repo.UpdateInstance(ctx, waiting, models.InstanceWaiting)
	assert.True(t, persistence.IsStatusConflict(err))

	stale, err := repo.Instance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, waiting.Revision, stale.Revision)

	fresh := *stale
	fresh.CurrentNodeID = "next"
	require.NoError(t, repo.UpdateInstance(ctx, &fresh, models.InstanceRunning))
	assert.Equal(t, stale.Revision+1, fresh.Revision)

	stale.CurrentNodeID = "delay-again"
	err = repo.UpdateInstance(ctx, stale, models.InstanceRunning)
	assert.True(t, persistence.IsStatusConflict(err), "an outdated document must not replace a newer write")

	loaded, err := repo.Instance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, loaded.Status)
	assert.Equal(t, "next", loaded.CurrentNodeID)
	assert.Equal(t, fresh.Revision, loaded.Revision)
	assert.InDelta(t, 1.0, loaded.Variables["count"], 0)

	all, err := repo.Instances(ctx, "flow-9")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func campaigns(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.CampaignRepository()

	campaign := &models.DripCampaign{
		ID: "camp-1", UserID: "user-1", Name: "onboarding", Status: models.CampaignActive, CreatedAt: base,
		Steps: []models.DripStep{{ID: "s1", DayOffset: 0, TimeOfDay: "09:00", MessageType: models.MessageTypeText}},
	}
	require.NoError(t, repo.SaveCampaign(ctx, campaign))
	require.NoError(t, repo.AdjustCampaignMetrics(ctx, "camp-1", models.CampaignMetrics{TotalEnrolled: 1, ActiveContacts: 1}))
	require.NoError(t, repo.AdjustCampaignMetrics(ctx, "camp-1", models.CampaignMetrics{ActiveContacts: -1, CompletedContacts: 1}))

	loaded, err := repo.Campaign(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Metrics.TotalEnrolled)
	assert.Equal(t, int64(0), loaded.Metrics.ActiveContacts)
	assert.Equal(t, int64(1), loaded.Metrics.CompletedContacts)

	list, err := repo.Campaigns(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func runs(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.RunRepository()

	early := base.Add(time.Hour)
	late := base.Add(48 * time.Hour)

	first := &models.DripRun{ID: "run-1", CampaignID: "camp-2", ContactID: "c-1", UserID: "user-1", Status: models.RunActive, NextStepScheduledAt: &late, EnrolledAt: base}
	second := &models.DripRun{ID: "run-2", CampaignID: "camp-2", ContactID: "c-2", UserID: "user-1", Status: models.RunActive, NextStepScheduledAt: &early, EnrolledAt: base.Add(time.Minute)}

	require.NoError(t, repo.CreateRun(ctx, first))
	require.NoError(t, repo.CreateRun(ctx, second))

	duplicate := &models.DripRun{ID: "run-3", CampaignID: "camp-2", ContactID: "c-1", Status: models.RunActive, EnrolledAt: base}
	err := repo.CreateRun(ctx, duplicate)
	require.ErrorIs(t, err, persistence.ErrRunExists)

	due, err := repo.DueRuns(ctx, base.Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "run-2", due[0].ID)

	due, err = repo.DueRuns(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	byContact, err := repo.RunByContact(ctx, "camp-2", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", byContact.ID)

	byContact.Status = models.RunExited
	byContact.ExitReason = models.ExitConverted
	require.NoError(t, repo.UpdateRun(ctx, byContact, models.RunActive, models.RunPaused))

	err = repo.UpdateRun(ctx, byContact, models.RunActive)
	assert.True(t, persistence.IsStatusConflict(err))

	stale, err := repo.Run(ctx, "run-2")
	require.NoError(t, err)

	fresh := *stale
	fresh.Replied = true
	require.NoError(t, repo.UpdateRun(ctx, &fresh, models.RunActive))

	stale.CurrentStepIndex = 1
	err = repo.UpdateRun(ctx, stale, models.RunActive)
	assert.True(t, persistence.IsStatusConflict(err), "an outdated document must not replace a newer write")

	reloaded, err := repo.Run(ctx, "run-2")
	require.NoError(t, err)
	assert.True(t, reloaded.Replied)
	assert.Equal(t, 0, reloaded.CurrentStepIndex)

	count, err := repo.CountEnrolledSince(ctx, "camp-2", base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	contactRuns, err := repo.RunsByContact(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, contactRuns, 1)
	assert.Equal(t, models.ExitConverted, contactRuns[0].ExitReason)

	campaignRuns, err := repo.RunsByCampaign(ctx, "camp-2")
	require.NoError(t, err)
	assert.Len(t, campaignRuns, 2)

	_, err = repo.Run(ctx, "missing")
	assert.True(t, persistence.IsNotFound(err))
}
