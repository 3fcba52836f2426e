package triggers_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/contacts"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/messaging/messagingtest"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/memory"
	"github.com/dukex/nurture/pkg/registry"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store    *memory.Store
	contacts *contacts.Store
	sender   *messagingtest.Recorder
	service  *services.Trigger
	engine   *triggers.Engine
	clock    *clockwork.FakeClock
}

func newEnv(t *testing.T, opts ...jobs.LocalOption) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	people := contacts.NewStore(clock)
	people.Put(&models.Contact{ID: "c1", UserID: "u1", Name: "Ana"})

	sender := messagingtest.NewRecorder()

	reg := registry.NewRegistry(slog.Default())
	reg.RegisterDefaults(registry.Dependencies{Contacts: people, Tagger: people, Sender: sender})

	dispatcher := jobs.NewLocal(slog.Default(), opts...)
	engine := triggers.NewEngine(slog.Default(), store, reg, dispatcher, triggers.WithClock(clock))
	dispatcher.Register(jobs.KindTriggerExecution, engine.ExecuteTrigger)

	return &testEnv{
		store:    store,
		contacts: people,
		sender:   sender,
		service:  services.NewTrigger(store, clock, reg),
		engine:   engine,
		clock:    clock,
	}
}

func (env *testEnv) activeTrigger(t *testing.T, trigger *models.Trigger) *models.Trigger {
	t.Helper()

	ctx := context.Background()

	if trigger.UserID == "" {
		trigger.UserID = "u1"
	}

	if trigger.EventSource == "" {
		trigger.EventSource = "webhook"
	}

	created, err := env.service.Create(ctx, trigger)
	require.NoError(t, err)

	activated, err := env.service.Activate(ctx, created.ID)
	require.NoError(t, err)

	return activated
}

func eventTypeIs(value string) models.ConditionGroup {
	return models.And(models.Where("eventType", models.OperatorEquals, value))
}

func leadPipeline() []models.Action {
	return []models.Action{
		{ID: "send", Type: models.ActionSendTemplate, Order: 1, Config: map[string]any{"templateName": "welcome"}},
		{ID: "tag", Type: models.ActionAddTag, Order: 0, Config: map[string]any{"tag": "lead"}},
	}
}

func leadEvent() models.Event {
	return models.Event{SourceType: "webhook", EventType: "lead_created", ContactID: "c1"}
}

func TestProcessEvent_LeadCreated(t *testing.T) {
	env := newEnv(t, jobs.Inline())
	ctx := context.Background()

	trigger := env.activeTrigger(t, &models.Trigger{
		Name:       "welcome leads",
		Conditions: eventTypeIs("lead_created"),
		Actions:    leadPipeline(),
	})

	result, err := env.engine.ProcessEvent(ctx, "u1", leadEvent())
	require.NoError(t, err)
	require.NoError(t, jobs.WaitAll(ctx, result.Jobs...))

	assert.Equal(t, []string{trigger.ID}, result.MatchedTriggers)
	require.Len(t, result.Executions, 1)

	execution, err := env.store.Execution(ctx, result.Executions[0])
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.Len(t, execution.ActionResults, 2)
	assert.Equal(t, models.ActionAddTag, execution.ActionResults[0].ActionType)
	assert.Equal(t, models.ActionSendTemplate, execution.ActionResults[1].ActionType)
	assert.NotNil(t, execution.CompletedAt)

	stored, err := env.store.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, int64(0), stored.FailureCount)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, stored.LastExecutedAt.Equal(env.clock.Now()))

	contact, err := env.contacts.Contact(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead"}, contact.Tags)

	sent := env.sender.Delivered()
	require.Len(t, sent, 1)
	assert.Equal(t, "welcome", sent[0].Content.TemplateName)

	audit, err := env.store.Event(ctx, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusProcessed, audit.Status)
	assert.Equal(t, []string{trigger.ID}, audit.MatchedTriggers)
}

func TestProcessEvent_PartialAndFailed(t *testing.T) {
	env := newEnv(t, jobs.Inline())
	ctx := context.Background()
	env.sender.Fail("c1", "blocked")

	partial := env.activeTrigger(t, &models.Trigger{
		Name:       "partial",
		Conditions: eventTypeIs("lead_created"),
		Actions:    leadPipeline(),
	})

	failed := env.activeTrigger(t, &models.Trigger{
		Name: "failed",
		Actions: []models.Action{
			{ID: "send", Type: models.ActionSendMessage, Config: map[string]any{"text": "hi"}},
		},
	})

	result, err := env.engine.ProcessEvent(ctx, "u1", leadEvent())
	require.NoError(t, err)
	require.Len(t, result.Executions, 2)

	statuses := map[string]models.ExecutionStatus{}

	for _, id := range result.Executions {
		execution, err := env.store.Execution(ctx, id)
		require.NoError(t, err)

		statuses[execution.TriggerID] = execution.Status
	}

	assert.Equal(t, models.ExecutionStatusPartial, statuses[partial.ID])
	assert.Equal(t, models.ExecutionStatusFailed, statuses[failed.ID])

	for _, id := range []string{partial.ID, failed.ID} {
		stored, err := env.store.Trigger(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.ExecutionCount)
		assert.Equal(t, int64(0), stored.SuccessCount)
		assert.Equal(t, int64(1), stored.FailureCount)
	}

	contact, err := env.contacts.Contact(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead"}, contact.Tags, "a failing action does not stop the pipeline")
}

func TestProcessEvent_Selection(t *testing.T) {
	env := newEnv(t, jobs.Inline())
	ctx := context.Background()

	logAction := []models.Action{{ID: "log", Type: models.ActionLog, Config: map[string]any{"message": "hit"}}}

	low := env.activeTrigger(t, &models.Trigger{Name: "low", Priority: 1, Actions: logAction})
	high := env.activeTrigger(t, &models.Trigger{Name: "high", Priority: 10, EventType: "lead_created", Actions: logAction})
	env.activeTrigger(t, &models.Trigger{Name: "other type", EventType: "deal_won", Actions: logAction})
	env.activeTrigger(t, &models.Trigger{Name: "other source", EventSource: "whatsapp", Actions: logAction})
	env.activeTrigger(t, &models.Trigger{Name: "no match", Conditions: eventTypeIs("deal_won"), Actions: logAction})
	env.activeTrigger(t, &models.Trigger{Name: "other user", UserID: "u2", Actions: logAction})

	paused := env.activeTrigger(t, &models.Trigger{Name: "paused", Actions: logAction})
	_, err := env.service.Pause(ctx, paused.ID)
	require.NoError(t, err)

	draft, err := env.service.Create(ctx, &models.Trigger{UserID: "u1", Name: "draft", EventSource: "webhook", Actions: logAction})
	require.NoError(t, err)

	result, err := env.engine.ProcessEvent(ctx, "u1", leadEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, low.ID}, result.MatchedTriggers)

	for _, id := range []string{paused.ID, draft.ID} {
		stored, err := env.store.Trigger(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, stored.ExecutionCount)
	}
}

func TestProcessEvent_PayloadConditions(t *testing.T) {
	env := newEnv(t, jobs.Inline())
	ctx := context.Background()

	source := models.Or(
		models.Where("utm.source", models.OperatorEquals, "GOOGLE"),
		models.Where("tags", models.OperatorContains, "vip"),
	)
	group := models.And(
		models.Where("amount", models.OperatorGreaterThan, 100),
		&source,
	)

	trigger := env.activeTrigger(t, &models.Trigger{
		Name:       "big deals",
		Conditions: group,
		Actions:    []models.Action{{ID: "log", Type: models.ActionLog, Config: map[string]any{"message": "big"}}},
	})

	tests := []struct {
		name    string
		payload map[string]any
		matched bool
	}{
		{"matches", map[string]any{"amount": 150, "utm": map[string]any{"source": "google"}}, true},
		{"matches via tags", map[string]any{"amount": "200", "tags": []any{"vip"}}, true},
		{"too small", map[string]any{"amount": 50, "utm": map[string]any{"source": "google"}}, false},
		{"no amount", map[string]any{"tags": []any{"vip"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := leadEvent()
			event.Payload = tt.payload

			result, err := env.engine.ProcessEvent(ctx, "u1", event)
			require.NoError(t, err)

			if tt.matched {
				assert.Equal(t, []string{trigger.ID}, result.MatchedTriggers)
			} else {
				assert.Empty(t, result.MatchedTriggers)
			}
		})
	}
}

func TestProcessEvent_Async(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	trigger := env.activeTrigger(t, &models.Trigger{
		Name:       "async",
		Conditions: eventTypeIs("lead_created"),
		Actions:    leadPipeline(),
	})

	result, err := env.engine.ProcessEvent(ctx, "u1", leadEvent())
	require.NoError(t, err)

	stored, err := env.store.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount, "execution count is updated before actions run")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, jobs.WaitAll(waitCtx, result.Jobs...))

	stored, err = env.store.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
}

func TestProcessEvent_Validation(t *testing.T) {
	env := newEnv(t, jobs.Inline())

	_, err := env.engine.ProcessEvent(context.Background(), "u1", models.Event{EventType: "x"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	_, err = env.engine.ProcessEvent(context.Background(), "", models.Event{SourceType: "webhook"})
	assert.True(t, services.IsValidationError(err))
}

func TestExecuteTrigger_Idempotent(t *testing.T) {
	env := newEnv(t, jobs.Inline())
	ctx := context.Background()

	trigger := env.activeTrigger(t, &models.Trigger{
		Name:       "once",
		Conditions: eventTypeIs("lead_created"),
		Actions:    leadPipeline(),
	})

	result, err := env.engine.ProcessEvent(ctx, "u1", leadEvent())
	require.NoError(t, err)

	require.NoError(t, env.engine.ExecuteTrigger(ctx, result.Executions[0]))

	stored, err := env.store.Trigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Len(t, env.sender.Sent(), 1)

	err = env.engine.ExecuteTrigger(ctx, "missing")
	assert.True(t, services.IsNotFound(err))
}

func TestExecuteTrigger_DeletedTrigger(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	trigger := env.activeTrigger(t, &models.Trigger{
		Name:    "deleted",
		Actions: []models.Action{{ID: "log", Type: models.ActionLog, Config: map[string]any{"message": "x"}}},
	})

	execution := &models.TriggerExecution{ID: "e1", TriggerID: trigger.ID, UserID: "u1", Status: models.ExecutionStatusPending}
	require.NoError(t, env.store.SaveExecution(ctx, execution))
	require.NoError(t, env.service.Delete(ctx, trigger.ID))

	require.NoError(t, env.engine.ExecuteTrigger(ctx, "e1"))

	stored, err := env.store.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}
