package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/contacts"
	"github.com/dukex/nurture/pkg/drip"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/flows"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/messaging/messagingtest"
	"github.com/dukex/nurture/pkg/mocks"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/memory"
	"github.com/dukex/nurture/pkg/registry"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/dukex/nurture/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app    *fiber.App
	store  *memory.Store
	sender *messagingtest.Recorder
}

func setupTestApp(t *testing.T, bus *mocks.MockEventBus) *testEnv {
	t.Helper()

	logger := slog.Default()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()

	people := contacts.NewStore(clock)
	people.Put(&models.Contact{ID: "c1", UserID: "u1", Name: "Ana"})

	sender := messagingtest.NewRecorder()
	dispatcher := jobs.NewLocal(logger, jobs.Inline())

	flowEngine := flows.NewEngine(logger, store, flows.Dependencies{
		Contacts: people,
		Tagger:   people,
		Sender:   sender,
	}, dispatcher, flows.WithClock(clock))
	dripEngine := drip.NewEngine(logger, store, people, sender, drip.WithClock(clock))

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaults(registry.Dependencies{
		Contacts: people,
		Tagger:   people,
		Sender:   sender,
		Flows:    flowEngine,
		Drip:     dripEngine,
	})

	triggerEngine := triggers.NewEngine(logger, store, reg, dispatcher, triggers.WithClock(clock))

	dispatcher.Register(jobs.KindTriggerExecution, triggerEngine.ExecuteTrigger)
	dispatcher.Register(jobs.KindFlowWalk, flowEngine.Walk)
	dispatcher.Register(jobs.KindDripRun, dripEngine.ProcessRun)

	deps := web.Dependencies{
		Persistence:   store,
		Triggers:      services.NewTrigger(store, clock, reg),
		Flows:         services.NewFlow(store, clock),
		Campaigns:     services.NewCampaign(store, clock),
		TriggerEngine: triggerEngine,
		FlowEngine:    flowEngine,
		DripEngine:    dripEngine,
		Clock:         clock,
	}
	if bus != nil {
		deps.Bus = bus
	}

	handlers := web.NewAPIHandlers(deps, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return &testEnv{app: app, store: store, sender: sender}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.UserHeader, "u1")

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))

	return out
}

func tagTrigger() web.TriggerRequest {
	return web.TriggerRequest{
		Name:        "tag leads",
		EventSource: "webhook",
		Conditions:  models.And(models.Where("eventType", models.OperatorEquals, "lead_created")),
		Actions: []models.Action{
			{ID: "tag", Type: models.ActionAddTag, Config: map[string]any{"tag": "lead"}},
		},
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupTestApp(t, nil)

	status, body := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", decode[map[string]any](t, body)["status"])
}

func TestTriggerLifecycle(t *testing.T) {
	env := setupTestApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/triggers", tagTrigger())
	require.Equal(t, http.StatusCreated, status, string(body))

	trigger := decode[models.Trigger](t, body)
	assert.Equal(t, models.TriggerStatusDraft, trigger.Status)
	assert.Equal(t, "u1", trigger.UserID)

	status, body = env.do(t, http.MethodPost, "/triggers/"+trigger.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.TriggerStatusActive, decode[models.Trigger](t, body).Status)

	status, _ = env.do(t, http.MethodPost, "/triggers/"+trigger.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/events", models.Event{
		SourceType: "webhook",
		EventType:  "lead_created",
		ContactID:  "c1",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	result := decode[triggers.ProcessResult](t, body)
	assert.Equal(t, []string{trigger.ID}, result.MatchedTriggers)
	require.Len(t, result.Executions, 1)

	status, body = env.do(t, http.MethodGet, "/triggers/"+trigger.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.TriggerExecution](t, body), 1)

	status, body = env.do(t, http.MethodPost, "/triggers/"+trigger.ID+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, status)

	duplicate := decode[models.Trigger](t, body)
	assert.NotEqual(t, trigger.ID, duplicate.ID)
	assert.Equal(t, "tag leads (copy)", duplicate.Name)
	assert.Equal(t, models.TriggerStatusDraft, duplicate.Status)

	status, body = env.do(t, http.MethodGet, "/triggers", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.Trigger](t, body), 2)

	status, _ = env.do(t, http.MethodDelete, "/triggers/"+trigger.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = env.do(t, http.MethodGet, "/triggers/"+trigger.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", decode[map[string]any](t, body)["type"])
}

func TestCreateTrigger_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*web.TriggerRequest)
	}{
		{
			name:   "missing name",
			mutate: func(r *web.TriggerRequest) { r.Name = "" },
		},
		{
			name:   "missing event source",
			mutate: func(r *web.TriggerRequest) { r.EventSource = "" },
		},
		{
			name:   "action without type",
			mutate: func(r *web.TriggerRequest) { r.Actions[0].Type = "" },
		},
		{
			name:   "action config rejected by its schema",
			mutate: func(r *web.TriggerRequest) { r.Actions[0].Config = map[string]any{} },
		},
		{
			name: "unknown operator",
			mutate: func(r *web.TriggerRequest) {
				r.Conditions = models.And(models.Where("eventType", models.Operator("resembles"), "x"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestApp(t, nil)

			req := tagTrigger()
			tt.mutate(&req)

			status, body := env.do(t, http.MethodPost, "/triggers", req)

			assert.Equal(t, http.StatusBadRequest, status, string(body))
			assert.Equal(t, "validation_error", decode[map[string]any](t, body)["type"])
		})
	}
}

func TestProcessEvent_RequiresUser(t *testing.T) {
	env := setupTestApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`{"sourceType":"webhook"}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessEvent_Async(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("GenerateID").Return("evt-1")
	bus.On("Publish", mock.Anything, "u1", mock.MatchedBy(func(e events.EventReceived) bool {
		return e.UserID == "u1" && e.Event.EventType == "lead_created"
	})).Return(nil)

	env := setupTestApp(t, bus)

	status, body := env.do(t, http.MethodPost, "/events?async=true", models.Event{
		SourceType: "webhook",
		EventType:  "lead_created",
	})

	assert.Equal(t, http.StatusAccepted, status, string(body))
	assert.Equal(t, "evt-1", decode[map[string]any](t, body)["id"])
	bus.AssertExpectations(t)
}

func TestProcessEvent_AsyncWithoutBus(t *testing.T) {
	env := setupTestApp(t, nil)

	status, _ := env.do(t, http.MethodPost, "/events?async=true", models.Event{SourceType: "webhook"})

	assert.Equal(t, http.StatusBadRequest, status)
}

func replyFlow() web.FlowRequest {
	node := func(id string, nodeType models.NodeType, config map[string]any) models.FlowNode {
		return models.FlowNode{ID: id, Type: nodeType, Data: models.NodeData{Label: id, Config: config}}
	}

	return web.FlowRequest{
		Name: "ask for feedback",
		Nodes: []models.FlowNode{
			node("start", models.NodeStart, nil),
			node("ask", models.NodeWaitForReply, map[string]any{"saveAs": "answer"}),
			node("done", models.NodeEnd, nil),
		},
		Edges: []models.FlowEdge{
			{ID: "e1", Source: "start", Target: "ask"},
			{ID: "e2", Source: "ask", Target: "done", SourceHandle: models.HandleReply},
		},
	}
}

func TestFlowLifecycle(t *testing.T) {
	env := setupTestApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/flows", replyFlow())
	require.Equal(t, http.StatusCreated, status, string(body))

	flow := decode[models.FlowDefinition](t, body)

	status, _ = env.do(t, http.MethodPost, "/flows/"+flow.ID+"/run", web.RunFlowRequest{ContactID: "c1"})
	assert.Equal(t, http.StatusConflict, status, "draft flows cannot run")

	status, body = env.do(t, http.MethodPost, "/flows/"+flow.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	published := decode[models.FlowDefinition](t, body)
	assert.Equal(t, models.FlowStatusPublished, published.Status)
	assert.Equal(t, 1, published.Version)

	status, _ = env.do(t, http.MethodPatch, "/flows/"+flow.ID, replyFlow())
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/flows/"+flow.ID+"/run", web.RunFlowRequest{ContactID: "c1"})
	require.Equal(t, http.StatusCreated, status, string(body))

	instance := decode[models.FlowInstance](t, body)

	status, body = env.do(t, http.MethodGet, "/instances/"+instance.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InstanceWaiting, decode[models.FlowInstance](t, body).Status)

	status, body = env.do(t, http.MethodPost, "/instances/replies", web.ReplyRequest{ContactID: "c1", Text: "great"})
	require.Equal(t, http.StatusOK, status, string(body))

	replies := decode[struct {
		Instances []models.FlowInstance `json:"instances"`
		Runs      []models.DripRun      `json:"runs"`
	}](t, body)
	require.Len(t, replies.Instances, 1)
	assert.Empty(t, replies.Runs)

	status, body = env.do(t, http.MethodGet, "/instances/"+instance.ID, nil)
	require.Equal(t, http.StatusOK, status)

	finished := decode[models.FlowInstance](t, body)
	assert.Equal(t, models.InstanceCompleted, finished.Status)
	assert.Equal(t, "great", finished.Variables["answer"])

	status, _ = env.do(t, http.MethodPost, "/instances/"+instance.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status, "finished instances cannot be cancelled")

	status, body = env.do(t, http.MethodGet, "/flows/"+flow.ID+"/instances", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.FlowInstance](t, body), 1)
}

func TestPublishFlow_InvalidGraph(t *testing.T) {
	env := setupTestApp(t, nil)

	req := replyFlow()
	req.Edges = req.Edges[:1]

	status, body := env.do(t, http.MethodPost, "/flows", req)
	require.Equal(t, http.StatusCreated, status)

	flow := decode[models.FlowDefinition](t, body)

	status, body = env.do(t, http.MethodPost, "/flows/"+flow.ID+"/publish", nil)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, decode[map[string]any](t, body)["detail"], "unreachable")
}

func welcomeCampaign() web.CampaignRequest {
	return web.CampaignRequest{
		Name: "welcome",
		Steps: []models.DripStep{
			{Order: 0, DayOffset: 0, MessageType: models.MessageTypeText, Content: models.MessageContent{Text: "Hi {{contact.name}}"}},
			{Order: 1, DayOffset: 2, MessageType: models.MessageTypeText, Content: models.MessageContent{Text: "Still there?"}},
		},
		Settings: models.CampaignSettings{StopOnConversion: true},
	}
}

func TestCampaignLifecycle(t *testing.T) {
	env := setupTestApp(t, nil)

	status, body := env.do(t, http.MethodPost, "/campaigns", welcomeCampaign())
	require.Equal(t, http.StatusCreated, status, string(body))

	campaign := decode[models.DripCampaign](t, body)
	require.Len(t, campaign.Steps, 2)

	status, _ = env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/enroll", web.EnrollRequest{ContactID: "c1"})
	assert.Equal(t, http.StatusConflict, status, "draft campaigns do not enroll")

	status, _ = env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/enroll", web.EnrollRequest{ContactID: "c1"})
	require.Equal(t, http.StatusCreated, status, string(body))

	run := decode[models.DripRun](t, body)
	assert.Equal(t, models.RunActive, run.Status)

	status, _ = env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/enroll", web.EnrollRequest{ContactID: "c1"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/campaigns/runs/"+run.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.RunPaused, decode[models.DripRun](t, body).Status)

	status, _ = env.do(t, http.MethodPost, "/campaigns/runs/"+run.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/campaigns/conversions", web.ConversionRequest{ContactID: "c1"})
	require.Equal(t, http.StatusOK, status, string(body))
	require.Len(t, decode[[]models.DripRun](t, body), 1)

	status, body = env.do(t, http.MethodGet, "/campaigns/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, status)

	converted := decode[models.DripRun](t, body)
	assert.Equal(t, models.RunExited, converted.Status)
	assert.True(t, converted.Converted)

	status, body = env.do(t, http.MethodGet, "/campaigns/"+campaign.ID, nil)
	require.Equal(t, http.StatusOK, status)

	metrics := decode[models.DripCampaign](t, body).Metrics
	assert.Equal(t, int64(1), metrics.TotalEnrolled)
	assert.Equal(t, int64(0), metrics.ActiveContacts)
	assert.Equal(t, int64(1), metrics.TotalConverted)

	status, body = env.do(t, http.MethodGet, "/campaigns/"+campaign.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]models.DripRun](t, body), 1)
}

func TestRecordDelivery(t *testing.T) {
	env := setupTestApp(t, nil)
	ctx := context.Background()

	status, body := env.do(t, http.MethodPost, "/campaigns", welcomeCampaign())
	require.Equal(t, http.StatusCreated, status)

	campaign := decode[models.DripCampaign](t, body)
	env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/activate", nil)

	status, body = env.do(t, http.MethodPost, "/campaigns/"+campaign.ID+"/enroll", web.EnrollRequest{ContactID: "c1"})
	require.Equal(t, http.StatusCreated, status)

	run := decode[models.DripRun](t, body)

	tests := []struct {
		name     string
		runID    string
		body     web.DeliveryRequest
		expected int
	}{
		{
			name:     "status outside delivered and read",
			runID:    run.ID,
			body:     web.DeliveryRequest{MessageID: "m1", Status: models.StepSent},
			expected: http.StatusBadRequest,
		},
		{
			name:     "missing message id",
			runID:    run.ID,
			body:     web.DeliveryRequest{Status: models.StepDelivered},
			expected: http.StatusBadRequest,
		},
		{
			name:     "unknown message",
			runID:    run.ID,
			body:     web.DeliveryRequest{MessageID: "m-unknown", Status: models.StepDelivered},
			expected: http.StatusNotFound,
		},
		{
			name:     "unknown run",
			runID:    "missing",
			body:     web.DeliveryRequest{MessageID: "m1", Status: models.StepDelivered},
			expected: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/campaigns/runs/"+tt.runID+"/delivery", tt.body)
			assert.Equal(t, tt.expected, status, string(body))
		})
	}

	stored, err := env.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.StepHistory)
}
