package flows_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/nurture/pkg/contacts"
	"github.com/dukex/nurture/pkg/flows"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/messaging/messagingtest"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence/memory"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/services"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store    *memory.Store
	contacts *contacts.Store
	sender   *messagingtest.Recorder
	service  *services.Flow
	engine   *flows.Engine
	clock    *clockwork.FakeClock
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	people := contacts.NewStore(clock)
	people.Put(&models.Contact{ID: "c1", UserID: "u1", Name: "Ana"})

	sender := messagingtest.NewRecorder()

	dispatcher := jobs.NewLocal(slog.Default(), jobs.Inline())
	engine := flows.NewEngine(slog.Default(), store, flows.Dependencies{
		Contacts: people,
		Tagger:   people,
		Sender:   sender,
	}, dispatcher, flows.WithClock(clock))
	dispatcher.Register(jobs.KindFlowWalk, engine.Walk)

	return &testEnv{
		store:    store,
		contacts: people,
		sender:   sender,
		service:  services.NewFlow(store, clock),
		engine:   engine,
		clock:    clock,
	}
}

func (env *testEnv) published(t *testing.T, flow *models.FlowDefinition) *models.FlowDefinition {
	t.Helper()

	ctx := context.Background()

	if flow.UserID == "" {
		flow.UserID = "u1"
	}

	if flow.Name == "" {
		flow.Name = "test flow"
	}

	created, err := env.service.Create(ctx, flow)
	require.NoError(t, err)

	published, err := env.engine.Publish(ctx, created.ID)
	require.NoError(t, err)

	return published
}

func (env *testEnv) start(t *testing.T, flowID string, variables map[string]any) *models.FlowInstance {
	t.Helper()

	ctx := context.Background()

	started, err := env.engine.Start(ctx, protocol.StartFlowRequest{
		UserID:    "u1",
		FlowID:    flowID,
		ContactID: "c1",
		Variables: variables,
	})
	require.NoError(t, err)

	return env.instance(t, started.ID)
}

func (env *testEnv) instance(t *testing.T, id string) *models.FlowInstance {
	t.Helper()

	instance, err := env.store.Instance(context.Background(), id)
	require.NoError(t, err)

	return instance
}

func (env *testEnv) counters(t *testing.T, flowID string) models.FlowCounters {
	t.Helper()

	flow, err := env.store.Flow(context.Background(), flowID)
	require.NoError(t, err)

	return flow.Counters
}

func node(id string, nodeType models.NodeType, config map[string]any) models.FlowNode {
	return models.FlowNode{ID: id, Type: nodeType, Data: models.NodeData{Label: id, Config: config}}
}

func edge(source, target string) models.FlowEdge {
	return models.FlowEdge{ID: source + "-" + target, Source: source, Target: target}
}

func branch(source, target, handle string) models.FlowEdge {
	e := edge(source, target)
	e.SourceHandle = handle

	return e
}

func visited(instance *models.FlowInstance) []string {
	ids := make([]string, 0, len(instance.NodeHistory))
	for _, entry := range instance.NodeHistory {
		ids = append(ids, entry.NodeID)
	}

	return ids
}

// onboarding greets the contact, tags pro plans, nurtures the others and waits two hours.
func onboarding() *models.FlowDefinition {
	planIsPro := models.And(models.Where("plan", models.OperatorEquals, "pro"))

	return &models.FlowDefinition{
		Name: "onboarding",
		Nodes: []models.FlowNode{
			node("start", models.NodeStart, nil),
			node("greet", models.NodeMessage, map[string]any{"text": "Hi {{contact.name}}"}),
			node("plan", models.NodeSetVariable, map[string]any{"name": "plan", "value": "{{plan_hint}}"}),
			node("check", models.NodeCondition, map[string]any{"conditions": planIsPro}),
			node("vip", models.NodeAddTag, map[string]any{"tag": "vip"}),
			node("nurture", models.NodeTemplate, map[string]any{"templateName": "nurture_1", "params": map[string]any{"plan": "{{plan}}"}}),
			node("wait", models.NodeDelay, map[string]any{"amount": 2, "unit": "hours"}),
			node("done", models.NodeEnd, nil),
		},
		Edges: []models.FlowEdge{
			edge("start", "greet"),
			edge("greet", "plan"),
			edge("plan", "check"),
			branch("check", "vip", models.HandleTrue),
			branch("check", "nurture", models.HandleFalse),
			edge("vip", "wait"),
			edge("nurture", "wait"),
			edge("wait", "done"),
		},
	}
}
