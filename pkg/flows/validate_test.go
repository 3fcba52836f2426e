package flows_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func problemsOf(t *testing.T, err error) []string {
	t.Helper()

	var validation *services.ValidationError
	require.True(t, errors.As(err, &validation), "expected a validation error, got %v", err)

	return validation.Problems
}

func TestValidate(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name  string
		nodes []models.FlowNode
		edges []models.FlowEdge
		want  []string
	}{
		{
			name: "two start nodes are both named",
			nodes: []models.FlowNode{
				node("s1", models.NodeStart, nil),
				node("s2", models.NodeStart, nil),
				node("end", models.NodeEnd, nil),
			},
			edges: []models.FlowEdge{edge("s1", "end"), edge("s2", "end")},
			want:  []string{"exactly one start node, found 2: s1, s2"},
		},
		{
			name: "unreachable node is named with its label",
			nodes: []models.FlowNode{
				node("start", models.NodeStart, nil),
				node("end", models.NodeEnd, nil),
				{ID: "orphan", Type: models.NodeDelay, Data: models.NodeData{Label: "Lost", Config: map[string]any{"amount": 1}}},
			},
			edges: []models.FlowEdge{edge("start", "end"), edge("orphan", "end")},
			want:  []string{"node orphan (Lost) is unreachable from start"},
		},
		{
			name:  "missing start and end",
			nodes: []models.FlowNode{node("msg", models.NodeMessage, map[string]any{"text": "hi"})},
			want:  []string{"flow has no start node", "flow has no end node"},
		},
		{
			name: "dangling edge",
			nodes: []models.FlowNode{
				node("start", models.NodeStart, nil),
				node("end", models.NodeEnd, nil),
			},
			edges: []models.FlowEdge{edge("start", "end"), edge("start", "ghost")},
			want:  []string{`edge start-ghost: target "ghost" does not exist`},
		},
		{
			name: "unknown node type",
			nodes: []models.FlowNode{
				node("start", models.NodeStart, nil),
				node("ai", "llm_reply", nil),
				node("end", models.NodeEnd, nil),
			},
			edges: []models.FlowEdge{edge("start", "ai"), edge("ai", "end")},
			want:  []string{`node ai: unknown node type "llm_reply"`},
		},
		{
			name: "node config is checked against its schema",
			nodes: []models.FlowNode{
				node("start", models.NodeStart, nil),
				node("msg", models.NodeMessage, map[string]any{"subject": "no text"}),
				node("end", models.NodeEnd, nil),
			},
			edges: []models.FlowEdge{edge("start", "msg"), edge("msg", "end")},
			want:  []string{"node msg"},
		},
		{
			name: "condition node with unknown operator",
			nodes: []models.FlowNode{
				node("start", models.NodeStart, nil),
				node("check", models.NodeCondition, map[string]any{
					"conditions": models.And(models.Where("plan", "looks_like", "pro")),
				}),
				node("end", models.NodeEnd, nil),
			},
			edges: []models.FlowEdge{edge("start", "check"), edge("check", "end")},
			want:  []string{"node check: conditions"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.engine.Validate(&models.FlowDefinition{Nodes: tt.nodes, Edges: tt.edges})
			problems := problemsOf(t, err)

			for _, want := range tt.want {
				assert.True(t, containsSubstring(problems, want), "missing %q in %v", want, problems)
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	env := newEnv(t)

	assert.NoError(t, env.engine.Validate(onboarding()))
}

func TestPublish(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	flow := env.published(t, onboarding())
	assert.Equal(t, models.FlowStatusPublished, flow.Status)
	assert.Equal(t, 1, flow.Version)
	assert.NotNil(t, flow.PublishedAt)

	version, err := env.store.FlowVersion(ctx, flow.ID, 1)
	require.NoError(t, err)
	assert.Len(t, version.Nodes, len(flow.Nodes))

	_, err = env.engine.Publish(ctx, flow.ID)
	assert.True(t, services.IsConflictError(err))

	unpublished, err := env.engine.Unpublish(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusDraft, unpublished.Status)

	republished, err := env.engine.Publish(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, republished.Version)
}

func TestPublish_InvalidLeavesDraft(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	created, err := env.service.Create(ctx, &models.FlowDefinition{
		UserID: "u1",
		Name:   "broken",
		Nodes: []models.FlowNode{
			node("s1", models.NodeStart, nil),
			node("s2", models.NodeStart, nil),
		},
	})
	require.NoError(t, err)

	_, err = env.engine.Publish(ctx, created.ID)
	require.True(t, services.IsValidationError(err))

	stored, err := env.store.Flow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusDraft, stored.Status)
	assert.Equal(t, 0, stored.Version)

	_, err = env.store.FlowVersion(ctx, created.ID, 1)
	assert.True(t, services.IsNotFound(err))
}

func containsSubstring(items []string, sub string) bool {
	for _, item := range items {
		if strings.Contains(item, sub) {
			return true
		}
	}

	return false
}
