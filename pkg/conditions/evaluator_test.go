package conditions

import (
	"fmt"
	"maps"
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(clockwork.NewFakeClockAt(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
}

func sampleRecord() map[string]any {
	return map[string]any{
		"eventType": "lead_created",
		"name":      "Hello World",
		"score":     "10",
		"age":       float64(42),
		"tags":      []any{"vip", "new"},
		"optIn":     true,
		"nothing":   nil,
		"payload": map[string]any{
			"order": map[string]any{"total": 150.5},
			"items": []any{map[string]any{"sku": "A-1"}},
		},
		"lastSeen": "2024-01-05T00:00:00Z",
		"created":  "2024-01-01",
		"future":   "2024-01-11T00:00:00Z",
		"weird":    math.NaN(),
	}
}

func TestEvaluator_Operators(t *testing.T) {
	tests := []struct {
		name     string
		cond     *models.Condition
		expected bool
	}{
		{"equals is case insensitive", models.Where("eventType", models.OperatorEquals, "LEAD_CREATED"), true},
		{"equals numeric string against number", models.Where("score", models.OperatorEquals, 10), true},
		{"equals bool", models.Where("optIn", models.OperatorEquals, true), true},
		{"equals on missing field", models.Where("missing", models.OperatorEquals, "x"), false},
		{"equals nil on missing field", models.Where("missing", models.OperatorEquals, nil), true},
		{"not_equals", models.Where("eventType", models.OperatorNotEquals, "lead_lost"), true},
		{"contains substring", models.Where("name", models.OperatorContains, "WORLD"), true},
		{"contains array member", models.Where("tags", models.OperatorContains, "VIP"), true},
		{"contains on missing field", models.Where("missing", models.OperatorContains, "x"), false},
		{"not_contains on missing field", models.Where("missing", models.OperatorNotContains, "x"), true},
		{"not_contains absent member", models.Where("tags", models.OperatorNotContains, "old"), true},
		{"greater_than coerces strings", models.Where("score", models.OperatorGreaterThan, 5), true},
		{"greater_than on non number", models.Where("name", models.OperatorGreaterThan, 5), false},
		{"greater_than NaN", models.Where("weird", models.OperatorGreaterThan, 0), false},
		{"less_than NaN", models.Where("weird", models.OperatorLessThan, 0), false},
		{"less_than", models.Where("age", models.OperatorLessThan, "50"), true},
		{"in array", models.Where("eventType", models.OperatorIn, []any{"lead_updated", "lead_created"}), true},
		{"in scalar is a single element set", models.Where("eventType", models.OperatorIn, "Lead_Created"), true},
		{"in with array field overlaps", models.Where("tags", models.OperatorIn, []any{"new"}), true},
		{"not_in", models.Where("eventType", models.OperatorNotIn, []any{"a", "b"}), true},
		{"not_in on missing field", models.Where("missing", models.OperatorNotIn, []any{"a"}), true},
		{"exists", models.Where("name", models.OperatorExists, nil), true},
		{"exists on nil value", models.Where("nothing", models.OperatorExists, nil), false},
		{"not_exists", models.Where("missing", models.OperatorNotExists, nil), true},
		{"regex case insensitive", models.Where("name", models.OperatorRegex, "^hello"), true},
		{"malformed regex fails closed", models.Where("name", models.OperatorRegex, "(["), false},
		{"nested path", models.Where("payload.order.total", models.OperatorGreaterThan, 100), true},
		{"array index path", models.Where("payload.items.0.sku", models.OperatorEquals, "a-1"), true},
		{"before", models.Where("created", models.OperatorBefore, "2024-01-02"), true},
		{"after", models.Where("lastSeen", models.OperatorAfter, "2024-01-02T00:00:00Z"), true},
		{"before with bad date", models.Where("created", models.OperatorBefore, "tomorrow"), false},
		{"within_days inside window", models.Where("lastSeen", models.OperatorWithinDays, 7), true},
		{"within_days outside window", models.Where("created", models.OperatorWithinDays, 7), false},
		{"within_days future is outside", models.Where("future", models.OperatorWithinDays, 7), false},
		{"unknown operator", models.Where("name", models.Operator("like"), "x"), false},
	}

	evaluator := newTestEvaluator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group := models.And(tt.cond)
			assert.Equal(t, tt.expected, evaluator.Evaluate(&group, sampleRecord()))
		})
	}
}

func TestEvaluator_EmptyGroupMatches(t *testing.T) {
	evaluator := newTestEvaluator()

	assert.True(t, evaluator.Evaluate(nil, nil))
	assert.True(t, evaluator.Evaluate(&models.ConditionGroup{Logic: models.LogicOr}, sampleRecord()))
}

func TestEvaluator_NestedGroups(t *testing.T) {
	evaluator := newTestEvaluator()

	inner := models.Or(
		models.Where("tags", models.OperatorContains, "missing"),
		models.Where("age", models.OperatorGreaterThan, 40),
	)
	group := models.And(
		models.Where("eventType", models.OperatorEquals, "lead_created"),
		&inner,
	)

	assert.True(t, evaluator.Evaluate(&group, sampleRecord()))

	inner.Items = inner.Items[:1]
	assert.False(t, evaluator.Evaluate(&group, sampleRecord()))
}

func flagGroup(logic models.LogicOperator, bits []bool) (models.ConditionGroup, map[string]any) {
	record := make(map[string]any, len(bits))
	items := make([]models.Rule, 0, len(bits))

	for i, b := range bits {
		field := fmt.Sprintf("flag%d", i)
		record[field] = b
		items = append(items, models.Where(field, models.OperatorEquals, true))
	}

	return models.ConditionGroup{Logic: logic, Items: items}, record
}

func TestEvaluator_AndIsEvery(t *testing.T) {
	evaluator := newTestEvaluator()

	property := func(bits []bool) bool {
		group, record := flagGroup(models.LogicAnd, bits)

		expected := true
		for _, b := range bits {
			expected = expected && b
		}

		return evaluator.Evaluate(&group, record) == expected
	}

	require.NoError(t, quick.Check(property, nil))
}

func TestEvaluator_OrIsSome(t *testing.T) {
	evaluator := newTestEvaluator()

	property := func(bits []bool) bool {
		group, record := flagGroup(models.LogicOr, bits)

		if len(bits) == 0 {
			return evaluator.Evaluate(&group, record)
		}

		expected := false
		for _, b := range bits {
			expected = expected || b
		}

		return evaluator.Evaluate(&group, record) == expected
	}

	require.NoError(t, quick.Check(property, nil))
}

func TestEvaluator_IsPure(t *testing.T) {
	evaluator := newTestEvaluator()

	property := func(bits []bool, useOr bool) bool {
		logic := models.LogicAnd
		if useOr {
			logic = models.LogicOr
		}

		group, record := flagGroup(logic, bits)
		before := maps.Clone(record)

		first := evaluator.Evaluate(&group, record)
		second := evaluator.Evaluate(&group, record)

		return first == second && maps.Equal(before, record)
	}

	require.NoError(t, quick.Check(property, nil))
}

func TestResolve(t *testing.T) {
	record := map[string]any{
		"contact.name": "flat",
		"contact":      map[string]any{"name": "nested", "labels": map[string]string{"tier": "gold"}},
	}

	v, ok := Resolve(record, "contact.name")
	require.True(t, ok)
	assert.Equal(t, "flat", v)

	v, ok = Resolve(record, "contact.labels.tier")
	require.True(t, ok)
	assert.Equal(t, "gold", v)

	_, ok = Resolve(record, "contact.missing.deeper")
	assert.False(t, ok)

	_, ok = Resolve(nil, "x")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	nested := models.Or(models.Where("", models.OperatorEquals, "x"))
	group := models.And(
		models.Where("a", models.OperatorEquals, 1),
		models.Where("b", models.Operator("like"), 1),
		models.Where("c", models.OperatorRegex, "(["),
		models.Where("d", models.OperatorWithinDays, "soon"),
		&nested,
	)

	problems := Problems(&group)
	require.Len(t, problems, 4)
	assert.Contains(t, problems[0], "conditions.items[1]")
	assert.Contains(t, problems[3], "conditions.items[4].items[0]: field is required")

	err := Validate(&group)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCondition)

	ok := models.And(models.Where("a", models.OperatorExists, nil))
	assert.NoError(t, Validate(&ok))
	assert.NoError(t, Validate(nil))
}
