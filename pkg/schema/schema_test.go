package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	s := Object(map[string]any{
		"amount": Integer("delay amount", 1),
		"unit":   Enum("delay unit", "minutes", "hours", "days"),
	}, "amount", "unit")

	tests := []struct {
		name     string
		data     map[string]any
		problems int
	}{
		{"valid", map[string]any{"amount": 2, "unit": "hours"}, 0},
		{"missing required", map[string]any{"amount": 2}, 1},
		{"bad enum and minimum", map[string]any{"amount": 0, "unit": "weeks"}, 2},
		{"nil data", nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := Validate("node delay", s, tt.data)
			require.Len(t, problems, tt.problems)

			for _, p := range problems {
				assert.Contains(t, p, "node delay: ")
			}
		})
	}
}

func TestValidate_NilSchemaAcceptsEverything(t *testing.T) {
	assert.Empty(t, Validate("x", nil, map[string]any{"anything": true}))
}
