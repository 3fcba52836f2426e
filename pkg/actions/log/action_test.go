package log_action

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogAction(t *testing.T) {
	action := NewLogAction()
	assert.Equal(t, models.ActionLog, action.Type())
	assert.NotNil(t, action.Schema())
}

func TestLogAction_Execute(t *testing.T) {
	tests := []struct {
		name          string
		config        map[string]any
		record        map[string]any
		expectedMsg   string
		expectedLevel string
	}{
		{
			name:          "simple message",
			config:        map[string]any{"message": "Hello, World!"},
			expectedMsg:   "Hello, World!",
			expectedLevel: "info",
		},
		{
			name:          "message with debug level",
			config:        map[string]any{"message": "Debug message", "level": "debug"},
			expectedMsg:   "Debug message",
			expectedLevel: "debug",
		},
		{
			name:          "warning alias",
			config:        map[string]any{"message": "careful", "level": "warning"},
			expectedMsg:   "careful",
			expectedLevel: "warn",
		},
		{
			name:          "message with templating",
			config:        map[string]any{"message": "lead {{event.name}} from {{sourceType}}"},
			record:        map[string]any{"name": "Ana", "sourceType": "webhook"},
			expectedMsg:   "lead Ana from webhook",
			expectedLevel: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			result, err := NewLogAction().Execute(context.Background(), tt.config, protocol.ActionRequest{Record: tt.record}, logger)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedMsg, result["message"])
			assert.Equal(t, tt.expectedLevel, result["level"])
			assert.Contains(t, buf.String(), tt.expectedMsg)
		})
	}
}
