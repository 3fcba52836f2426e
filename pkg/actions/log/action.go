package log_action

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/template"
)

// LogAction writes a rendered message to the engine log.
type LogAction struct{}

func NewLogAction() *LogAction {
	return &LogAction{}
}

func (*LogAction) Type() models.ActionType {
	return models.ActionLog
}

func (*LogAction) Schema() map[string]any {
	return schema.Object(map[string]any{
		"message": schema.String("The message to log, supports {{path}} placeholders"),
		"level":   schema.Enum("Log level", "debug", "info", "warn", "warning", "error"),
	}, "message")
}

func (a *LogAction) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.LogConfig](config)
	if err != nil {
		return nil, err
	}

	level := parseLevel(cfg.Level)
	message := template.Render(cfg.Message, actions.TemplateData(req.Record, nil))

	logger.Log(ctx, level, message, "action_type", "log", "contact_id", req.ContactID)

	return map[string]any{"message": message, "level": strings.ToLower(level.String())}, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
