// Package flow provides the start_flow action.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/template"
)

// StartFlow starts a flow instance for the event's contact.
type StartFlow struct {
	starter protocol.FlowStarter
}

func NewStartFlow(starter protocol.FlowStarter) *StartFlow {
	return &StartFlow{starter: starter}
}

func (*StartFlow) Type() models.ActionType {
	return models.ActionStartFlow
}

func (*StartFlow) Schema() map[string]any {
	return schema.Object(map[string]any{
		"flowId":    schema.String("Published flow to start"),
		"variables": schema.Schema{"type": "object", "description": "Initial variables, string values support {{path}} placeholders"},
	}, "flowId")
}

func (a *StartFlow) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.StartFlowConfig](config)
	if err != nil {
		return nil, err
	}

	if req.ContactID == "" {
		return nil, actions.ErrNoContact
	}

	variables := map[string]any{}
	if cfg.Variables != nil {
		variables, _ = template.RenderValue(cfg.Variables, actions.TemplateData(req.Record, nil)).(map[string]any)
	}

	instance, err := a.starter.Start(ctx, protocol.StartFlowRequest{
		UserID:    req.UserID,
		FlowID:    cfg.FlowID,
		ContactID: req.ContactID,
		Variables: variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start flow %s: %w", cfg.FlowID, err)
	}

	logger.InfoContext(ctx, "flow started", "flow_id", cfg.FlowID, "instance_id", instance.ID)

	return map[string]any{"instanceId": instance.ID}, nil
}
