package flows

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/services"
)

// Publish validates a draft flow, bumps its version and stores the immutable snapshot that new
// instances walk. An invalid graph leaves the flow untouched.
func (e *Engine) Publish(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	flow, err := e.flows().Flow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.Status != models.FlowStatusDraft {
		return nil, services.NewConflictError("PublishFlow", "flow %s is %s", flowID, flow.Status)
	}

	if err := services.NewValidationError("PublishFlow", e.problems(flow.Nodes, flow.Edges)...); err != nil {
		return nil, err
	}

	now := e.now()

	version := &models.FlowVersion{
		FlowID:      flow.ID,
		Version:     flow.Version + 1,
		Nodes:       slices.Clone(flow.Nodes),
		Edges:       slices.Clone(flow.Edges),
		Settings:    flow.Settings,
		PublishedAt: now,
	}

	if err := e.flows().SaveFlowVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to save flow %s version %d: %w", flow.ID, version.Version, err)
	}

	flow.Version = version.Version
	flow.Status = models.FlowStatusPublished
	flow.PublishedAt = &now
	flow.UpdatedAt = now

	if err := e.flows().SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to publish flow %s: %w", flow.ID, err)
	}

	e.logger.InfoContext(ctx, "flow published", "flow_id", flow.ID, "version", flow.Version)

	return flow, nil
}

// Unpublish returns a published flow to draft. Running instances keep walking their version.
func (e *Engine) Unpublish(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	flow, err := e.flows().Flow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.Status != models.FlowStatusPublished {
		return nil, services.NewConflictError("UnpublishFlow", "flow %s is %s", flowID, flow.Status)
	}

	flow.Status = models.FlowStatusDraft
	flow.UpdatedAt = e.now()

	if err := e.flows().SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to unpublish flow %s: %w", flow.ID, err)
	}

	return flow, nil
}
