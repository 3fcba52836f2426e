// Package drip provides the enroll_drip and unenroll_drip actions.
package drip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
)

// Action enrolls or unenrolls the event's contact.
type Action struct {
	actionType models.ActionType
	enroller   protocol.DripEnroller
}

func NewEnroll(enroller protocol.DripEnroller) *Action {
	return &Action{actionType: models.ActionEnrollDrip, enroller: enroller}
}

func NewUnenroll(enroller protocol.DripEnroller) *Action {
	return &Action{actionType: models.ActionUnenrollDrip, enroller: enroller}
}

func (a *Action) Type() models.ActionType {
	return a.actionType
}

func (*Action) Schema() map[string]any {
	return schema.Object(map[string]any{
		"campaignId": schema.String("Drip campaign"),
	}, "campaignId")
}

func (a *Action) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.DripConfig](config)
	if err != nil {
		return nil, err
	}

	if req.ContactID == "" {
		return nil, actions.ErrNoContact
	}

	var run *models.DripRun

	if a.actionType == models.ActionUnenrollDrip {
		run, err = a.enroller.Unenroll(ctx, cfg.CampaignID, req.ContactID)
	} else {
		run, err = a.enroller.Enroll(ctx, cfg.CampaignID, req.ContactID)
	}

	if err != nil {
		return nil, fmt.Errorf("%s of contact %s in campaign %s failed: %w", a.actionType, req.ContactID, cfg.CampaignID, err)
	}

	logger.InfoContext(ctx, "drip run updated", "campaign_id", cfg.CampaignID, "run_id", run.ID, "status", run.Status)

	return map[string]any{"runId": run.ID, "status": string(run.Status)}, nil
}
