package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Campaign manages drip campaigns. Enrollment and run processing belong to the drip engine.
type Campaign struct {
	persistence persistence.Persistence
	clock       clockwork.Clock
}

// NewCampaign creates a new campaign service.
func NewCampaign(p persistence.Persistence, clock clockwork.Clock) *Campaign {
	return &Campaign{persistence: p, clock: clock}
}

func (s *Campaign) repo() persistence.CampaignRepository {
	return s.persistence.CampaignRepository()
}

// Create stores a new draft campaign. Steps are sorted by order and get ids when missing.
func (s *Campaign) Create(ctx context.Context, campaign *models.DripCampaign) (*models.DripCampaign, error) {
	if err := NewValidationError("CreateCampaign", campaignProblems(campaign)...); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	created := *campaign
	created.ID = uuid.NewString()
	created.Status = models.CampaignDraft
	created.Steps = normalizeSteps(campaign.Steps)
	created.Metrics = models.CampaignMetrics{}
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.repo().SaveCampaign(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	return &created, nil
}

func (s *Campaign) Get(ctx context.Context, id string) (*models.DripCampaign, error) {
	return s.repo().Campaign(ctx, id)
}

func (s *Campaign) List(ctx context.Context, userID string) ([]*models.DripCampaign, error) {
	return s.repo().Campaigns(ctx, userID)
}

// Update replaces steps, settings and schedule of a draft or paused campaign.
func (s *Campaign) Update(ctx context.Context, id string, input *models.DripCampaign) (*models.DripCampaign, error) {
	existing, err := s.repo().Campaign(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Status != models.CampaignDraft && existing.Status != models.CampaignPaused {
		return nil, NewConflictError("UpdateCampaign", "campaign %s is %s", id, existing.Status)
	}

	if err := NewValidationError("UpdateCampaign", campaignProblems(input)...); err != nil {
		return nil, err
	}

	existing.Name = input.Name
	existing.Description = input.Description
	existing.Steps = normalizeSteps(input.Steps)
	existing.Settings = input.Settings
	existing.Schedule = input.Schedule
	existing.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveCampaign(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update campaign %s: %w", id, err)
	}

	return existing, nil
}

// Delete removes a campaign without active contacts.
func (s *Campaign) Delete(ctx context.Context, id string) error {
	existing, err := s.repo().Campaign(ctx, id)
	if err != nil {
		return err
	}

	if existing.Metrics.ActiveContacts > 0 {
		return NewConflictError("DeleteCampaign", "campaign %s has %d active contacts", id, existing.Metrics.ActiveContacts)
	}

	return s.repo().DeleteCampaign(ctx, id)
}

// Activate starts a draft or paused campaign. It needs at least one step.
func (s *Campaign) Activate(ctx context.Context, id string) (*models.DripCampaign, error) {
	return s.transition(ctx, "ActivateCampaign", id, models.CampaignActive, models.CampaignDraft, models.CampaignPaused)
}

// Pause stops the campaign from enrolling and sending. Runs stay active and resume with it.
func (s *Campaign) Pause(ctx context.Context, id string) (*models.DripCampaign, error) {
	return s.transition(ctx, "PauseCampaign", id, models.CampaignPaused, models.CampaignActive)
}

// Archive retires a campaign that is not running.
func (s *Campaign) Archive(ctx context.Context, id string) (*models.DripCampaign, error) {
	return s.transition(ctx, "ArchiveCampaign", id, models.CampaignArchived,
		models.CampaignDraft, models.CampaignPaused, models.CampaignCompleted)
}

// Duplicate copies a campaign as a new draft with fresh metrics.
func (s *Campaign) Duplicate(ctx context.Context, id string) (*models.DripCampaign, error) {
	existing, err := s.repo().Campaign(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Name += " (copy)"
	existing.Steps = slices.Clone(existing.Steps)

	return s.Create(ctx, existing)
}

// Runs lists the runs of a campaign.
func (s *Campaign) Runs(ctx context.Context, id string) ([]*models.DripRun, error) {
	if _, err := s.repo().Campaign(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.RunRepository().RunsByCampaign(ctx, id)
}

func (s *Campaign) Run(ctx context.Context, id string) (*models.DripRun, error) {
	return s.persistence.RunRepository().Run(ctx, id)
}

func (s *Campaign) transition(ctx context.Context, op, id string, to models.CampaignStatus, from ...models.CampaignStatus) (*models.DripCampaign, error) {
	campaign, err := s.repo().Campaign(ctx, id)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(from, campaign.Status) {
		return nil, NewConflictError(op, "campaign %s is %s", id, campaign.Status)
	}

	if to == models.CampaignActive && len(campaign.Steps) == 0 {
		return nil, NewValidationError(op, "campaign has no steps")
	}

	campaign.Status = to
	campaign.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to save campaign %s: %w", id, err)
	}

	return campaign, nil
}

func normalizeSteps(steps []models.DripStep) []models.DripStep {
	out := slices.Clone(steps)
	slices.SortStableFunc(out, func(a, b models.DripStep) int {
		return a.Order - b.Order
	})

	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}

	return out
}

func campaignProblems(campaign *models.DripCampaign) []string {
	var problems []string

	if campaign.Name == "" {
		problems = append(problems, "name is required")
	}

	if campaign.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(campaign.Schedule.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("schedule.timezone: unknown zone %q", campaign.Schedule.Timezone))
		}
	}

	if v := campaign.Schedule.StartTime; v != "" {
		if _, ok := models.ParseTimeOfDay(v); !ok {
			problems = append(problems, fmt.Sprintf("schedule.startTime: invalid time %q", v))
		}
	}

	if campaign.Settings.ReEntryDelayDays < 0 {
		problems = append(problems, "settings.reEntryDelayDays must not be negative")
	}

	if campaign.Settings.MaxContactsPerDay < 0 {
		problems = append(problems, "settings.maxContactsPerDay must not be negative")
	}

	for i, step := range campaign.Steps {
		at := fmt.Sprintf("steps[%d]", i)

		if step.DayOffset < 0 {
			problems = append(problems, at+": dayOffset must not be negative")
		}

		if step.MessageType == "" {
			problems = append(problems, at+": messageType is required")
		}

		if v := step.TimeOfDay; v != "" {
			if _, ok := models.ParseTimeOfDay(v); !ok {
				problems = append(problems, fmt.Sprintf("%s: invalid timeOfDay %q", at, v))
			}
		}

		for _, p := range conditions.Problems(step.Conditions) {
			problems = append(problems, at+": "+p)
		}
	}

	return problems
}
