package memory

import (
	"context"
	"slices"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

func (s *Store) SaveCampaign(_ context.Context, campaign *models.DripCampaign) error {
	stored, err := copyOf(campaign)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		if existing, ok := data.Campaigns[campaign.ID]; ok {
			stored.Metrics = existing.Metrics
		}

		data.Campaigns[campaign.ID] = stored

		return nil
	})
}

func (s *Store) Campaign(_ context.Context, id string) (*models.DripCampaign, error) {
	var out *models.DripCampaign

	s.read(func(data *Snapshot) {
		out = clone(data.Campaigns[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Campaign", "campaign", id)
	}

	return out, nil
}

func (s *Store) Campaigns(_ context.Context, userID string) ([]*models.DripCampaign, error) {
	var out []*models.DripCampaign

	s.read(func(data *Snapshot) {
		for _, c := range data.Campaigns {
			if userID == "" || c.UserID == userID {
				out = append(out, clone(c))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.DripCampaign) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return out, nil
}

func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	return s.mutate(func(data *Snapshot) error {
		if _, ok := data.Campaigns[id]; !ok {
			return persistence.NotFound("DeleteCampaign", "campaign", id)
		}

		delete(data.Campaigns, id)

		return nil
	})
}

func (s *Store) AdjustCampaignMetrics(_ context.Context, id string, delta models.CampaignMetrics) error {
	return s.mutate(func(data *Snapshot) error {
		c, ok := data.Campaigns[id]
		if !ok {
			return persistence.NotFound("AdjustCampaignMetrics", "campaign", id)
		}

		c.Metrics.Apply(delta)

		return nil
	})
}

func (s *Store) CreateRun(_ context.Context, run *models.DripRun) error {
	stored, err := copyOf(run)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		for _, r := range data.Runs {
			if r.CampaignID == run.CampaignID && r.ContactID == run.ContactID {
				return persistence.NewEntityError("CreateRun", "drip run", r.ID, persistence.ErrRunExists)
			}
		}

		data.Runs[run.ID] = stored

		return nil
	})
}

func (s *Store) Run(_ context.Context, id string) (*models.DripRun, error) {
	var out *models.DripRun

	s.read(func(data *Snapshot) {
		out = clone(data.Runs[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Run", "drip run", id)
	}

	return out, nil
}

func (s *Store) RunByContact(_ context.Context, campaignID, contactID string) (*models.DripRun, error) {
	runs := s.runsWhere(1, func(r *models.DripRun) bool {
		return r.CampaignID == campaignID && r.ContactID == contactID
	})

	if len(runs) == 0 {
		return nil, persistence.NotFound("RunByContact", "drip run", campaignID+"/"+contactID)
	}

	return runs[0], nil
}

func (s *Store) UpdateRun(_ context.Context, run *models.DripRun, expected ...models.RunStatus) error {
	stored, err := copyOf(run)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		current, ok := data.Runs[run.ID]
		if !ok {
			return persistence.NotFound("UpdateRun", "drip run", run.ID)
		}

		if current.Revision != run.Revision || len(expected) > 0 && !slices.Contains(expected, current.Status) {
			return persistence.NewEntityError("UpdateRun", "drip run", run.ID, persistence.ErrStatusConflict)
		}

		stored.Revision = current.Revision + 1
		run.Revision = stored.Revision
		data.Runs[run.ID] = stored

		return nil
	})
}

func (s *Store) DueRuns(_ context.Context, now time.Time, limit int) ([]*models.DripRun, error) {
	runs := s.runsWhere(0, func(r *models.DripRun) bool {
		return r.Status == models.RunActive && r.NextStepScheduledAt != nil && !r.NextStepScheduledAt.After(now)
	})

	slices.SortFunc(runs, func(a, b *models.DripRun) int {
		return a.NextStepScheduledAt.Compare(*b.NextStepScheduledAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}

func (s *Store) RunsByContact(_ context.Context, contactID string) ([]*models.DripRun, error) {
	return s.runsWhere(0, func(r *models.DripRun) bool {
		return r.ContactID == contactID
	}), nil
}

func (s *Store) RunsByCampaign(_ context.Context, campaignID string) ([]*models.DripRun, error) {
	return s.runsWhere(0, func(r *models.DripRun) bool {
		return r.CampaignID == campaignID
	}), nil
}

func (s *Store) CountEnrolledSince(_ context.Context, campaignID string, since time.Time) (int, error) {
	runs := s.runsWhere(0, func(r *models.DripRun) bool {
		return r.CampaignID == campaignID && !r.EnrolledAt.Before(since)
	})

	return len(runs), nil
}

func (s *Store) runsWhere(limit int, keep func(*models.DripRun) bool) []*models.DripRun {
	var out []*models.DripRun

	s.read(func(data *Snapshot) {
		for _, r := range data.Runs {
			if keep(r) {
				out = append(out, clone(r))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.DripRun) int {
		return a.EnrolledAt.Compare(b.EnrolledAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}
