package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Flow manages flow definitions. Publishing and instance lifecycle belong to the flow engine.
type Flow struct {
	persistence persistence.Persistence
	clock       clockwork.Clock
}

// NewFlow creates a new flow definition service.
func NewFlow(p persistence.Persistence, clock clockwork.Clock) *Flow {
	return &Flow{persistence: p, clock: clock}
}

func (s *Flow) repo() persistence.FlowRepository {
	return s.persistence.FlowRepository()
}

// Create stores a new draft flow at version 0.
func (s *Flow) Create(ctx context.Context, flow *models.FlowDefinition) (*models.FlowDefinition, error) {
	if err := NewValidationError("CreateFlow", flowProblems(flow)...); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	created := *flow
	created.ID = uuid.NewString()
	created.Status = models.FlowStatusDraft
	created.Version = 0
	created.Counters = models.FlowCounters{}
	created.CreatedAt = now
	created.UpdatedAt = now
	created.PublishedAt = nil

	if err := s.repo().SaveFlow(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	return &created, nil
}

func (s *Flow) Get(ctx context.Context, id string) (*models.FlowDefinition, error) {
	return s.repo().Flow(ctx, id)
}

func (s *Flow) List(ctx context.Context, userID string) ([]*models.FlowDefinition, error) {
	return s.repo().Flows(ctx, userID)
}

// Update replaces the graph and settings of a draft flow.
func (s *Flow) Update(ctx context.Context, id string, input *models.FlowDefinition) (*models.FlowDefinition, error) {
	existing, err := s.repo().Flow(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Status != models.FlowStatusDraft {
		return nil, NewConflictError("UpdateFlow", "flow %s is %s, unpublish it first", id, existing.Status)
	}

	if err := NewValidationError("UpdateFlow", flowProblems(input)...); err != nil {
		return nil, err
	}

	existing.Name = input.Name
	existing.Description = input.Description
	existing.Nodes = input.Nodes
	existing.Edges = input.Edges
	existing.Settings = input.Settings
	existing.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveFlow(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update flow %s: %w", id, err)
	}

	return existing, nil
}

// Delete removes a flow without active instances.
func (s *Flow) Delete(ctx context.Context, id string) error {
	existing, err := s.repo().Flow(ctx, id)
	if err != nil {
		return err
	}

	if existing.Counters.ActiveInstances > 0 {
		return NewConflictError("DeleteFlow", "flow %s has %d active instances", id, existing.Counters.ActiveInstances)
	}

	return s.repo().DeleteFlow(ctx, id)
}

// Duplicate copies the graph as a new draft.
func (s *Flow) Duplicate(ctx context.Context, id string) (*models.FlowDefinition, error) {
	existing, err := s.repo().Flow(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Name += " (copy)"
	existing.Nodes = slices.Clone(existing.Nodes)
	existing.Edges = slices.Clone(existing.Edges)

	return s.Create(ctx, existing)
}

// Archive retires a draft or published flow. Running instances keep walking their version.
func (s *Flow) Archive(ctx context.Context, id string) (*models.FlowDefinition, error) {
	existing, err := s.repo().Flow(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.FlowStatusArchived {
		return nil, NewConflictError("ArchiveFlow", "flow %s is already archived", id)
	}

	existing.Status = models.FlowStatusArchived
	existing.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo().SaveFlow(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to archive flow %s: %w", id, err)
	}

	return existing, nil
}

// Instances lists the instances of a flow.
func (s *Flow) Instances(ctx context.Context, id string) ([]*models.FlowInstance, error) {
	if _, err := s.repo().Flow(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.InstanceRepository().Instances(ctx, id)
}

// Instance returns one flow instance.
func (s *Flow) Instance(ctx context.Context, id string) (*models.FlowInstance, error) {
	return s.persistence.InstanceRepository().Instance(ctx, id)
}

func flowProblems(flow *models.FlowDefinition) []string {
	var problems []string

	if flow.Name == "" {
		problems = append(problems, "name is required")
	}

	ids := map[string]bool{}

	for i, node := range flow.Nodes {
		switch {
		case node.ID == "":
			problems = append(problems, fmt.Sprintf("nodes[%d]: id is required", i))
		case ids[node.ID]:
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate id %q", i, node.ID))
		}

		ids[node.ID] = true

		if node.Type == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: type is required", i))
		}
	}

	if flow.Settings.MaxRetries < 0 {
		problems = append(problems, "settings.maxRetries must not be negative")
	}

	return problems
}
