package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

func versionKey(flowID string, version int) string {
	return fmt.Sprintf("%s@%d", flowID, version)
}

func (s *Store) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	stored, err := copyOf(flow)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		if existing, ok := data.Flows[flow.ID]; ok {
			stored.Counters = existing.Counters
		}

		data.Flows[flow.ID] = stored

		return nil
	})
}

func (s *Store) Flow(_ context.Context, id string) (*models.FlowDefinition, error) {
	var out *models.FlowDefinition

	s.read(func(data *Snapshot) {
		out = clone(data.Flows[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Flow", "flow", id)
	}

	return out, nil
}

func (s *Store) Flows(_ context.Context, userID string) ([]*models.FlowDefinition, error) {
	var out []*models.FlowDefinition

	s.read(func(data *Snapshot) {
		for _, f := range data.Flows {
			if userID == "" || f.UserID == userID {
				out = append(out, clone(f))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.FlowDefinition) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return out, nil
}

func (s *Store) DeleteFlow(_ context.Context, id string) error {
	return s.mutate(func(data *Snapshot) error {
		if _, ok := data.Flows[id]; !ok {
			return persistence.NotFound("DeleteFlow", "flow", id)
		}

		delete(data.Flows, id)

		return nil
	})
}

func (s *Store) SaveFlowVersion(_ context.Context, version *models.FlowVersion) error {
	stored, err := copyOf(version)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		key := versionKey(version.FlowID, version.Version)
		if _, ok := data.FlowVersions[key]; ok {
			return persistence.NewEntityError("SaveFlowVersion", "flow version", key, persistence.ErrAlreadyExists)
		}

		data.FlowVersions[key] = stored

		return nil
	})
}

func (s *Store) FlowVersion(_ context.Context, flowID string, version int) (*models.FlowVersion, error) {
	var out *models.FlowVersion

	s.read(func(data *Snapshot) {
		out = clone(data.FlowVersions[versionKey(flowID, version)])
	})

	if out == nil {
		return nil, persistence.NotFound("FlowVersion", "flow version", versionKey(flowID, version))
	}

	return out, nil
}

func (s *Store) AdjustFlowCounters(_ context.Context, flowID string, delta models.FlowCounterDelta) error {
	return s.mutate(func(data *Snapshot) error {
		f, ok := data.Flows[flowID]
		if !ok {
			return persistence.NotFound("AdjustFlowCounters", "flow", flowID)
		}

		f.Counters.Apply(delta)

		return nil
	})
}

func (s *Store) CreateInstance(_ context.Context, instance *models.FlowInstance) error {
	stored, err := copyOf(instance)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		if _, ok := data.Instances[instance.ID]; ok {
			return persistence.NewEntityError("CreateInstance", "flow instance", instance.ID, persistence.ErrAlreadyExists)
		}

		data.Instances[instance.ID] = stored

		return nil
	})
}

func (s *Store) Instance(_ context.Context, id string) (*models.FlowInstance, error) {
	var out *models.FlowInstance

	s.read(func(data *Snapshot) {
		out = clone(data.Instances[id])
	})

	if out == nil {
		return nil, persistence.NotFound("Instance", "flow instance", id)
	}

	return out, nil
}

func (s *Store) UpdateInstance(_ context.Context, instance *models.FlowInstance, expected ...models.InstanceStatus) error {
	stored, err := copyOf(instance)
	if err != nil {
		return err
	}

	return s.mutate(func(data *Snapshot) error {
		current, ok := data.Instances[instance.ID]
		if !ok {
			return persistence.NotFound("UpdateInstance", "flow instance", instance.ID)
		}

		if current.Revision != instance.Revision || len(expected) > 0 && !slices.Contains(expected, current.Status) {
			return persistence.NewEntityError("UpdateInstance", "flow instance", instance.ID, persistence.ErrStatusConflict)
		}

		stored.Revision = current.Revision + 1
		instance.Revision = stored.Revision
		data.Instances[instance.ID] = stored

		return nil
	})
}

func (s *Store) Instances(_ context.Context, flowID string) ([]*models.FlowInstance, error) {
	return s.instancesWhere(0, func(i *models.FlowInstance) bool {
		return i.FlowID == flowID
	}), nil
}

func (s *Store) DueInstances(_ context.Context, now time.Time, limit int) ([]*models.FlowInstance, error) {
	return s.instancesWhere(limit, func(i *models.FlowInstance) bool {
		return i.Status == models.InstanceWaiting && i.WaitingUntil != nil && !i.WaitingUntil.After(now)
	}), nil
}

func (s *Store) WaitingForReply(_ context.Context, contactID string) ([]*models.FlowInstance, error) {
	return s.instancesWhere(0, func(i *models.FlowInstance) bool {
		return i.Status == models.InstanceWaiting && i.WaitingFor == models.WaitingForReply && i.ContactID == contactID
	}), nil
}

func (s *Store) FailedInstances(_ context.Context, limit int) ([]*models.FlowInstance, error) {
	return s.instancesWhere(limit, func(i *models.FlowInstance) bool {
		return i.Status == models.InstanceFailed
	}), nil
}

func (s *Store) instancesWhere(limit int, keep func(*models.FlowInstance) bool) []*models.FlowInstance {
	var out []*models.FlowInstance

	s.read(func(data *Snapshot) {
		for _, i := range data.Instances {
			if keep(i) {
				out = append(out, clone(i))
			}
		}
	})

	slices.SortFunc(out, func(a, b *models.FlowInstance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}
