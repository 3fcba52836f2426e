// Package memory provides an in-process persistence implementation. Every read returns a copy
// and every mutation happens under one lock, so find-and-update calls are atomic.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
)

// Snapshot is the full content of a Store.
type Snapshot struct {
	Triggers     map[string]*models.Trigger          `json:"triggers"`
	Executions   map[string]*models.TriggerExecution `json:"executions"`
	Events       map[string]*models.RealTimeEvent    `json:"events"`
	Flows        map[string]*models.FlowDefinition   `json:"flows"`
	FlowVersions map[string]*models.FlowVersion      `json:"flowVersions"`
	Instances    map[string]*models.FlowInstance     `json:"instances"`
	Campaigns    map[string]*models.DripCampaign     `json:"campaigns"`
	Runs         map[string]*models.DripRun          `json:"runs"`
}

// CommitFunc is called with the store content after every mutation, still under the lock.
// A non-nil error is returned to the caller of the mutation.
type CommitFunc func(snapshot *Snapshot) error

// Store implements persistence.Persistence and every repository interface.
type Store struct {
	mu     sync.RWMutex
	data   *Snapshot
	commit CommitFunc
}

type Option func(*Store)

// WithCommit registers a hook run after each mutation.
func WithCommit(fn CommitFunc) Option {
	return func(s *Store) {
		s.commit = fn
	}
}

// WithSnapshot seeds the store.
func WithSnapshot(snapshot *Snapshot) Option {
	return func(s *Store) {
		if snapshot != nil {
			s.data = snapshot
			s.data.ensure()
		}
	}
}

func NewStore(opts ...Option) *Store {
	store := &Store{data: &Snapshot{}}
	store.data.ensure()

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Snapshot) ensure() {
	if s.Triggers == nil {
		s.Triggers = map[string]*models.Trigger{}
	}

	if s.Executions == nil {
		s.Executions = map[string]*models.TriggerExecution{}
	}

	if s.Events == nil {
		s.Events = map[string]*models.RealTimeEvent{}
	}

	if s.Flows == nil {
		s.Flows = map[string]*models.FlowDefinition{}
	}

	if s.FlowVersions == nil {
		s.FlowVersions = map[string]*models.FlowVersion{}
	}

	if s.Instances == nil {
		s.Instances = map[string]*models.FlowInstance{}
	}

	if s.Campaigns == nil {
		s.Campaigns = map[string]*models.DripCampaign{}
	}

	if s.Runs == nil {
		s.Runs = map[string]*models.DripRun{}
	}
}

func (s *Store) TriggerRepository() persistence.TriggerRepository   { return s }
func (s *Store) EventRepository() persistence.EventRepository       { return s }
func (s *Store) FlowRepository() persistence.FlowRepository         { return s }
func (s *Store) InstanceRepository() persistence.InstanceRepository { return s }
func (s *Store) CampaignRepository() persistence.CampaignRepository { return s }
func (s *Store) RunRepository() persistence.RunRepository           { return s }

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

// mutate runs fn under the write lock and commits on success.
func (s *Store) mutate(fn func(data *Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.data); err != nil {
		return err
	}

	if s.commit != nil {
		return s.commit(s.data)
	}

	return nil
}

func (s *Store) read(fn func(data *Snapshot)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fn(s.data)
}

// copyOf deep copies v through its JSON form, which is the form every backend persists.
func copyOf[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}

	return out, nil
}

// clone copies a stored value. Stored values already survived copyOf on the way in.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}

	out, err := copyOf(v)
	if err != nil {
		panic("memory: " + err.Error())
	}

	return out
}
