// Package contacts is an in-memory contact store with segment queries.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

// ErrContactNotFound is returned for unknown contacts and contacts of another user.
var ErrContactNotFound = protocol.ErrContactNotFound

type Store struct {
	mu        sync.RWMutex
	contacts  map[string]*models.Contact
	evaluator *conditions.Evaluator
	clock     clockwork.Clock
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		contacts:  map[string]*models.Contact{},
		evaluator: conditions.NewEvaluator(clock),
		clock:     clock,
	}
}

// Load reads a JSON array of contacts from path into the store.
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read contacts file: %w", err)
	}

	var list []*models.Contact
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("failed to decode contacts file: %w", err)
	}

	for _, contact := range list {
		s.Put(contact)
	}

	return nil
}

// Put inserts or replaces a contact.
func (s *Store) Put(contact *models.Contact) {
	c := copyContact(contact)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts[c.ID] = c
}

// Contact returns the contact id of userID. An empty userID matches any owner.
func (s *Store) Contact(_ context.Context, userID, id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || (userID != "" && c.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}

	return copyContact(c), nil
}

// FindBySegment returns the contacts of userID whose record matches group, ordered by id.
func (s *Store) FindBySegment(_ context.Context, userID string, group *models.ConditionGroup) ([]*models.Contact, error) {
	if err := conditions.Validate(group); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Contact

	for _, c := range s.contacts {
		if c.UserID != userID {
			continue
		}

		if s.evaluator.Evaluate(group, c.Record()) {
			out = append(out, copyContact(c))
		}
	}

	slices.SortFunc(out, func(a, b *models.Contact) int {
		return strings.Compare(a.ID, b.ID)
	})

	return out, nil
}

// AddTags adds the missing tags to a contact.
func (s *Store) AddTags(_ context.Context, userID, id string, tags ...string) error {
	return s.update(userID, id, func(c *models.Contact) {
		for _, tag := range tags {
			if !c.HasTag(tag) {
				c.Tags = append(c.Tags, tag)
			}
		}
	})
}

// RemoveTags removes tags from a contact. Missing tags are ignored.
func (s *Store) RemoveTags(_ context.Context, userID, id string, tags ...string) error {
	return s.update(userID, id, func(c *models.Contact) {
		c.Tags = slices.DeleteFunc(c.Tags, func(tag string) bool {
			return slices.Contains(tags, tag)
		})
	})
}

func (s *Store) update(userID, id string, fn func(c *models.Contact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || (userID != "" && c.UserID != userID) {
		return fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}

	fn(c)

	return nil
}

func copyContact(c *models.Contact) *models.Contact {
	out := *c
	out.Tags = slices.Clone(c.Tags)
	out.Attributes = maps.Clone(c.Attributes)

	return &out
}
