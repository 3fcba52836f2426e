package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Memory is a process-local Leaser. It only protects workers sharing the process.
type Memory struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{clock: clock, leases: map[string]memoryEntry{}}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if current, ok := m.leases[key]; ok && now.Before(current.expires) {
		return nil, ErrHeld
	}

	entry := memoryEntry{token: uuid.NewString(), expires: now.Add(ttl)}
	m.leases[key] = entry

	return &memoryLease{owner: m, key: key, token: entry.token}, nil
}

type memoryLease struct {
	owner *Memory
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	if current, ok := l.owner.leases[l.key]; ok && current.token == l.token {
		delete(l.owner.leases, l.key)
	}

	return nil
}
