package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"messenger/internal/models"
)

// MemoryStore is an in-process Store for tests and single-node development
// without Redis. Entries past the TTL read as offline.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uuid.UUID]memEntry
	now     func() time.Time
}

type memEntry struct {
	status  models.Status
	touched time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[uuid.UUID]memEntry), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

// SetClock replaces the time source. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) SetStatus(ctx context.Context, userID uuid.UUID, status models.Status) error {
	s.mu.Lock()
	s.entries[userID] = memEntry{status: status, touched: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetOffline(ctx context.Context, userID uuid.UUID) error {
	return s.SetStatus(ctx, userID, models.StatusOffline)
}

func (s *MemoryStore) GetStatus(ctx context.Context, userID uuid.UUID) Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(userID)
}

func (s *MemoryStore) GetBulk(ctx context.Context, userIDs []uuid.UUID) map[uuid.UUID]Info {
	out := make(map[uuid.UUID]Info, len(userIDs))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range userIDs {
		out[id] = s.lookupLocked(id)
	}
	return out
}

func (s *MemoryStore) lookupLocked(userID uuid.UUID) Info {
	e, ok := s.entries[userID]
	if !ok {
		return offline()
	}
	if s.now().Sub(e.touched) > s.ttl {
		return offline()
	}
	ls := e.touched
	return Info{Status: e.status, LastSeen: &ls}
}
