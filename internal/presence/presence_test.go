package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"messenger/internal/models"
)

func TestMemoryStore_DefaultOffline(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	info := s.GetStatus(context.Background(), uuid.New())
	if info.Status != models.StatusOffline {
		t.Errorf("GetStatus() for unknown user = %v, want offline", info.Status)
	}
	if info.LastSeen != nil {
		t.Errorf("GetStatus() LastSeen = %v, want nil", info.LastSeen)
	}
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	id := uuid.New()
	if err := s.SetStatus(context.Background(), id, models.StatusBusy); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	info := s.GetStatus(context.Background(), id)
	if info.Status != models.StatusBusy {
		t.Errorf("GetStatus() = %v, want busy", info.Status)
	}
	if info.LastSeen == nil {
		t.Error("GetStatus() LastSeen = nil, want set")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	id := uuid.New()
	_ = s.SetStatus(context.Background(), id, models.StatusOnline)

	now = now.Add(2 * time.Minute)
	info := s.GetStatus(context.Background(), id)
	if info.Status != models.StatusOffline {
		t.Errorf("GetStatus() after TTL = %v, want offline", info.Status)
	}
}

func TestMemoryStore_SetOffline(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	id := uuid.New()
	_ = s.SetStatus(context.Background(), id, models.StatusOnline)
	if err := s.SetOffline(context.Background(), id); err != nil {
		t.Fatalf("SetOffline() error: %v", err)
	}
	// Explicit disconnect flips immediately, no TTL wait.
	info := s.GetStatus(context.Background(), id)
	if info.Status != models.StatusOffline {
		t.Errorf("GetStatus() after SetOffline = %v, want offline", info.Status)
	}
	if info.LastSeen == nil {
		t.Error("GetStatus() LastSeen lost on SetOffline")
	}
}

func TestMemoryStore_GetBulk(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	online := uuid.New()
	away := uuid.New()
	unknown := uuid.New()
	_ = s.SetStatus(context.Background(), online, models.StatusOnline)
	_ = s.SetStatus(context.Background(), away, models.StatusAway)

	got := s.GetBulk(context.Background(), []uuid.UUID{online, away, unknown})
	if len(got) != 3 {
		t.Fatalf("GetBulk() returned %d entries, want 3", len(got))
	}
	if got[online].Status != models.StatusOnline {
		t.Errorf("GetBulk()[online] = %v, want online", got[online].Status)
	}
	if got[away].Status != models.StatusAway {
		t.Errorf("GetBulk()[away] = %v, want away", got[away].Status)
	}
	if got[unknown].Status != models.StatusOffline {
		t.Errorf("GetBulk()[unknown] = %v, want offline", got[unknown].Status)
	}
	if got[unknown].LastSeen != nil {
		t.Errorf("GetBulk()[unknown].LastSeen = %v, want nil", got[unknown].LastSeen)
	}
}

func TestMemoryStore_GetBulk_Empty(t *testing.T) {
	s := NewMemoryStore(5 * time.Minute)
	got := s.GetBulk(context.Background(), nil)
	if len(got) != 0 {
		t.Errorf("GetBulk(nil) returned %d entries, want 0", len(got))
	}
}
