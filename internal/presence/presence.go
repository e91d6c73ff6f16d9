// Package presence tracks per-user status with TTL expiry. Presence is
// best-effort UX: lookup failures map to offline, never to a more active
// status, and are not propagated.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"messenger/internal/models"
)

// Info is one user's presence snapshot.
type Info struct {
	Status   models.Status `json:"status"`
	LastSeen *time.Time    `json:"last_seen"`
}

// Store is the presence contract. GetBulk must resolve N users with a single
// backend call; enriching a participant list with N individual lookups is
// forbidden.
type Store interface {
	SetStatus(ctx context.Context, userID uuid.UUID, status models.Status) error
	// SetOffline marks the user offline immediately (explicit disconnect)
	// instead of waiting for the TTL to lapse.
	SetOffline(ctx context.Context, userID uuid.UUID) error
	GetStatus(ctx context.Context, userID uuid.UUID) Info
	GetBulk(ctx context.Context, userIDs []uuid.UUID) map[uuid.UUID]Info
}

func offline() Info { return Info{Status: models.StatusOffline} }
