package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"messenger/internal/models"
)

// RedisStore keeps presence entries in Redis with a TTL so a crashed
// connection cannot leave a stale "online" behind.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

type entry struct {
	Status   models.Status `json:"status"`
	LastSeen time.Time     `json:"last_seen"`
}

func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return &RedisStore{client: c, ttl: ttl}, nil
}

var _ Store = (*RedisStore)(nil)

func key(userID uuid.UUID) string { return "presence:" + userID.String() }

func (s *RedisStore) set(ctx context.Context, userID uuid.UUID, status models.Status) error {
	b, err := json.Marshal(entry{Status: status, LastSeen: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key(userID), b, s.ttl).Err()
}

func (s *RedisStore) SetStatus(ctx context.Context, userID uuid.UUID, status models.Status) error {
	return s.set(ctx, userID, status)
}

// SetOffline writes an offline entry rather than deleting the key, so the
// last-seen timestamp survives the TTL grace window.
func (s *RedisStore) SetOffline(ctx context.Context, userID uuid.UUID) error {
	return s.set(ctx, userID, models.StatusOffline)
}

func (s *RedisStore) GetStatus(ctx context.Context, userID uuid.UUID) Info {
	res, err := s.client.Get(ctx, key(userID)).Result()
	if err == redis.Nil {
		return offline()
	}
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("presence get")
		return offline()
	}
	return decode([]byte(res))
}

// GetBulk resolves all ids with one MGET. Missing or unreadable entries
// default to offline.
func (s *RedisStore) GetBulk(ctx context.Context, userIDs []uuid.UUID) map[uuid.UUID]Info {
	out := make(map[uuid.UUID]Info, len(userIDs))
	if len(userIDs) == 0 {
		return out
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Int("count", len(userIDs)).Msg("presence mget")
		for _, id := range userIDs {
			out[id] = offline()
		}
		return out
	}
	for i, id := range userIDs {
		if i >= len(vals) || vals[i] == nil {
			out[id] = offline()
			continue
		}
		str, ok := vals[i].(string)
		if !ok {
			out[id] = offline()
			continue
		}
		out[id] = decode([]byte(str))
	}
	return out
}

func (s *RedisStore) Close() error { return s.client.Close() }

func decode(b []byte) Info {
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return offline()
	}
	ls := e.LastSeen
	return Info{Status: e.Status, LastSeen: &ls}
}
