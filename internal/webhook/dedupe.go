package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker remembers webhook events that were fully processed so redeliveries
// can be acknowledged without touching the database. The store's unique
// (provider, external_event_id) index remains authoritative.
type Marker interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider, eventID string) error
}

const defaultMarkerTTL = 7 * 24 * time.Hour

// RedisMarker is a Marker backed by Redis keys with a TTL.
type RedisMarker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisMarker returns a RedisMarker. A zero ttl keeps markers for a week.
func NewRedisMarker(client redis.Cmdable, ttl time.Duration) *RedisMarker {
	if ttl <= 0 {
		ttl = defaultMarkerTTL
	}
	return &RedisMarker{client: client, ttl: ttl}
}

func markerKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:processed:%s:%s", provider, eventID)
}

func (m *RedisMarker) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := m.client.Exists(ctx, markerKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: redis exists: %w", err)
	}
	return n > 0, nil
}

func (m *RedisMarker) Mark(ctx context.Context, provider, eventID string) error {
	if err := m.client.Set(ctx, markerKey(provider, eventID), "1", m.ttl).Err(); err != nil {
		return fmt.Errorf("webhook: redis set: %w", err)
	}
	return nil
}
