package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultEventTTL is how long a processed event ID is remembered. Stripe
// retries deliveries for up to three days.
const DefaultEventTTL = 72 * time.Hour

// EventLog remembers processor event IDs that were fully processed.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID string) error
}

// MemoryEventLog is an in-process EventLog for single-instance deployments.
type MemoryEventLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryEventLog creates an EventLog that forgets IDs after ttl.
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &MemoryEventLog{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryEventLog) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryEventLog) Record(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	// sweep expired entries while we hold the lock
	for id, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, id)
		}
	}
	m.seen[eventID] = now.Add(m.ttl)
	return nil
}

// RedisEventLog shares processed event IDs across instances.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisEventLog creates an EventLog backed by client.
func NewRedisEventLog(client *redis.Client, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventLog{client: client, ttl: ttl, prefix: "careline:webhook:event:"}
}

func (r *RedisEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisEventLog) Record(ctx context.Context, eventID string) error {
	return r.client.SetNX(ctx, r.prefix+eventID, time.Now().Unix(), r.ttl).Err()
}

// Ping checks the Redis connection.
func (r *RedisEventLog) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
