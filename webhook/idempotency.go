package webhook

import (
	"context"
	"sync"
	"time"
)

// DeliveryStore records webhook delivery IDs already processed, distinct
// from the DQS's WorkItem-level dedup set: a single delivery can yield
// zero, one, or several work items (check_suite events fan out per
// associated PR), and a delivery retried by the platform after a 5xx must
// not be normalized twice even if it would enqueue nothing at all.
type DeliveryStore interface {
	// Seen marks deliveryID as processed and reports whether it had
	// already been seen (atomic test-and-set).
	Seen(ctx context.Context, deliveryID string, ttl time.Duration) (alreadySeen bool, err error)
}

// Backend is the subset of a keyed store DeliveryStore needs. Implemented
// by a thin Redis adapter at wiring time; MemoryDeliveryStore below needs
// none of it.
type Backend interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDeliveryStore is an in-process fallback (and what tests use),
// narrowed to a single map of first-seen timestamps since this store
// never needs to replay a cached HTTP response, only answer "have I
// seen this."
type MemoryDeliveryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{seen: make(map[string]time.Time)}
}

func (m *MemoryDeliveryStore) Seen(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiresAt, ok := m.seen[deliveryID]; ok && time.Now().Before(expiresAt) {
		return true, nil
	}
	m.seen[deliveryID] = time.Now().Add(ttl)
	return false, nil
}

// RedisDeliveryStore backs DeliveryStore with a Redis SETNX-with-TTL,
// shared across every process handling webhooks.
type RedisDeliveryStore struct {
	backend Backend
	prefix  string
}

func NewRedisDeliveryStore(backend Backend, namespace string) *RedisDeliveryStore {
	return &RedisDeliveryStore{backend: backend, prefix: namespace + ":delivery:"}
}

func (r *RedisDeliveryStore) Seen(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	didSet, err := r.backend.SetNX(ctx, r.prefix+deliveryID, ttl)
	if err != nil {
		return false, err
	}
	return !didSet, nil
}
