package alert

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/redis"
)

// CooldownStore tracks when each rule last raised alerts.
type CooldownStore interface {
	// Active reports whether configID is still inside a cooldown window at
	// now.
	Active(ctx context.Context, configID string, now time.Time) (bool, error)

	// Acquire starts a cooldown window of length window for configID at
	// now, unless one is already running. It reports whether this call
	// started the window. The check and the write are atomic.
	Acquire(ctx context.Context, configID string, window time.Duration, now time.Time) (bool, error)

	// Reset clears any cooldown for configID.
	Reset(ctx context.Context, configID string) error
}

// MemoryCooldown keeps cooldown windows in process memory.
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
}

var _ CooldownStore = (*MemoryCooldown)(nil)

// NewMemoryCooldown returns an empty MemoryCooldown.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{until: make(map[string]time.Time)}
}

// Active implements [CooldownStore].
func (m *MemoryCooldown) Active(_ context.Context, configID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[configID]
	return ok && now.Before(until), nil
}

// Acquire implements [CooldownStore].
func (m *MemoryCooldown) Acquire(_ context.Context, configID string, window time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.until[configID]; ok && now.Before(until) {
		return false, nil
	}
	m.until[configID] = now.Add(window)
	return true, nil
}

// Reset implements [CooldownStore].
func (m *MemoryCooldown) Reset(_ context.Context, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, configID)
	return nil
}

// RedisCooldown keeps cooldown windows in Redis as keys that expire with
// the window, so cooldowns survive restarts and are shared between
// processes. Expiry follows the Redis server clock.
type RedisCooldown struct {
	client *redis.Client
}

var _ CooldownStore = (*RedisCooldown)(nil)

// NewRedisCooldown returns a cooldown store backed by client.
func NewRedisCooldown(client *redis.Client) *RedisCooldown {
	return &RedisCooldown{client: client}
}

func (r *RedisCooldown) key(configID string) string {
	return r.client.Key("alert", "cooldown", configID)
}

// Active implements [CooldownStore].
func (r *RedisCooldown) Active(ctx context.Context, configID string, _ time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(configID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Acquire implements [CooldownStore] with SET NX PX.
func (r *RedisCooldown) Acquire(ctx context.Context, configID string, window time.Duration, now time.Time) (bool, error) {
	return r.client.SetNX(ctx, r.key(configID), strconv.FormatInt(now.UnixMilli(), 10), window)
}

// Reset implements [CooldownStore].
func (r *RedisCooldown) Reset(ctx context.Context, configID string) error {
	_, err := r.client.Del(ctx, r.key(configID))
	return err
}
