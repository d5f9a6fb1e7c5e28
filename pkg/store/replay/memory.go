// Package replay records claim nonces so a captured claim cannot be
// replayed within the nonce TTL.
package replay

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a nonce is remembered when the caller passes no TTL.
const DefaultTTL = 10 * time.Minute

// Memory is a process-local nonce store. Expired entries are evicted
// inline on Remember. It does not coordinate across gateway instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), now: time.Now}
}

// Remember reports whether nonce is fresh for deviceID, recording it if so.
func (m *Memory) Remember(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := Key(deviceID, nonce)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.cleanup(now)
	if _, seen := m.entries[key]; seen {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of unexpired entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup(m.now())
	return len(m.entries)
}

// cleanup must be called with mu held.
func (m *Memory) cleanup(now time.Time) {
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
}

// Key is the storage key for a device nonce. Hex case is folded so the
// same nonce bytes always map to one key.
func Key(deviceID, nonce string) string {
	return "claim_nonce:" + deviceID + ":" + strings.ToLower(nonce)
}
