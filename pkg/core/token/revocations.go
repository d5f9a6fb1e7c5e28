package token

import (
	"sync"
	"time"
)

// Revocations is an in-memory set of revoked token ids. Entries for tokens
// without an expiry are kept until process exit.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[string]time.Time)}
}

// Revoke marks id as revoked. expiresAt is the token's own expiry; zero
// means the token never expires.
func (r *Revocations) Revoke(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = expiresAt
}

func (r *Revocations) IsRevoked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Cleanup removes entries whose token expired before now and returns how
// many were removed.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, exp := range r.entries {
		if !exp.IsZero() && now.After(exp) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
