// Package children stores child profiles consulted by the claim flow.
package children

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-toy/pkg/core/pairing"
)

// Memory is an in-process child store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]pairing.ChildProfile
	now      func() time.Time
}

func NewMemory(seed ...pairing.ChildProfile) *Memory {
	m := &Memory{profiles: make(map[string]pairing.ChildProfile), now: time.Now}
	for _, p := range seed {
		m.Put(p)
	}
	return m
}

// Put inserts or replaces a profile.
func (m *Memory) Put(p pairing.ChildProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.profiles[p.ID] = p
}

func (m *Memory) LookupChild(ctx context.Context, childID string) (pairing.ChildProfile, error) {
	if err := ctx.Err(); err != nil {
		return pairing.ChildProfile{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[childID]
	if !ok {
		return pairing.ChildProfile{}, pairing.ErrChildNotFound
	}
	return p, nil
}

// RegisterChild creates the profile unless one with the same id exists, in
// which case the existing profile is returned unchanged.
func (m *Memory) RegisterChild(ctx context.Context, p pairing.ChildProfile) (pairing.ChildProfile, error) {
	if err := ctx.Err(); err != nil {
		return pairing.ChildProfile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[p.ID]; ok {
		return existing, nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.profiles[p.ID] = p
	return p, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles)
}
