// Package sessions tracks the streaming sessions live on this instance.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Handle is what the registry knows about a session. The session's owner
// keeps ownership; the registry only maps ids to handles.
type Handle struct {
	DeviceID  string
	ChildID   string
	StartedAt time.Time
	Cancel    func()
	Warn      func(code, message string) error
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
	}
}

// Start inserts h under sessionID, replacing any existing handle.
func (r *Registry) Start(sessionID string, h Handle) {
	r.insert(sessionID, h)
}

// Register is Start returning a release func that removes this handle only
// if it has not been replaced since. Release is idempotent.
func (r *Registry) Register(sessionID string, h Handle) (release func()) {
	if r == nil {
		return func() {}
	}
	e := r.insert(sessionID, h)
	return func() { r.remove(sessionID, e) }
}

func (r *Registry) insert(sessionID string, h Handle) *entry {
	if r == nil {
		return nil
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[sessionID]
	r.sessions[sessionID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.remove(sessionID, old)
	}
	return e
}

// Stop removes sessionID. Missing ids are ignored.
func (r *Registry) Stop(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.sessions[sessionID]
	r.mu.Unlock()
	r.remove(sessionID, e)
}

func (r *Registry) remove(sessionID string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[sessionID] == e {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the handle for sessionID.
func (r *Registry) Get(sessionID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WarnAll sends a best-effort warning to every session and returns how
// many warn funcs were called.
func (r *Registry) WarnAll(code, message string) (sent int) {
	for _, h := range r.snapshot() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

// CancelAll cancels every session. Sessions deregister themselves as they
// exit; use Wait to observe that.
func (r *Registry) CancelAll() (canceled int) {
	for _, h := range r.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// snapshot copies handles so callbacks run outside the lock.
func (r *Registry) snapshot() []Handle {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.handle)
	}
	return out
}

// Wait blocks until every registered session is removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
