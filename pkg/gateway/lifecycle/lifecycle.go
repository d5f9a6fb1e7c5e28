// Package lifecycle coordinates draining: while an instance drains it
// admits no new streaming sessions, and sessions older than the drain
// deadline are force-closed.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-toy/pkg/core"
)

const (
	DefaultMaxSessionAge = 900 * time.Second
	MinMaxSessionAge     = 60 * time.Second
)

// Status is a snapshot of the drain state. Fields other than Draining
// describe the current drain, or the last one once it has ended.
type Status struct {
	Draining      bool
	StartedAt     time.Time
	InitiatedBy   string
	Reason        string
	MaxSessionAge time.Duration
	EndedAt       time.Time
	EndedBy       string
	Notes         string
}

// Deadline returns StartedAt+MaxSessionAge while draining.
func (s Status) Deadline() (time.Time, bool) {
	if !s.Draining {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.MaxSessionAge), true
}

// Lifecycle is the per-process drain coordinator. Mutations serialize on
// one lock; CanAcceptNewSessions and IsDraining read an atomic flag and
// never block. A session may still be admitted by a reader that loaded the
// flag just before StartDrain stored it.
type Lifecycle struct {
	draining atomic.Bool

	mu            sync.Mutex
	status        Status
	defaultMaxAge time.Duration
	now           func() time.Time
}

// Options configures New.
type Options struct {
	DefaultMaxSessionAge time.Duration
	Now                  func() time.Time
}

func New(opts Options) *Lifecycle {
	l := &Lifecycle{
		defaultMaxAge: clampMaxAge(opts.DefaultMaxSessionAge),
		now:           opts.Now,
	}
	if opts.DefaultMaxSessionAge <= 0 {
		l.defaultMaxAge = DefaultMaxSessionAge
	}
	return l
}

// StartDrain begins draining. Calling it while already draining changes
// nothing and returns the current status. A zero maxSessionAge selects the
// configured default; values below MinMaxSessionAge are raised to it.
func (l *Lifecycle) StartDrain(initiatedBy, reason string, maxSessionAge time.Duration) Status {
	if l == nil {
		return Status{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status.Draining {
		return l.status
	}
	if maxSessionAge <= 0 {
		maxSessionAge = l.defaultMaxAgeLocked()
	}
	l.status = Status{
		Draining:      true,
		StartedAt:     l.nowLocked(),
		InitiatedBy:   initiatedBy,
		Reason:        reason,
		MaxSessionAge: clampMaxAge(maxSessionAge),
	}
	l.draining.Store(true)
	return l.status
}

// EndDrain returns the instance to active. Ending when not draining is a
// state error and changes nothing.
func (l *Lifecycle) EndDrain(initiatedBy, notes string) (Status, error) {
	if l == nil {
		return Status{}, core.NewStateError("drain coordinator not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.status.Draining {
		return l.status, core.NewStateError("instance is not draining")
	}
	l.status.Draining = false
	l.status.EndedAt = l.nowLocked()
	l.status.EndedBy = initiatedBy
	l.status.Notes = notes
	l.draining.Store(false)
	return l.status, nil
}

// Extend replaces the max session age of the current drain.
func (l *Lifecycle) Extend(maxSessionAge time.Duration) (Status, error) {
	if l == nil {
		return Status{}, core.NewStateError("drain coordinator not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.status.Draining {
		return l.status, core.NewStateError("instance is not draining")
	}
	l.status.MaxSessionAge = clampMaxAge(maxSessionAge)
	return l.status, nil
}

// CanAcceptNewSessions is the admission gate for streaming sessions.
func (l *Lifecycle) CanAcceptNewSessions() bool {
	return !l.IsDraining()
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Status returns a snapshot.
func (l *Lifecycle) Status() Status {
	if l == nil {
		return Status{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Deadline returns when lingering sessions should be force-closed, or false
// when not draining.
func (l *Lifecycle) Deadline() (time.Time, bool) {
	return l.Status().Deadline()
}

func (l *Lifecycle) nowLocked() time.Time {
	if l.now != nil {
		return l.now().UTC()
	}
	return time.Now().UTC()
}

func (l *Lifecycle) defaultMaxAgeLocked() time.Duration {
	if l.defaultMaxAge <= 0 {
		return DefaultMaxSessionAge
	}
	return l.defaultMaxAge
}

func clampMaxAge(d time.Duration) time.Duration {
	if d < MinMaxSessionAge {
		return MinMaxSessionAge
	}
	return d
}
