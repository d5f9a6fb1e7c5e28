// Package ratelimit holds in-memory, per-key token buckets and stream
// concurrency caps. State is process-local.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// PerMinute and Burst shape the token bucket. Either at zero disables it.
	PerMinute float64
	Burst     int

	// MaxConcurrentStreams caps open streams per key. Zero disables it.
	MaxConcurrentStreams int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*keyLimiter
}

type keyLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	streamSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	perSecond float64
	capacity  float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*keyLimiter),
	}
}

// KeyFromIP buckets a client address.
func KeyFromIP(ip string) string {
	return "ip_" + ip
}

// KeyFromDevice buckets a device id. Device ids are public, so they are
// used as-is.
func KeyFromDevice(deviceID string) string {
	return "dev_" + deviceID
}

// KeyFromSecret buckets a credential without keeping it in memory.
func KeyFromSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	if key == "" {
		key = "anonymous"
	}

	kl := l.getOrCreate(key, now)
	kl.touch(now)

	if l.cfg.PerMinute > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := kl.allowToken(now, l.cfg.PerMinute/60, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	return Decision{Allowed: true}
}

// AcquireStream reserves one stream slot for key. The permit must be
// released when the stream ends.
func (l *Limiter) AcquireStream(key string, now time.Time) Decision {
	if l == nil || l.cfg.MaxConcurrentStreams <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if key == "" {
		key = "anonymous"
	}

	kl := l.getOrCreate(key, now)
	kl.touch(now)

	select {
	case kl.streamSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-kl.streamSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(key string, now time.Time) *keyLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if kl, ok := l.m[key]; ok {
		return kl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.streamSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	kl := &keyLimiter{
		streamSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentStreams)),
		lastSeen:  now,
	}
	l.m[key] = kl
	return kl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.seen()) > ttl && len(v.streamSem) == 0 {
			delete(l.m, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (kl *keyLimiter) touch(now time.Time) {
	kl.mu.Lock()
	kl.lastSeen = now
	kl.mu.Unlock()
}

func (kl *keyLimiter) seen() time.Time {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return kl.lastSeen
}

func (kl *keyLimiter) allowToken(now time.Time, perSecond float64, burst int) (bool, int) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	capacity := float64(burst)
	if kl.tb.capacity == 0 {
		kl.tb = tokenBucket{
			perSecond: perSecond,
			capacity:  capacity,
			tokens:    capacity,
			last:      now,
		}
	}
	kl.tb.perSecond = perSecond
	kl.tb.capacity = capacity

	elapsed := now.Sub(kl.tb.last).Seconds()
	if elapsed > 0 {
		kl.tb.tokens = math.Min(kl.tb.capacity, kl.tb.tokens+(elapsed*kl.tb.perSecond))
		kl.tb.last = now
	}

	if kl.tb.tokens >= 1.0 {
		kl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - kl.tb.tokens
	retryAfter := int(math.Ceil(needed / kl.tb.perSecond))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
