package session

import "time"

// chunkLimiter is a token bucket over inbound audio chunks and bytes.
type chunkLimiter struct {
	now          func() time.Time
	cpsRate      int64
	cpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time
}

// newChunkLimiter returns nil when both limits are disabled; a nil limiter
// allows everything.
func newChunkLimiter(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds int) *chunkLimiter {
	if chunksPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &chunkLimiter{
		now:          now,
		cpsRate:      int64(chunksPerSecond),
		bpsRate:      bytesPerSecond,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if l.cpsRate > 0 {
		l.cpsTokens = l.cpsRate * l.burstSeconds
	}
	if l.bpsRate > 0 {
		l.bpsTokens = l.bpsRate * l.burstSeconds
	}
	return l
}

func (l *chunkLimiter) Allow(chunkBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if chunkBytes < 0 {
		chunkBytes = 0
	}
	if l.cpsRate > 0 && l.cpsTokens < 1 {
		return false
	}
	if l.bpsRate > 0 && l.bpsTokens < int64(chunkBytes) {
		return false
	}
	if l.cpsRate > 0 {
		l.cpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= int64(chunkBytes)
	}
	return true
}

func (l *chunkLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.cpsTokens = refillTokens(l.cpsTokens, l.cpsRate, l.burstSeconds, elapsed)
	l.bpsTokens = refillTokens(l.bpsTokens, l.bpsRate, l.burstSeconds, elapsed)
	l.lastRefill = now
}

func refillTokens(tokens, rate, burstSeconds int64, elapsed time.Duration) int64 {
	if rate <= 0 {
		return tokens
	}
	tokens += (elapsed.Nanoseconds() * rate) / int64(time.Second)
	if max := rate * burstSeconds; tokens > max {
		tokens = max
	}
	return tokens
}
