package channels

import (
	"sync"
	"time"
)

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often idle senders are evicted.
const cleanupInterval = 10 * time.Minute

// rateLimiter allows at most limit messages per sender per minute. A
// limit of zero or less disables it.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:       limit,
		now:         time.Now,
		senderTimes: make(map[string][]time.Time),
	}
}

// allow records a message from sender and reports whether it is
// within the limit.
func (l *rateLimiter) allow(sender string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	now := l.now()
	cutoff := now.Add(-rateWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanupLocked(now)

	timestamps := l.senderTimes[sender]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= l.limit {
		l.senderTimes[sender] = valid
		return false
	}
	l.senderTimes[sender] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts senders with no recent messages. l.mu
// must be held.
func (l *rateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, ts := range l.senderTimes {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(l.senderTimes, sender)
		}
	}
}
