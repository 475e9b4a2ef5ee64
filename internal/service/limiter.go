package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ownerLimiter rate limits run creation per owner.
type ownerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ownerBucket
	every    rate.Limit
	burst    int
	now      func() time.Time

	// refill is how long an unused bucket takes to fill up again.
	refill time.Duration
}

type ownerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	l := &ownerLimiter{limiters: make(map[string]*ownerBucket), burst: burst, now: time.Now}
	if l.burst <= 0 {
		l.burst = 1
	}
	if perMinute <= 0 {
		l.every = rate.Inf
	} else {
		interval := time.Minute / time.Duration(perMinute)
		l.every = rate.Every(interval)
		l.refill = interval * time.Duration(l.burst)
	}
	return l
}

func (l *ownerLimiter) Allow(ownerID string) bool {
	l.mu.Lock()
	now := l.now()
	b, ok := l.limiters[ownerID]
	if !ok {
		b = &ownerBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limiters[ownerID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// prune drops buckets that have been idle long enough to be full again, which
// makes them indistinguishable from a fresh bucket.
func (l *ownerLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.refill)
	removed := 0
	for owner, b := range l.limiters {
		if !b.lastSeen.After(cutoff) {
			delete(l.limiters, owner)
			removed++
		}
	}
	return removed
}
