// Package ratelimit enforces the requests-per-minute budget with token
// buckets: one global bucket plus a lazily created bucket per credential.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxBuckets caps the per-credential map; least-recently used entries are
// pruned past this point.
const maxBuckets = 200

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is the two-level token-bucket limiter. A PerMinute of 0 disables
// limiting entirely. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perCred map[string]*bucket

	perMinute int
	burst     int

	now func() time.Time
}

// New builds a Limiter allowing perMinute requests per minute with a bucket
// size of perMinute*burstMultiplier.
func New(perMinute, burstMultiplier int) *Limiter {
	l := &Limiter{
		perCred:   make(map[string]*bucket),
		perMinute: perMinute,
		now:       time.Now,
	}
	if perMinute > 0 {
		if burstMultiplier < 1 {
			burstMultiplier = 1
		}
		l.burst = perMinute * burstMultiplier
		l.global = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), l.burst)
	}
	return l
}

// Enabled reports whether rate limiting is configured at all.
func (l *Limiter) Enabled() bool { return l.perMinute > 0 }

// Allow consumes one token from the global bucket and from the credential's
// bucket. Both must have capacity; an empty credential ID skips the
// per-credential check.
func (l *Limiter) Allow(credentialID string) bool {
	if !l.Enabled() {
		return true
	}
	if !l.global.Allow() {
		return false
	}
	if credentialID == "" {
		return true
	}

	l.mu.Lock()
	b, ok := l.perCred[credentialID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.perCred[credentialID] = b
		if len(l.perCred) > maxBuckets {
			l.prune()
		}
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Forget drops the bucket for a removed credential.
func (l *Limiter) Forget(credentialID string) {
	l.mu.Lock()
	delete(l.perCred, credentialID)
	l.mu.Unlock()
}

// prune evicts the least recently seen buckets down to half capacity.
// Caller holds mu.
func (l *Limiter) prune() {
	for len(l.perCred) > maxBuckets/2 {
		oldest := ""
		var oldestSeen time.Time
		first := true
		for id, b := range l.perCred {
			if first || b.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen, first = id, b.lastSeen, false
			}
		}
		delete(l.perCred, oldest)
	}
}
