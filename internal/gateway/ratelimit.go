// ABOUTME: Per-user token bucket limiting how fast one user may post messages
// ABOUTME: Limiters idle longer than limiterIdle are pruned once the table grows

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle      = 10 * time.Minute
	limiterPruneSize = 4096
)

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter hands each user an independent token bucket.
type userLimiter struct {
	mu      sync.Mutex
	buckets map[string]*userBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		buckets: make(map[string]*userBucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether userID may post now.
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		if len(l.buckets) >= limiterPruneSize {
			l.pruneLocked(now)
		}
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *userLimiter) pruneLocked(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.buckets, id)
		}
	}
}

func (l *userLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
