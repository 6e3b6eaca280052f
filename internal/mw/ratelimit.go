package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"mentorchat/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const sweepInterval = 30 * time.Second

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RL hands out one token bucket per key. Buckets idle for longer than ttl
// are swept.
type RL struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter starts a keyed limiter and its sweeper. Call Stop when the
// server shuts down.
func NewRateLimiter(limit rate.Limit, burst int, ttl time.Duration) *RL {
	rl := &RL{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.run()
	return rl
}

// Allow takes one token from key's bucket.
func (rl *RL) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Len reports how many keys currently hold a bucket.
func (rl *RL) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RL) sweep() {
	cutoff := rl.now().Add(-rl.ttl)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

func (rl *RL) run() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *RL) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimit throttles each client IP per route. Unmatched paths share a
// bucket keyed by the raw path.
func RateLimit(rl *RL) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !rl.Allow(clientIP(c.Request.RemoteAddr) + "|" + route) {
			metrics.HttpRateLimitedTotal.WithLabelValues(route).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
