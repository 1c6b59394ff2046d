// Package ratelimit throttles request-facing operations per client key.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	DefaultRequests = 100
	DefaultWindow   = time.Minute

	maxKeys = 10000
)

var rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "casepipe_ratelimit_rejections_total",
	Help: "Requests rejected by the rate limiter.",
})

// Limiter allows up to requests calls per window for each key. Each key
// gets its own token bucket; idle buckets are evicted once a full window has
// passed, by which time they would have refilled anyway.
type Limiter struct {
	mu       sync.Mutex
	buckets  *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	requests int
}

func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		buckets:  expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, window),
		limit:    rate.Every(window / time.Duration(requests)),
		requests: requests,
	}
}

// Allow reports whether a call for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.requests)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()

	if !b.Allow() {
		rejectedTotal.Inc()
		return false
	}
	return true
}
