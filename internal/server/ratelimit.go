package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kurahq/kura-mcp/internal/auth"
	"github.com/kurahq/kura-mcp/internal/instrumentation"
)

const (
	// DefaultRateLimitRPS is the default sustained request rate per client.
	DefaultRateLimitRPS = 10

	// DefaultRateLimitBurst is the default burst allowance per client.
	DefaultRateLimitBurst = 20

	limiterCleanupInterval = 5 * time.Minute
	limiterIdleEviction    = 10 * time.Minute
)

// clientLimiter pairs a token bucket with its last use for eviction.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter enforces a per-client request rate. Clients are keyed
// by their OAuth client id when the request carries a verified identity,
// falling back to the remote IP for unauthenticated paths. Idle entries
// are evicted in the background so the map stays bounded.
type ClientRateLimiter struct {
	rps     rate.Limit
	burst   int
	metrics *instrumentation.Metrics

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// NewClientRateLimiter creates a rate limiter and starts its eviction loop,
// which runs until ctx is cancelled.
func NewClientRateLimiter(ctx context.Context, rps float64, burst int, metrics *instrumentation.Metrics) *ClientRateLimiter {
	if rps <= 0 {
		rps = DefaultRateLimitRPS
	}
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}

	l := &ClientRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		metrics:  metrics,
		limiters: make(map[string]*clientLimiter),
	}
	go l.evictLoop(ctx)
	return l
}

// Middleware rejects requests that exceed the caller's rate with 429 and a
// Retry-After hint.
func (l *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			if l.metrics != nil {
				l.metrics.RecordRateLimited(r.Context(), r.URL.Path)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(l.rps)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ClientRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (l *ClientRateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *ClientRateLimiter) evictIdle() {
	cutoff := time.Now().Add(-limiterIdleEviction)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// clientKey picks the rate-limit bucket for a request. Authenticated
// requests are limited per OAuth client; everything else per source IP.
func clientKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.ClientID != "" {
		return "client:" + identity.ClientID
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// retryAfterSeconds estimates how long until a bucket refills one token.
func retryAfterSeconds(rps rate.Limit) int {
	if rps >= 1 {
		return 1
	}
	return int(1 / float64(rps))
}
