package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the token buckets kept per client address
type RateLimitConfig struct {
	RequestsPerSecond float64 // Reads, metrics and spectator upgrades
	Burst             int
	IntentsPerSecond  float64 // POST /api/intent; roughly one input per game tick
	IntentBurst       int
	IdleTimeout       time.Duration // A bucket unused this long is forgotten
}

// DefaultRateLimitConfig matches config.DefaultAPI
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 20,
	Burst:             40,
	IntentsPerSecond:  60,
	IntentBurst:       20,
	IdleTimeout:       10 * time.Minute,
}

// RateLimitStats is a point-in-time view of limiter counters
type RateLimitStats struct {
	Allowed         uint64 `json:"allowed"`
	Rejected        uint64 `json:"rejected"`
	IntentsAllowed  uint64 `json:"intentsAllowed"`
	IntentsRejected uint64 `json:"intentsRejected"`
	Clients         int    `json:"clients"`
}

// RateLimiter keeps two independent budgets per client address: one for
// general requests and a tighter one for submitting intents, so a client
// polling state cannot starve its own input and a client spamming input
// cannot flood the node's action queue.
type RateLimiter struct {
	requests *buckets
	intents  *buckets
	now      func() time.Time
}

// NewRateLimiter creates a limiter. It starts no goroutines.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultRateLimitConfig.IdleTimeout
	}
	intentRate, intentBurst := cfg.IntentsPerSecond, cfg.IntentBurst
	if intentRate <= 0 {
		intentRate, intentBurst = DefaultRateLimitConfig.IntentsPerSecond, DefaultRateLimitConfig.IntentBurst
	}

	return &RateLimiter{
		requests: newBuckets(cfg.RequestsPerSecond, cfg.Burst, idle),
		intents:  newBuckets(intentRate, intentBurst, idle),
		now:      time.Now,
	}
}

// Requests limits every request routed through it by client address
func (rl *RateLimiter) Requests(next http.Handler) http.Handler {
	return rl.guard(rl.requests, "rate_limit", next)
}

// Intents limits intent submission by client address
func (rl *RateLimiter) Intents(next http.Handler) http.Handler {
	return rl.guard(rl.intents, "intent_limit", next)
}

func (rl *RateLimiter) guard(b *buckets, reason string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.allow(remoteIP(r), rl.now()) {
			RecordConnectionRejected(reason)
			w.Header().Set("Retry-After", "1")
			writeError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats returns limiter counters
func (rl *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Allowed:         rl.requests.allowed.Load(),
		Rejected:        rl.requests.rejected.Load(),
		IntentsAllowed:  rl.intents.allowed.Load(),
		IntentsRejected: rl.intents.rejected.Load(),
		Clients:         rl.requests.tracked(),
	}
}

// buckets holds one token bucket per client address
type buckets struct {
	mu        sync.Mutex
	byAddr    map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newBuckets(perSecond float64, burst int, idle time.Duration) *buckets {
	return &buckets{
		byAddr: make(map[string]*bucket),
		limit:  rate.Limit(perSecond),
		burst:  burst,
		idle:   idle,
	}
}

// allow takes a token from addr's bucket. Idle buckets are pruned in
// passing, at most once per idle period.
func (b *buckets) allow(addr string, now time.Time) bool {
	b.mu.Lock()
	if now.Sub(b.lastPrune) >= b.idle {
		for k, bk := range b.byAddr {
			if now.Sub(bk.seen) >= b.idle {
				delete(b.byAddr, k)
			}
		}
		b.lastPrune = now
	}

	bk, ok := b.byAddr[addr]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(b.limit, b.burst)}
		b.byAddr[addr] = bk
	}
	bk.seen = now
	allowed := bk.lim.AllowN(now, 1)
	b.mu.Unlock()

	if allowed {
		b.allowed.Add(1)
	} else {
		b.rejected.Add(1)
	}
	return allowed
}

func (b *buckets) tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byAddr)
}

// remoteIP is the caller's address without the port. Behind a trusted
// proxy, middleware.RealIP has already replaced RemoteAddr with the
// forwarded client address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
