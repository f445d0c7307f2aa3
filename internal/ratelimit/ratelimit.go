// Package ratelimit keeps per-principal token buckets with tier-dependent
// budgets. State is in-process; multi-node deployments shard principals or
// accept per-node budgets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mnemo_ratelimit_denied_total",
	Help: "Requests rejected by the rate limiter.",
}, []string{"class"})

// Class names a bucket family. Every request draws from exactly one class,
// picked by the middleware from route and principal.
type Class string

const (
	// ClassUnauth covers unauthenticated traffic, keyed by client IP.
	ClassUnauth Class = "unauth"
	// ClassFree and ClassPaid cover authenticated REST traffic by tier.
	ClassFree Class = "free"
	ClassPaid Class = "paid"
	// ClassTools covers MCP tool calls.
	ClassTools Class = "tools"
	// ClassExpensive covers vector search, graph query/traverse, and SQL.
	ClassExpensive Class = "expensive"
)

// DefaultLimits are the per-minute budgets applied when no override is
// configured.
func DefaultLimits() map[Class]int {
	return map[Class]int{
		ClassUnauth:    20,
		ClassFree:      100,
		ClassPaid:      1000,
		ClassTools:     500,
		ClassExpensive: 100,
	}
}

// Decision is the outcome of one Allow call, with everything the
// X-RateLimit-* headers need.
type Decision struct {
	Allowed    bool
	Limit      int           // bucket budget per minute
	Remaining  int           // whole tokens left after this call
	Reset      time.Time     // when the bucket is full again
	RetryAfter time.Duration // zero when allowed
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry holds every live bucket. Buckets appear on first use and are
// garbage-collected by the maintenance ticker once idle.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limits  map[Class]int
}

// NewRegistry creates a Registry. Overrides replace individual class
// budgets; zero or negative values are ignored.
func NewRegistry(overrides map[Class]int) *Registry {
	limits := DefaultLimits()
	for class, n := range overrides {
		if n > 0 {
			limits[class] = n
		}
	}
	return &Registry{
		buckets: make(map[string]*bucket),
		limits:  limits,
	}
}

// Allow draws one token from the principal's bucket in the given class.
// key identifies the principal ("ip:…", "user:…", "user:…/agent").
func (r *Registry) Allow(class Class, key string) Decision {
	perMinute := r.limits[class]
	if perMinute <= 0 {
		perMinute = DefaultLimits()[ClassUnauth]
	}

	now := time.Now()
	r.mu.Lock()
	b, ok := r.buckets[string(class)+"\x00"+key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
		r.buckets[string(class)+"\x00"+key] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	d := Decision{Limit: perMinute}
	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		// The token is not available yet; hand it back and report when
		// to come again.
		res.CancelAt(now)
		d.RetryAfter = delay
		d.Reset = now.Add(delay)
		deniedTotal.WithLabelValues(string(class)).Inc()
		return d
	}

	d.Allowed = true
	tokens := b.limiter.TokensAt(now)
	if tokens > 0 {
		d.Remaining = int(tokens)
	}
	d.Reset = resetAt(now, perMinute, tokens)
	return d
}

// resetAt estimates when the bucket returns to full, which is what the
// Reset header advertises.
func resetAt(now time.Time, perMinute int, tokens float64) time.Time {
	missing := float64(perMinute) - tokens
	if missing <= 0 {
		return now
	}
	perSecond := float64(perMinute) / 60.0
	return now.Add(time.Duration(missing / perSecond * float64(time.Second)))
}

// GC drops buckets idle longer than olderThan and reports how many went.
func (r *Registry) GC(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			n++
		}
	}
	return n
}

// ResetAll discards every bucket. Load tests call this between phases so
// one scenario's exhaustion does not bleed into the next.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[string]*bucket)
}

// Len reports the number of live buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
