// Package ratelimit builds and holds the token-bucket limiters for every
// configured scope. Scopes are independent: the shield, a domain default and
// a route override each keep their own per-client buckets, and exhausting
// one never touches another's counters.
package ratelimit

import (
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/tkoenig/drawbridge/internal/config"
)

// Scope tags identify which limiter produced a decision.
const (
	ScopeShield   = "shield"
	ScopeDomain   = "domain"
	ScopeOverride = "override"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Scope      string        // which scope denied (or "" when allowed)
	RetryAfter time.Duration // hint for the 429, zero when allowed
}

var allow = Decision{Allowed: true}

// keyed is one scope's bucket collection: a rule plus per-client-address
// rate.Limiter instances, created lazily.
type keyed struct {
	rule config.Rule

	mu      sync.Mutex
	buckets map[string]*ratelib.Limiter
}

func newKeyed(rule config.Rule) *keyed {
	return &keyed{rule: rule, buckets: make(map[string]*ratelib.Limiter)}
}

func (k *keyed) limiter(addr string) *ratelib.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	lim, ok := k.buckets[addr]
	if !ok {
		lim = ratelib.NewLimiter(ratelib.Limit(k.rule.RequestsPerSecond), k.rule.Burst)
		k.buckets[addr] = lim
	}
	return lim
}

// take consumes one token for addr, or reports how long until one frees up.
func (k *keyed) take(addr string) (time.Duration, bool) {
	lim := k.limiter(addr)
	res := lim.Reserve()
	if !res.OK() {
		// burst smaller than one request; treat the full refill as the wait
		return time.Duration(float64(time.Second) / k.rule.RequestsPerSecond), false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

// Registry owns every configured limiter. Built once from the config
// snapshot; all methods are safe for concurrent callers.
type Registry struct {
	shield   *keyed
	domains  map[string]*keyed // keyed by domain name
	override map[string]*keyed // keyed by domain + "\x00" + pattern
}

// NewRegistry builds the shield, domain-default and route-override limiters
// from the config snapshot.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		shield:   newKeyed(cfg.Shield),
		domains:  make(map[string]*keyed),
		override: make(map[string]*keyed),
	}
	for name, d := range cfg.Domains {
		if d.RateLimit != nil {
			r.domains[name] = newKeyed(*d.RateLimit)
		}
		for _, rt := range d.Routes {
			if rt.RateLimit != nil {
				r.override[overrideKey(name, rt.Pattern)] = newKeyed(*rt.RateLimit)
			}
		}
	}
	return r
}

// Shield checks the global limiter for a client address. It runs before any
// routing; a denial here short-circuits every other scope.
func (r *Registry) Shield(addr string) Decision {
	if wait, ok := r.shield.take(addr); !ok {
		return Decision{Scope: ScopeShield, RetryAfter: wait}
	}
	return allow
}

// Check evaluates the route-level scopes for a resolved route. An override
// rule bound to the exact route takes precedence over the domain default;
// with neither configured the request is unthrottled at this scope.
func (r *Registry) Check(domain, pattern, addr string) Decision {
	if k, ok := r.override[overrideKey(domain, pattern)]; ok {
		if wait, ok := k.take(addr); !ok {
			return Decision{Scope: ScopeOverride, RetryAfter: wait}
		}
		return allow
	}
	if k, ok := r.domains[domain]; ok {
		if wait, ok := k.take(addr); !ok {
			return Decision{Scope: ScopeDomain, RetryAfter: wait}
		}
		return allow
	}
	return allow
}

func overrideKey(domain, pattern string) string {
	return domain + "\x00" + pattern
}
