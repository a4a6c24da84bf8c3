package rate

import (
	"net/http"
	"time"
)

// DefaultCooldown applies when a throttling reply carries no usable
// Retry-After header.
const DefaultCooldown = 30 * time.Second

// Policy describes how requests to one cloud endpoint are budgeted. The
// zero Policy refuses every request.
type Policy struct {
	endpoint   string
	perMinute  int
	burst      int
	cacheTTL   time.Duration
	throttling map[int]bool
}

// Endpoint starts a policy for the named endpoint. Replies with 429 or 503
// put the endpoint into cooldown until told otherwise.
func Endpoint(name string) Policy {
	return Policy{
		endpoint:   name,
		throttling: map[int]bool{http.StatusTooManyRequests: true, http.StatusServiceUnavailable: true},
	}
}

// PerMinute sets the sustained request budget.
func (p Policy) PerMinute(n int) Policy {
	p.perMinute = n
	return p
}

// Burst caps how many requests may go out back to back. It defaults to the
// per-minute budget.
func (p Policy) Burst(n int) Policy {
	p.burst = n
	return p
}

// CacheGET keeps successful GET replies for ttl.
func (p Policy) CacheGET(ttl time.Duration) Policy {
	p.cacheTTL = ttl
	return p
}

// CooldownOn replaces the set of status codes that trigger a cooldown.
func (p Policy) CooldownOn(statuses ...int) Policy {
	p.throttling = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.throttling[s] = true
	}
	return p
}

func (p Policy) Name() string {
	return p.endpoint
}

func (p Policy) capacity() int {
	if p.burst > 0 {
		return p.burst
	}
	return p.perMinute
}
