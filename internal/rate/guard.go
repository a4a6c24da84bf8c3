// Package rate budgets outbound requests to the Xiaomi cloud endpoints.
package rate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrRateLimited matches any RateLimitError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError is returned instead of sending a request.
type RateLimitError struct {
	Endpoint string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Endpoint, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Endpoint, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type cachedReply struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// Limiter holds the budget state of one endpoint.
type Limiter struct {
	policy Policy
	now    func() time.Time

	mu       sync.Mutex
	tokens   float64
	refilled time.Time
	cooldown time.Time
	cache    map[string]cachedReply
}

// NewLimiter starts with a full bucket.
func NewLimiter(policy Policy) *Limiter {
	return newLimiter(policy, time.Now)
}

func newLimiter(policy Policy, now func() time.Time) *Limiter {
	l := &Limiter{
		policy:   policy,
		now:      now,
		tokens:   float64(policy.capacity()),
		refilled: now(),
		cache:    make(map[string]cachedReply),
	}
	tokensGauge.WithLabelValues(policy.endpoint).Set(l.tokens)
	return l
}

// WrapHTTP returns a copy of base whose requests pass through a new
// limiter for policy.
func WrapHTTP(policy Policy, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.Transport = NewLimiter(policy).Transport(client.Transport)
	return &client
}

// Transport wraps base, http.DefaultTransport when nil.
func (l *Limiter) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base, limiter: l}
}

// Reserve takes one request from the budget or explains why it cannot.
func (l *Limiter) Reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	name := l.policy.endpoint
	reason, retryAt := l.reserveLocked(now)
	if reason == "" {
		return nil
	}
	blockedCounter.WithLabelValues(name, reason).Inc()
	return RateLimitError{Endpoint: name, Reason: reason, RetryAt: retryAt}
}

func (l *Limiter) reserveLocked(now time.Time) (string, time.Time) {
	if l.policy.perMinute <= 0 {
		return "disabled", time.Time{}
	}
	if now.Before(l.cooldown) {
		return "cooldown", l.cooldown
	}
	if !l.cooldown.IsZero() {
		l.cooldown = time.Time{}
		cooldownGauge.WithLabelValues(l.policy.endpoint).Set(0)
	}

	capacity := float64(l.policy.capacity())
	perSecond := float64(l.policy.perMinute) / 60
	l.tokens = min(capacity, l.tokens+now.Sub(l.refilled).Seconds()*perSecond)
	l.refilled = now
	if l.tokens < 1 {
		wait := time.Duration((1 - l.tokens) / perSecond * float64(time.Second))
		tokensGauge.WithLabelValues(l.policy.endpoint).Set(l.tokens)
		return "budget", now.Add(wait)
	}
	l.tokens--
	tokensGauge.WithLabelValues(l.policy.endpoint).Set(l.tokens)
	return "", time.Time{}
}

// Observe records a reply. Throttling statuses start a cooldown taken from
// Retry-After, seconds or HTTP date, or DefaultCooldown.
func (l *Limiter) Observe(status int, header http.Header) {
	name := l.policy.endpoint
	lastStatusGauge.WithLabelValues(name).Set(float64(status))
	if !l.policy.throttling[status] {
		return
	}

	now := l.now()
	until := now.Add(retryAfter(header.Get("Retry-After"), now))

	l.mu.Lock()
	if until.After(l.cooldown) {
		l.cooldown = until
	}
	end := l.cooldown
	l.mu.Unlock()
	cooldownGauge.WithLabelValues(name).Set(float64(end.Unix()))
}

func retryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return DefaultCooldown
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return DefaultCooldown
}

// Only GET replies are cached. Signed cloud POSTs carry a fresh nonce and
// never repeat.
func (l *Limiter) cached(req *http.Request) *http.Response {
	if l.policy.cacheTTL <= 0 || req.Method != http.MethodGet {
		return nil
	}
	l.mu.Lock()
	entry, ok := l.cache[req.URL.String()]
	if ok && l.now().After(entry.expires) {
		delete(l.cache, req.URL.String())
		ok = false
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	cacheHitCounter.WithLabelValues(l.policy.endpoint).Inc()
	return replay(req, entry.status, entry.header, entry.body)
}

func (l *Limiter) store(req *http.Request, resp *http.Response) (*http.Response, error) {
	if l.policy.cacheTTL <= 0 || req.Method != http.MethodGet || resp.StatusCode/100 != 2 {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[req.URL.String()] = cachedReply{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    body,
		expires: l.now().Add(l.policy.cacheTTL),
	}
	l.mu.Unlock()
	return replay(req, resp.StatusCode, resp.Header, body), nil
}

type transport struct {
	base    http.RoundTripper
	limiter *Limiter
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if resp := t.limiter.cached(req); resp != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return resp, nil
	}
	if err := t.limiter.Reserve(); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.limiter.Observe(resp.StatusCode, resp.Header)
	return t.limiter.store(req, resp)
}

func replay(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
