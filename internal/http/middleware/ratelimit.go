// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with buckets
// per client and request class. Searches and previews share a "read" budget;
// run triggers, which fetch upstream feeds or send mail, draw from a much
// smaller "run" budget so a burst of searches cannot starve them and a script
// hammering /runs/import cannot hammer the city portals through us.
//
// Notes:
//   - Buckets are process-local. Several API replicas each enforce their own
//     budget.
//   - Replays of recorded runs (see IdempotencyValidator) bypass the limiter;
//     they do no upstream work.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-planwatch/internal/metrics"
)

// Request classes used by KeyByClientAndMethod.
const (
	ClassRead = "read"
	ClassRun  = "run"
)

// Limit is a token bucket: RPS tokens per second, at most Burst banked.
type Limit struct {
	RPS   float64
	Burst int
}

// keyFunc maps a request to its bucket class and client identity.
type keyFunc func(*gin.Context) (class, client string)

// KeyByClientAndMethod classes safe methods as ClassRead and everything else
// as ClassRun, keyed by client IP.
func KeyByClientAndMethod() keyFunc {
	return func(c *gin.Context) (string, string) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return ClassRead, c.ClientIP()
		}
		return ClassRun, c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-client token buckets. It is safe for concurrent use.
type RateLimiter struct {
	def     Limit
	classes map[string]Limit
	keyFn   keyFunc
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// RateOption customizes a RateLimiter.
type RateOption func(*RateLimiter)

// WithClassLimit overrides the default limit for one request class.
func WithClassLimit(class string, l Limit) RateOption {
	return func(rl *RateLimiter) { rl.classes[class] = normalizeLimit(l) }
}

// NewRateLimiter builds a limiter applying def to every class without its
// own limit. A burst <= 0 is coerced to 1.
func NewRateLimiter(def Limit, keyFn keyFunc, opts ...RateOption) *RateLimiter {
	rl := &RateLimiter{
		def:      normalizeLimit(def),
		classes:  make(map[string]Limit),
		keyFn:    keyFn,
		now:      time.Now,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

func normalizeLimit(l Limit) Limit {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	return l
}

func (rl *RateLimiter) limitFor(class string) Limit {
	if l, ok := rl.classes[class]; ok {
		return l
	}
	return rl.def
}

// getVisitor returns the bucket for class and client, creating it on first
// use. Every 5000 lookups, buckets idle for ttl are evicted first, so an idle
// bucket is dropped even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(class, client string) *rate.Limiter {
	now := rl.now()
	key := class + ":" + client

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	l := rl.limitFor(class)
	lim := rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay of a recorded run.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// retryAfter is the whole number of seconds until lim has a token, at least 1.
// A zero-rate bucket never refills; clients are told to wait a minute.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	if lim.Limit() <= 0 {
		return 60
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 60
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return max(1, int(math.Ceil(d.Seconds())))
}

// Handler returns the middleware. Rejected requests get 429 with a
// Retry-After header and the API error envelope:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 10
//	{"request_id": "<uuid>", "code": "too_many_requests", "message": "rate limit exceeded for run requests"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		class, client := rl.keyFn(c)
		lim := rl.getVisitor(class, client)
		now := rl.now()
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}

		metrics.IncRateLimited(class)
		LoggerFrom(c).Warn().Str("class", class).Str("client", client).Msg("rate limited")

		c.Header("Retry-After", strconv.Itoa(retryAfter(lim, now)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded for " + class + " requests",
		})
	}
}
