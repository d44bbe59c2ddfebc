// Package geocode resolves street addresses to coordinates through one or
// more upstream providers.
//
// Resolver.Geocode fans a batch out over a bounded worker pool
// (golang.org/x/sync/errgroup with SetLimit). Each worker handles one address
// at a time; a failure yields nil for that address only and never aborts the
// batch. Output order always equals input order.
//
// Providers are tried in order for each address until one returns an
// authoritative result, i.e. one accepted by the Accept policy (by default a
// score strictly above the configured minimum). Every attempt is a single
// upstream call with its own timeout, gated by a per-provider rate limiter.
package geocode

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-planwatch/internal/metrics"
)

// Candidate is a single provider match.
type Candidate struct {
	Lat              float64
	Lng              float64
	FormattedAddress string
	// Score is the provider-reported match quality on a 0..100 scale.
	Score    float64
	Metadata map[string]string
}

// Located is an authoritative geocoding result.
type Located struct {
	Lat              float64           `json:"lat"`
	Lng              float64           `json:"lng"`
	FormattedAddress string            `json:"formatted_address"`
	Provider         string            `json:"provider"`
	Score            float64           `json:"score"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Provider is an upstream geocoding service. Geocode returns (nil, nil) when
// the provider has no match for the address.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Candidate, error)
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// Defaults applied by NewResolver.
const (
	DefaultConcurrency = 5
	DefaultMinScore    = 80
	DefaultTimeout     = 10 * time.Second
)

// Resolver geocodes batches of addresses against an ordered provider list.
type Resolver struct {
	providers   []Provider
	limiters    []*rate.Limiter
	concurrency int
	timeout     time.Duration
	accept      func(Candidate) bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConcurrency sets the worker pool size. Values < 1 are ignored.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMinScore accepts candidates whose score is strictly greater than minScore.
func WithMinScore(minScore float64) Option {
	return func(r *Resolver) {
		r.accept = func(c Candidate) bool { return c.Score > minScore }
	}
}

// WithAccept installs a custom authoritativeness policy.
func WithAccept(fn func(Candidate) bool) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.accept = fn
		}
	}
}

// WithTimeout bounds every single upstream call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRateLimit limits every provider to rps requests per second. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(r *Resolver) {
		if rps <= 0 {
			r.limiters = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiters = make([]*rate.Limiter, len(r.providers))
		for i := range r.providers {
			r.limiters[i] = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewResolver builds a Resolver over providers, tried in the given order.
func NewResolver(providers []Provider, opts ...Option) *Resolver {
	r := &Resolver{
		providers:   providers,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
	}
	WithMinScore(DefaultMinScore)(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Geocode resolves every address. The result has the same length and order
// as addresses; unresolved entries are nil.
func (r *Resolver) Geocode(ctx context.Context, addresses []string) []*Located {
	out := make([]*Located, len(addresses))
	if len(addresses) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, addr := range addresses {
		g.Go(func() error {
			out[i] = r.resolve(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Resolver) resolve(ctx context.Context, address string) *Located {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	for i, p := range r.providers {
		if ctx.Err() != nil {
			return nil
		}
		cand, err := r.call(ctx, i, func(cctx context.Context) (*Candidate, error) {
			return p.Geocode(cctx, address)
		})
		switch {
		case err != nil:
			metrics.ObserveGeocode(p.Name(), "error")
			log.Debug().Err(err).Str("provider", p.Name()).Str("address", address).Msg("geocode failed")
			continue
		case cand == nil:
			metrics.ObserveGeocode(p.Name(), "miss")
			continue
		case !r.accept(*cand):
			metrics.ObserveGeocode(p.Name(), "rejected")
			log.Debug().Str("provider", p.Name()).Str("address", address).Float64("score", cand.Score).Msg("geocode below threshold")
			continue
		}
		metrics.ObserveGeocode(p.Name(), "ok")
		return &Located{
			Lat:              cand.Lat,
			Lng:              cand.Lng,
			FormattedAddress: cand.FormattedAddress,
			Provider:         p.Name(),
			Score:            cand.Score,
			Metadata:         cand.Metadata,
		}
	}
	return nil
}

// call runs one rate-limited, time-bounded upstream request against
// provider i.
func (r *Resolver) call(ctx context.Context, i int, fn func(context.Context) (*Candidate, error)) (*Candidate, error) {
	if i < len(r.limiters) && r.limiters[i] != nil {
		if err := r.limiters[i].Wait(ctx); err != nil {
			return nil, err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(cctx)
}

// ReverseGeocode returns a display address for a point using the first
// provider that answers. ok is false when none does.
func (r *Resolver) ReverseGeocode(ctx context.Context, lat, lng float64) (addr string, ok bool) {
	for i, p := range r.providers {
		var out string
		_, err := r.call(ctx, i, func(cctx context.Context) (*Candidate, error) {
			s, err := p.ReverseGeocode(cctx, lat, lng)
			out = s
			return nil, err
		})
		if err != nil {
			log.Debug().Err(err).Str("provider", p.Name()).Msg("reverse geocode failed")
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			return out, true
		}
	}
	return "", false
}
