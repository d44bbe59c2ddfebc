// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/config"
	"github.com/tbourn/go-planwatch/internal/http/handlers"
	"github.com/tbourn/go-planwatch/internal/http/middleware"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/services"
)

// Services are the application services exposed over HTTP. Nil services
// leave their routes mounted but answering 503.
type Services struct {
	Proposals *services.ProposalService
	Summaries *services.SummaryService
	Imports   *services.ImportService
	Notify    *services.NotifyService
	Documents *services.DocumentService
}

// runStoreShim adapts the idempotency repository functions to the
// handlers.RunStore interface.
type runStoreShim struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup proxies repo.GetIdempotency.
func (s runStoreShim) Lookup(ctx context.Context, route, key string, now time.Time) (int, []byte, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, route, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return rec.Status, rec.Body, true, nil
}

// Save proxies repo.CreateIdempotency. A concurrent duplicate is not an error:
// the first recorded response wins.
func (s runStoreShim) Save(ctx context.Context, route, key string, status int, body []byte) error {
	_, err := repo.CreateIdempotency(ctx, s.db, route, key, status, body, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// exists adapts Lookup to middleware.IdempotencyLookup.
func (s runStoreShim) exists(ctx context.Context, route, key string, now time.Time) (bool, error) {
	_, _, found, err := s.Lookup(ctx, route, key, now)
	return found, err
}

// The interface variables below keep nil *Service values from turning into
// non-nil interfaces inside handlers.
func proposalSvc(s *services.ProposalService) handlers.ProposalService {
	if s == nil {
		return nil
	}
	return s
}

func summarySvc(s *services.SummaryService) handlers.SummaryService {
	if s == nil {
		return nil
	}
	return s
}

func importSvc(s *services.ImportService) handlers.ImportService {
	if s == nil {
		return nil
	}
	return s
}

func notifySvc(s *services.NotifyService) handlers.NotifyService {
	if s == nil {
		return nil
	}
	return s
}

func documentSvc(s *services.DocumentService) handlers.DocumentService {
	if s == nil {
		return nil
	}
	return s
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, compression, CORS and security headers, health and metrics
// endpoints, and then mounts the versioned public API under APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per client, bypass on replay)
//  9. Gzip, CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
		},
		// Search centers are often a subscriber's home.
		MaskQueryParams: []string{"center"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	store := runStoreShim{db: db, ttl: cfg.IdempotencyTTL}
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		store.exists,
	))

	// 8) Token-bucket rate limiter per client, searches and runs apart
	rl := middleware.NewRateLimiter(
		middleware.Limit{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
		middleware.KeyByClientAndMethod(),
		middleware.WithClassLimit(middleware.ClassRun, middleware.Limit{RPS: cfg.RunRateRPS, Burst: cfg.RunRateBurst}),
	)
	r.Use(rl.Handler())

	// 9) Compress JSON responses (search pages and summaries can be large)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderReplayed},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "If-None-Match", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderReplayed},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS).
	// Run reports and subscription previews are never cached.
	noStore := apiRoutes(cfg.APIBasePath,
		"/subscriptions/:id/summary",
		"/runs/import",
		"/runs/notify",
		"/runs/documents",
	)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStoreRoutes: noStore,
		EnablePolicy:  true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(
		proposalSvc(svc.Proposals),
		summarySvc(svc.Summaries),
		importSvc(svc.Imports),
		notifySvc(svc.Notify),
		documentSvc(svc.Documents),
		handlers.WithRunStore(store),
	)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	{
		// Proposals
		api.GET("/proposals", h.ListProposals)

		// Subscriptions
		api.GET("/subscriptions/:id/summary", h.PreviewSummary)

		// Runs
		api.POST("/runs/import", h.RunImport)
		api.POST("/runs/notify", h.RunNotify)
		api.POST("/runs/documents", h.RunDocuments)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// apiRoutes prefixes each route pattern with the API base path, matching what
// c.FullPath reports for routes registered under groupWithPrefix.
func apiRoutes(base string, routes ...string) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		if base == "" || base == "/" {
			out = append(out, r)
			continue
		}
		out = append(out, path.Join(base, r))
	}
	return out
}
