package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-planwatch/internal/config"
	"github.com/tbourn/go-planwatch/internal/http/handlers"
	"github.com/tbourn/go-planwatch/internal/http/middleware"
	"github.com/tbourn/go-planwatch/internal/importer"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/services"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		RunRateRPS:     100,
		RunRateBurst:   10,
		CORS:           config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:       config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
	}
}

// --- tiny fake source yielding one fixed record per fetch ---
type fakeSource struct {
	fetches atomic.Int32
}

func (*fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchSince(_ context.Context, _ *time.Time) iter.Seq2[importer.CanonicalRecord, error] {
	f.fetches.Add(1)
	lat, lng := 42.3876, -71.0995
	summary, status := "Addition to existing building", "Pending"
	return func(yield func(importer.CanonicalRecord, error) bool) {
		yield(importer.CanonicalRecord{
			CaseNumbers: []string{"ZBA 2024-01"},
			Region:      "Somerville",
			Address:     "1 Main St",
			Lat:         &lat,
			Lng:         &lng,
			Summary:     &summary,
			Status:      &status,
		}, nil)
	}
}

func newServices(db *gorm.DB, src importer.Adapter) Services {
	now := func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	q := &services.Queries{Now: now}
	proposals := &services.ProposalService{DB: db, Queries: q, Now: now}
	return Services{
		Proposals: proposals,
		Summaries: &services.SummaryService{DB: db, Queries: q},
		Imports:   &services.ImportService{DB: db, Sources: []importer.Adapter{src}, Proposals: proposals, Now: now},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)

	RegisterRoutes(r, db, Services{}, testConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// Unconfigured services answer 503.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/documents", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /runs/documents without service expected 503, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDB(t), Services{}, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func Test_apiRoutes(t *testing.T) {
	got := apiRoutes("/api/v1", "/runs/import", "/subscriptions/:id/summary")
	if len(got) != 2 || got[0] != "/api/v1/runs/import" || got[1] != "/api/v1/subscriptions/:id/summary" {
		t.Fatalf("prefixed: %v", got)
	}
	for _, base := range []string{"", "/"} {
		if got := apiRoutes(base, "/runs/import"); len(got) != 1 || got[0] != "/runs/import" {
			t.Fatalf("base %q: %v", base, got)
		}
	}
}

// Smoke test that a request traverses idempotency + ratelimit + otel + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // enabled (but only set on https)
	RegisterRoutes(r, newTestDB(t), Services{}, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRegisterRoutes_ImportThenSearch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	src := &fakeSource{}
	RegisterRoutes(r, db, newServices(db, src), testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs/import", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /runs/import = %d body=%s", w.Code, w.Body.String())
	}
	var run services.ImportResult
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if len(run.Sources) != 1 || run.Sources[0].Created != 1 {
		t.Fatalf("unexpected run report: %+v", run)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("run report should not be cacheable, Cache-Control=%q", cc)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/proposals?region=Somerville", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /proposals = %d body=%s", w.Code, w.Body.String())
	}
	var page handlers.ListProposalsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Proposals) != 1 || page.Proposals[0].Address != "1 Main St" {
		t.Fatalf("unexpected proposals: %+v", page.Proposals)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected ETag")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("search should stay cacheable, Cache-Control=%q", cc)
	}

	// Same search with the ETag is not modified.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/proposals?region=Somerville", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	// Malformed specs are client errors.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/proposals?center=42.38,-71.09", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("center without r expected 400, got %d", w.Code)
	}
}

func TestRegisterRoutes_IdempotentRunReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	src := &fakeSource{}
	RegisterRoutes(r, db, newServices(db, src), testConfig())

	post := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/import", nil)
		req.Header.Set(middleware.HeaderIdempotencyKey, "nightly-2024-03-01")
		r.ServeHTTP(w, req)
		return w
	}

	first := post()
	if first.Code != http.StatusOK {
		t.Fatalf("first run = %d body=%s", first.Code, first.Body.String())
	}
	second := post()
	if second.Code != http.StatusOK {
		t.Fatalf("replayed run = %d", second.Code)
	}
	if second.Header().Get(handlers.HeaderReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("source fetched %d times, want 1", n)
	}

	// Invalid keys are rejected before the handler.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/import", nil)
	req.Header.Set(middleware.HeaderIdempotencyKey, "has spaces")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad key expected 400, got %d", w.Code)
	}
}

func Test_runStoreShim_LookupAndSave(t *testing.T) {
	db := newTestDB(t)
	s := runStoreShim{db: db, ttl: time.Minute}
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, found, err := s.Lookup(ctx, "/runs/import", "k", now); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}
	if err := s.Save(ctx, "/runs/import", "k", 207, []byte(`{"ok":false}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A second save of the same key keeps the first response.
	if err := s.Save(ctx, "/runs/import", "k", 200, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("duplicate Save: %v", err)
	}
	status, body, found, err := s.Lookup(ctx, "/runs/import", "k", now)
	if err != nil || !found || status != 207 || string(body) != `{"ok":false}` {
		t.Fatalf("Lookup = %d %s %v %v", status, body, found, err)
	}
	if exists, err := s.exists(ctx, "/runs/import", "k", now.Add(2*time.Minute)); err != nil || exists {
		t.Fatalf("expired record should not exist: %v %v", exists, err)
	}
}

func TestRegisterRoutes_IdempotencyLookupErrorRunsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	RegisterRoutes(r, db, Services{}, testConfig())

	// Force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/documents", nil)
	req.Header.Set(middleware.HeaderIdempotencyKey, "force-error")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
