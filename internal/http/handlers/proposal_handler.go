// Proposal HTTP handlers.
//
// This file exposes the search endpoint for proposals:
//   - GET    /proposals           (query spec from params, paginated, ETag support)
//
// It also holds the service contracts and wiring shared by every handler in
// this package. Handlers are transport-thin: they validate input, call
// application services, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/query"
	"github.com/tbourn/go-planwatch/internal/services"
	"github.com/tbourn/go-planwatch/internal/utils"
)

//
// Service contracts (context-aware)
//

// ProposalService defines proposal search operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ProposalService interface {
	// Search returns a page of proposals matching spec and the SQL candidate count.
	Search(ctx context.Context, spec map[string]string, page, pageSize int) ([]domain.Proposal, int64, error)
	// Stats reports the candidate count and newest update for spec.
	Stats(ctx context.Context, spec map[string]string) (int64, *time.Time, error)
}

// SummaryService previews what a subscription would be notified about.
type SummaryService interface {
	Preview(ctx context.Context, id uint, since *time.Time, now time.Time) (*domain.Subscription, *services.Summary, error)
}

// ImportService runs one ingestion pass over every configured source.
type ImportService interface {
	Run(ctx context.Context, since *time.Time) (*services.ImportResult, error)
}

// NotifyService runs one notification pass.
type NotifyService interface {
	Run(ctx context.Context, opts services.RunOptions) (*services.RunResult, error)
}

// DocumentService extracts text from a batch of pending documents.
type DocumentService interface {
	ProcessPending(ctx context.Context) (*services.DocumentResult, error)
}

// RunStore persists run responses so a retried trigger with the same
// Idempotency-Key is answered from the stored result. Lookup returns
// ok=false when nothing replayable is stored.
type RunStore interface {
	Lookup(ctx context.Context, route, key string, now time.Time) (status int, body []byte, ok bool, err error)
	Save(ctx context.Context, route, key string, status int, body []byte) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for proposals, subscriptions and runs.
// Any service may be nil; its endpoints then answer 503.
type Handlers struct {
	proposals ProposalService
	summaries SummaryService
	imports   ImportService
	notify    NotifyService
	documents DocumentService
	runs      RunStore

	now func() time.Time
}

// Option customizes Handlers.
type Option func(*Handlers)

// WithClock overrides the clock used for summary previews.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) { h.now = now }
}

// WithRunStore enables idempotent replay of run triggers.
func WithRunStore(rs RunStore) Option {
	return func(h *Handlers) { h.runs = rs }
}

// New constructs and returns a Handlers instance bound to the given services.
func New(ps ProposalService, ss SummaryService, is ImportService, ns NotifyService, ds DocumentService, opts ...Option) *Handlers {
	h := &Handlers{proposals: ps, summaries: ss, imports: is, notify: ns, documents: ds, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handlers) clock() time.Time { return h.now().UTC() }

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListProposalsResponse wraps a page of proposals and pagination information.
//
// Total counts SQL candidates before geometric refinement, so a page may
// hold fewer items than page_size even when has_next is true.
type ListProposalsResponse struct {
	Proposals  []domain.Proposal `json:"proposals"`
	Pagination Pagination        `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// paginationParams are consumed by the handler, not the query builder.
var paginationParams = map[string]struct{}{"page": {}, "page_size": {}}

// querySpec turns the request's query parameters into a query spec. The
// first value wins for repeated keys.
func querySpec(values url.Values) map[string]string {
	spec := make(map[string]string, len(values))
	for k, vs := range values {
		if _, skip := paginationParams[k]; skip || len(vs) == 0 {
			continue
		}
		spec[k] = vs[0]
	}
	return spec
}

// specTag is a stable short hash of a spec for use in ETags.
func specTag(spec map[string]string) string {
	v := make(url.Values, len(spec))
	for k, s := range spec {
		v.Set(k, s)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(v.Encode()))
}

// parseSince accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC midnight).
// An empty value yields nil.
func parseSince(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		return nil, errors.New("since must be RFC 3339 or YYYY-MM-DD")
	}
	return &t, nil
}

//
// Handlers
//

// ListProposals godoc
// @ID          listProposals
// @Summary     Search proposals (paginated)
// @Description Matches proposals against a query spec given as query parameters
// @Description (region, id, status, text, attr.<name>, center+r, box, range, lotsize, ...).
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Proposals
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       region         query   string  false "Comma-separated region names" example(Somerville)
// @Param       center         query   string  false "lat,lng; requires r"          example(42.3876,-71.0995)
// @Param       r              query   string  false "Radius with optional unit"    example(500m)
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListProposalsResponse
// @Header      200  {string} ETag           "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Invalid query"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /proposals [get]
func (h *Handlers) ListProposals(c *gin.Context) {
	if h.proposals == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotConfigured, "search not configured")
		return
	}
	ctx := c.Request.Context()
	spec := querySpec(c.Request.URL.Query())
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort; invalid specs fall through to Search).
	if count, maxTS, err := h.proposals.Stats(ctx, spec); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"proposals:%s:%d:%d:%d:%d"`, specTag(spec), page, pageSize, count, ts)
		if notModified(c, etag) {
			return
		}
	}

	items, total, err := h.proposals.Search(ctx, spec, page, pageSize)
	if err != nil {
		if errors.Is(err, query.ErrInvalidQuery) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidQuery, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeSearchFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListProposalsResponse{
		Proposals: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
