package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/docs"
	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/sysutil"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Document processing defaults.
const (
	DefaultDocumentBatch   = 50
	DefaultDocumentTimeout = 30 * time.Second

	maxDocumentBytes = 32 << 20
)

// DocumentResult counts the outcome of one ProcessPending call.
type DocumentResult struct {
	Extracted   int `json:"extracted"`
	Unsupported int `json:"unsupported"`
	Failed      int `json:"failed"`
}

// DocumentService extracts searchable text from attached documents.
type DocumentService struct {
	DB        *gorm.DB
	Client    *http.Client
	BatchSize int
	Timeout   time.Duration
}

// ProcessPending fetches up to BatchSize documents without text and stores
// what the handler for their kind extracts. Kinds without a text handler are
// stored with empty text so they are not fetched again. Fetch failures are
// counted and left pending for the next call.
func (s *DocumentService) ProcessPending(ctx context.Context) (*DocumentResult, error) {
	tr := otel.Tracer("services/DocumentService")
	limit := s.BatchSize
	if limit <= 0 {
		limit = DefaultDocumentBatch
	}
	ctx, span := tr.Start(ctx, "ProcessPending",
		trace.WithAttributes(attribute.Int("documents.limit", limit)),
	)
	defer span.End()

	// Unknown kinds are fetched too: the response content type may reveal a
	// handled kind.
	kinds := []string{string(docs.KindUnknown)}
	for _, k := range docs.Extractable() {
		kinds = append(kinds, string(k))
	}

	pending, err := repo.ListPendingDocuments(ctx, s.DB, kinds, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &DocumentResult{}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d := &pending[i]
		kind, text, err := s.extract(ctx, d)
		switch {
		case errors.Is(err, docs.ErrUnsupported):
			res.Unsupported++
			text = ""
		case err != nil:
			res.Failed++
			sysutil.Ctx(ctx).Warn().Err(err).Uint("document_id", d.ID).Str("url", d.URL).Msg("document extraction failed")
			continue
		default:
			res.Extracted++
		}
		if err := repo.SetDocumentText(ctx, s.DB, d.ID, string(kind), text); err != nil {
			span.RecordError(err)
			return res, err
		}
	}

	span.SetAttributes(
		attribute.Int("documents.extracted", res.Extracted),
		attribute.Int("documents.failed", res.Failed),
	)
	return res, nil
}

func (s *DocumentService) extract(ctx context.Context, d *domain.Document) (docs.Kind, string, error) {
	body, contentType, err := s.fetch(ctx, d)
	if err != nil {
		return docs.Parse(d.Kind), "", err
	}
	kind := docs.KindOf(d.URL, contentType)
	if kind == docs.KindUnknown {
		kind = docs.Parse(d.Kind)
	}
	text, err := docs.HandlerFor(kind).Extract(ctx, body)
	return kind, text, err
}

func (s *DocumentService) fetch(ctx context.Context, d *domain.Document) ([]byte, string, error) {
	if d.LocalFile != "" {
		body, err := os.ReadFile(d.LocalFile)
		return body, "", err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultDocumentTimeout
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("fetch %s: %s", d.URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}
