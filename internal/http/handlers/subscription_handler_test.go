package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/query"
	"github.com/tbourn/go-planwatch/internal/services"
)

type stubSummaries struct {
	sub     *domain.Subscription
	summary *services.Summary
	err     error

	gotID    uint
	gotSince *time.Time
	gotNow   time.Time
}

func (s *stubSummaries) Preview(_ context.Context, id uint, since *time.Time, now time.Time) (*domain.Subscription, *services.Summary, error) {
	s.gotID, s.gotSince, s.gotNow = id, since, now
	return s.sub, s.summary, s.err
}

func summaryRouter(ss SummaryService, now time.Time) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(nil, ss, nil, nil, nil, WithClock(func() time.Time { return now }))
	r.GET("/subscriptions/:id/summary", h.PreviewSummary)
	return r
}

func TestPreviewSummary_OK(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ss := &stubSummaries{
		sub: &domain.Subscription{ID: 4, RegionName: "Somerville"},
		summary: &services.Summary{
			Since: &since,
			Until: &now,
			New:   []domain.Proposal{{ID: 1, Address: "1 Main St"}},
			Changes: []services.ProposalChanges{{
				Proposal: domain.Proposal{ID: 2, Address: "2 Elm St"},
			}},
		},
	}
	r := summaryRouter(ss, now)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/4/summary?since=2024-03-01", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if ss.gotID != 4 || ss.gotSince == nil || !ss.gotSince.Equal(since) || !ss.gotNow.Equal(now) {
		t.Fatalf("bad args: id=%d since=%v now=%v", ss.gotID, ss.gotSince, ss.gotNow)
	}

	var resp SummaryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SubscriptionID != 4 || resp.Total != 2 || len(resp.New) != 1 || len(resp.Changes) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Subject != "2 planning updates in Somerville" {
		t.Fatalf("subject = %q", resp.Subject)
	}
}

func TestPreviewSummary_NothingNew(t *testing.T) {
	ss := &stubSummaries{sub: &domain.Subscription{ID: 7}}
	r := summaryRouter(ss, time.Now())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/7/summary", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ss.gotSince != nil {
		t.Fatalf("since should default to nil, got %v", ss.gotSince)
	}
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Empty lists, not null.
	if _, ok := raw["new"].([]any); !ok {
		t.Fatalf("new should be an array: %v", raw["new"])
	}
	if _, ok := raw["changes"].([]any); !ok {
		t.Fatalf("changes should be an array: %v", raw["changes"])
	}
	if raw["total"].(float64) != 0 {
		t.Fatalf("total = %v", raw["total"])
	}
}

func TestPreviewSummary_Errors(t *testing.T) {
	cases := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"bad id", "/subscriptions/abc/summary", nil, http.StatusBadRequest},
		{"zero id", "/subscriptions/0/summary", nil, http.StatusBadRequest},
		{"bad since", "/subscriptions/1/summary?since=last-week", nil, http.StatusBadRequest},
		{"missing", "/subscriptions/1/summary", services.ErrSubscriptionNotFound, http.StatusNotFound},
		{"stored query invalid", "/subscriptions/1/summary", fmt.Errorf("%w: r: bad distance", query.ErrInvalidQuery), http.StatusUnprocessableEntity},
		{"geometry conflict", "/subscriptions/1/summary", domain.ErrGeometryConflict, http.StatusUnprocessableEntity},
		{"store failure", "/subscriptions/1/summary", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ss := &stubSummaries{sub: &domain.Subscription{ID: 1}, err: tc.err}
			r := summaryRouter(ss, time.Now())
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestPreviewSummary_NotConfigured(t *testing.T) {
	r := summaryRouter(nil, time.Now())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/1/summary", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
