package importer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/go-planwatch/internal/geocode"
)

type fakeGeocoder struct {
	mu    sync.Mutex
	calls [][]string
	hits  map[string]*geocode.Located
}

func (f *fakeGeocoder) Geocode(_ context.Context, addrs []string) []*geocode.Located {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), addrs...))
	f.mu.Unlock()
	out := make([]*geocode.Located, len(addrs))
	for i, a := range addrs {
		out[i] = f.hits[a]
	}
	return out
}

func collect(t *testing.T, src Adapter, since *time.Time) ([]CanonicalRecord, error) {
	t.Helper()
	var (
		recs []CanonicalRecord
		last error
	)
	for rec, err := range src.FetchSince(context.Background(), since) {
		if err != nil {
			last = err
			break
		}
		recs = append(recs, rec)
	}
	return recs, last
}

func TestJSONSource_PaginatesNormalizesAndGeocodes(t *testing.T) {
	var gotSince atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/cases", func(w http.ResponseWriter, r *http.Request) {
		gotSince.Store(r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{
			"cases": [
				{"case_number": "ZBA 2024-01", "address": "1 Main St", "location": {"lat": 42.1, "lng": -71.1},
				 "status": "Pending", "started": "2024-03-01",
				 "documents": {"Decisions": [{"title": "Decision", "url": "https://x.org/d.pdf"}]},
				 "events": [{"title": "ZBA Hearing", "date": "2024-04-02"}],
				 "parcel_id": 1234, "lot_size": 4350.5,
				 "attributes": [{"name": "Applicant", "value": "Sally"}]},
				{"address": "no case number"},
				{"case_numbers": ["PB 7", "PB 7", "ZBA 9"], "address": "2 Elm St", "started": "not a date"}
			],
			"next": "/cases/2"
		}`))
	})
	mux.HandleFunc("/cases/2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cases": [
			{"case_numbers": ["PB 7", "PB 7", "ZBA 9"], "address": "2 Elm St", "region": "Medford", "parcel_id": "M-1"},
			{"case_number": "PB 11", "address": "3 Elm St", "parcel_id": "M-2", "lot_size": -5}
		], "next": ""}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	geo := &fakeGeocoder{hits: map[string]*geocode.Located{
		"2 Elm St, Somerville, MA": {Lat: 42.2, Lng: -71.2},
	}}
	src := &JSONSource{
		SourceName:    "somerville",
		BaseURL:       srv.URL + "/cases",
		Region:        "Somerville",
		Client:        srv.Client(),
		Geocoder:      geo,
		AddressSuffix: ", Somerville, MA",
		Location:      time.UTC,
	}

	since := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	recs, err := collect(t, src, &since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := gotSince.Load().(string); v != "2024-01-01T12:00:00Z" {
		t.Fatalf("since not forwarded: %q", v)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records (malformed ones skipped), got %d", len(recs))
	}

	a := recs[0]
	if a.Region != "Somerville" || a.CaseNumbers[0] != "ZBA 2024-01" || !a.HasLocation() {
		t.Fatalf("unexpected first record: %+v", a)
	}
	if a.Status == nil || *a.Status != "Pending" || a.Summary != nil {
		t.Fatalf("scalar presence not preserved: %+v", a)
	}
	if a.Started == nil || !a.Started.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected started: %v", a.Started)
	}
	if a.LotSize == nil || *a.LotSize != 4350.5 {
		t.Fatalf("lot size = %v; want 4350.5", a.LotSize)
	}
	if a.ParcelID != "1234" || len(a.Documents["Decisions"]) != 1 || len(a.Events) != 1 || a.Attributes[0].Value != "Sally" {
		t.Fatalf("unexpected record contents: %+v", a)
	}

	b := recs[1]
	if b.Region != "Medford" || strings.Join(b.CaseNumbers, "|") != "PB 7|ZBA 9" || b.ParcelID != "M-1" {
		t.Fatalf("unexpected second record: %+v", b)
	}
	if b.LotSize != nil {
		t.Fatalf("lot size not reported, got %v", *b.LotSize)
	}
	if !b.HasLocation() || *b.Lat != 42.2 {
		t.Fatalf("expected geocoded location, got %+v", b)
	}
	if len(geo.calls) != 1 || len(geo.calls[0]) != 1 {
		t.Fatalf("expected one geocode batch for the unlocated record, got %v", geo.calls)
	}
}

func TestJSONSource_StopsOnRepeatedPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"cases": [{"case_number": "A-1", "address": "x"}], "next": "/again"}`))
	}))
	defer srv.Close()

	src := &JSONSource{SourceName: "loop", BaseURL: srv.URL, Region: "R", Client: srv.Client()}
	recs, err := collect(t, src, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || hits.Load() != 2 {
		t.Fatalf("expected one record and two fetches, got %d records %d fetches", len(recs), hits.Load())
	}
}

func TestJSONSource_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"cases": [{"case_number": "A-1", "address": "x"}], "next": "/broken"}`))
	}))
	defer srv.Close()

	src := &JSONSource{SourceName: "flaky", BaseURL: srv.URL, Region: "R", Client: srv.Client()}
	recs, err := collect(t, src, nil)
	if len(recs) != 1 {
		t.Fatalf("records of earlier pages should be delivered, got %d", len(recs))
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusBadGateway {
		t.Fatalf("expected TransportError 502, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("transport error should be retryable")
	}
	if IsRetryable(errors.New("boom")) || IsRetryable(nil) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestJSONSource_MalformedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	src := &JSONSource{SourceName: "html", BaseURL: srv.URL, Region: "R", Client: srv.Client()}
	_, err := collect(t, src, nil)
	if !IsRetryable(err) {
		t.Fatalf("undecodable page should surface as a retryable error, got %v", err)
	}
}

func TestJSONSource_PageTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	src := &JSONSource{SourceName: "slow", BaseURL: srv.URL, Region: "R", Client: srv.Client(), PageTimeout: 20 * time.Millisecond}
	_, err := collect(t, src, nil)
	if !IsRetryable(err) {
		t.Fatalf("timeout should be retryable, got %v", err)
	}
}

func TestSources(t *testing.T) {
	srcs, err := Sources("somerville=https://a.example/cases, medford=https://b.example/feed", "Somerville", nil, nil, "", nil, 0)
	if err != nil || len(srcs) != 2 || srcs[1].Name() != "medford" {
		t.Fatalf("unexpected sources: %v err=%v", srcs, err)
	}
	if _, err := Sources("broken", "", nil, nil, "", nil, 0); err == nil {
		t.Fatalf("expected error for malformed source")
	}
}
