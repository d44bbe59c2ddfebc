package geocode

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
)

// ----- Fake provider -----

type fakeProvider struct {
	name    string
	results map[string]*Candidate
	fail    map[string]bool
	delay   time.Duration

	mu       sync.Mutex
	calls    []string
	inflight int32
	maxSeen  int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Geocode(ctx context.Context, address string) (*Candidate, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[address] {
		return nil, errors.New("upstream exploded")
	}
	return f.results[address], nil
}

func (f *fakeProvider) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	if lat == 0 && lng == 0 {
		return "", errors.New("null island")
	}
	return "1 Reverse Rd", nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ----- Tests -----

func TestGeocode_PreservesOrder_IsolatesFailure(t *testing.T) {
	p := &fakeProvider{
		name: "fake",
		results: map[string]*Candidate{
			"A": {Lat: 1, Lng: 1, FormattedAddress: "A st", Score: 99},
			"C": {Lat: 3, Lng: 3, FormattedAddress: "C st", Score: 99},
		},
		fail: map[string]bool{"B": true},
	}
	r := NewResolver([]Provider{p})

	got := r.Geocode(context.Background(), []string{"A", "B", "C"})
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0] == nil || got[0].FormattedAddress != "A st" || got[0].Provider != "fake" {
		t.Fatalf("unexpected result[0]: %+v", got[0])
	}
	if got[1] != nil {
		t.Fatalf("expected nil for failed address, got %+v", got[1])
	}
	if got[2] == nil || got[2].FormattedAddress != "C st" {
		t.Fatalf("unexpected result[2]: %+v", got[2])
	}
}

func TestGeocode_BoundedConcurrency(t *testing.T) {
	results := map[string]*Candidate{}
	addrs := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		a := "addr-" + string(rune('a'+i))
		addrs = append(addrs, a)
		results[a] = &Candidate{Score: 100}
	}
	p := &fakeProvider{name: "fake", results: results, delay: 5 * time.Millisecond}
	r := NewResolver([]Provider{p}, WithConcurrency(3))

	out := r.Geocode(context.Background(), addrs)
	for i, l := range out {
		if l == nil {
			t.Fatalf("result %d unexpectedly nil", i)
		}
	}
	if m := atomic.LoadInt32(&p.maxSeen); m > 3 || m < 1 {
		t.Fatalf("expected at most 3 concurrent calls, saw %d", m)
	}
	if p.callCount() != 20 {
		t.Fatalf("expected exactly one call per address, got %d", p.callCount())
	}
}

func TestGeocode_ScoreThreshold_IsStrict(t *testing.T) {
	p := &fakeProvider{name: "fake", results: map[string]*Candidate{
		"exact": {Score: 80},
		"above": {Score: 80.5},
	}}
	r := NewResolver([]Provider{p}, WithMinScore(80))
	got := r.Geocode(context.Background(), []string{"exact", "above", "missing"})
	if got[0] != nil {
		t.Fatalf("score equal to the minimum must not be authoritative")
	}
	if got[1] == nil {
		t.Fatalf("score above the minimum should be accepted")
	}
	if got[2] != nil {
		t.Fatalf("provider miss should be nil")
	}
}

func TestGeocode_CustomAcceptPolicy(t *testing.T) {
	p := &fakeProvider{name: "fake", results: map[string]*Candidate{
		"a": {Score: 10, FormattedAddress: "A, Somerville, MA"},
		"b": {Score: 99, FormattedAddress: "B, Springfield, IL"},
	}}
	r := NewResolver([]Provider{p}, WithAccept(func(c Candidate) bool {
		return strings.Contains(c.FormattedAddress, "MA")
	}))
	got := r.Geocode(context.Background(), []string{"a", "b"})
	if got[0] == nil || got[1] != nil {
		t.Fatalf("custom policy not applied: %+v %+v", got[0], got[1])
	}
}

func TestGeocode_FallsBackToNextProvider(t *testing.T) {
	first := &fakeProvider{name: "first", results: map[string]*Candidate{
		"low": {Score: 20},
	}, fail: map[string]bool{"broken": true}}
	second := &fakeProvider{name: "second", results: map[string]*Candidate{
		"low":    {Score: 95, FormattedAddress: "low (second)"},
		"broken": {Score: 95, FormattedAddress: "broken (second)"},
		"good":   {Score: 95},
	}}
	first.results["good"] = &Candidate{Score: 99, FormattedAddress: "good (first)"}

	r := NewResolver([]Provider{first, second})
	got := r.Geocode(context.Background(), []string{"low", "broken", "good"})

	if got[0] == nil || got[0].Provider != "second" {
		t.Fatalf("low-score result should fall back: %+v", got[0])
	}
	if got[1] == nil || got[1].Provider != "second" {
		t.Fatalf("failing provider should fall back: %+v", got[1])
	}
	if got[2] == nil || got[2].Provider != "first" {
		t.Fatalf("authoritative first result should win: %+v", got[2])
	}
	if second.callCount() != 2 {
		t.Fatalf("second provider should only be asked for fallbacks, got %d calls", second.callCount())
	}
}

func TestGeocode_TimeoutIsPerCall(t *testing.T) {
	p := &fakeProvider{name: "slow", results: map[string]*Candidate{"x": {Score: 100}}, delay: 200 * time.Millisecond}
	r := NewResolver([]Provider{p}, WithTimeout(10*time.Millisecond))
	start := time.Now()
	got := r.Geocode(context.Background(), []string{"x"})
	if got[0] != nil {
		t.Fatalf("timed-out call should yield nil")
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatalf("timeout not applied")
	}
}

func TestGeocode_EmptyInput(t *testing.T) {
	r := NewResolver(nil)
	if out := r.Geocode(context.Background(), nil); len(out) != 0 {
		t.Fatalf("expected empty output")
	}
	if out := r.Geocode(context.Background(), []string{"  "}); len(out) != 1 || out[0] != nil {
		t.Fatalf("blank address should be nil")
	}
}

func TestReverseGeocode(t *testing.T) {
	r := NewResolver([]Provider{&fakeProvider{name: "fake"}})
	if addr, ok := r.ReverseGeocode(context.Background(), 42.1, -71.1); !ok || addr != "1 Reverse Rd" {
		t.Fatalf("unexpected reverse geocode: %q ok=%v", addr, ok)
	}
	if _, ok := r.ReverseGeocode(context.Background(), 0, 0); ok {
		t.Fatalf("expected failure to be reported as not ok")
	}
}

func TestArcGIS_Geocode_AndReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/findAddressCandidates":
			if r.URL.Query().Get("SingleLine") == "nowhere" {
				_, _ = w.Write([]byte(`{"candidates":[]}`))
				return
			}
			_, _ = w.Write([]byte(`{"candidates":[{"address":"93 Highland Ave, Somerville, MA","location":{"x":-71.0995,"y":42.3876},"score":97.5,"attributes":{"Addr_type":"PointAddress"}}]}`))
		case "/reverseGeocode":
			if got := r.URL.Query().Get("location"); got != "-71.0995,42.3876" {
				http.Error(w, "bad location "+got, http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"address":{"Match_addr":"93 Highland Ave"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewArcGIS(srv.URL+"/", "", srv.Client())
	c, err := a.Geocode(context.Background(), "93 Highland Ave")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if c == nil || c.Lat != 42.3876 || c.Lng != -71.0995 || c.Score != 97.5 || c.Metadata["Addr_type"] != "PointAddress" {
		t.Fatalf("unexpected candidate: %+v", c)
	}

	if c, err := a.Geocode(context.Background(), "nowhere"); err != nil || c != nil {
		t.Fatalf("expected no candidate, got %+v err=%v", c, err)
	}

	addr, err := a.ReverseGeocode(context.Background(), 42.3876, -71.0995)
	if err != nil || addr != "93 Highland Ave" {
		t.Fatalf("ReverseGeocode = %q, %v", addr, err)
	}
}

func TestGoogle_Geocode_ScoreFromLocationType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" {
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key"}`))
			return
		}
		switch r.URL.Query().Get("address") {
		case "approx":
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Somerville, MA","place_id":"p2","geometry":{"location":{"lat":42.38,"lng":-71.1},"location_type":"APPROXIMATE"}}]}`))
		case "none":
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		default:
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"1 Main St","place_id":"p1","geometry":{"location":{"lat":42.1,"lng":-71.2},"location_type":"ROOFTOP"}}]}`))
		}
	}))
	defer srv.Close()

	g := NewGoogle("k", srv.Client())
	g.BaseURL = srv.URL

	c, err := g.Geocode(context.Background(), "1 Main St")
	if err != nil || c == nil || c.Score != 100 || c.Metadata["place_id"] != "p1" {
		t.Fatalf("unexpected rooftop candidate: %+v err=%v", c, err)
	}
	c, err = g.Geocode(context.Background(), "approx")
	if err != nil || c == nil || c.Score != 50 {
		t.Fatalf("unexpected approximate candidate: %+v err=%v", c, err)
	}
	if c, err := g.Geocode(context.Background(), "none"); err != nil || c != nil {
		t.Fatalf("expected no candidate, got %+v err=%v", c, err)
	}

	g.APIKey = "wrong"
	if _, err := g.Geocode(context.Background(), "1 Main St"); err == nil {
		t.Fatalf("expected error for denied request")
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewArcGIS(srv.URL, "", srv.Client()).Geocode(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}
