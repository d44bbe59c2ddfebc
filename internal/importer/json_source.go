package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-planwatch/internal/geocode"
	"github.com/tbourn/go-planwatch/internal/metrics"
)

// Geocoder resolves addresses in batch; *geocode.Resolver implements it.
type Geocoder interface {
	Geocode(ctx context.Context, addresses []string) []*geocode.Located
}

// DefaultPageTimeout bounds a single page fetch.
const DefaultPageTimeout = 30 * time.Second

const maxPageBytes = 16 << 20

// JSONSource reads paginated JSON feeds of the form
//
//	{"cases": [ {...}, ... ], "next": "<url>"}
//
// requested as <BaseURL>?since=<RFC3339>. Fetching stops on an empty page, a
// missing next link, or a page whose body was already seen.
type JSONSource struct {
	SourceName string
	BaseURL    string
	Region     string
	Client     *http.Client

	// Geocoder, when set, locates records that arrive without a point.
	// AddressSuffix (", Somerville, MA") is appended to every address sent.
	Geocoder      Geocoder
	AddressSuffix string

	// Location interprets date-only timestamps. Defaults to UTC.
	Location    *time.Location
	PageTimeout time.Duration
}

// Name returns the configured source name.
func (s *JSONSource) Name() string { return s.SourceName }

type rawPage struct {
	Cases []json.RawMessage `json:"cases"`
	Next  string            `json:"next"`
}

type rawPoint struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type rawRecord struct {
	CaseNumber  string                   `json:"case_number"`
	CaseNumbers []string                 `json:"case_numbers"`
	Region      string                   `json:"region"`
	Address     string                   `json:"address"`
	Location    *rawPoint                `json:"location"`
	Summary     *string                  `json:"summary"`
	Description *string                  `json:"description"`
	Status      *string                  `json:"status"`
	URL         *string                  `json:"url"`
	Started     string                   `json:"started"`
	Complete    string                   `json:"complete"`
	ParcelID    json.RawMessage          `json:"parcel_id"`
	LotSize     *float64                 `json:"lot_size"`
	ProjectID   *uint                    `json:"project_id"`
	Documents   map[string][]DocumentRef `json:"documents"`
	Images      []ImageRef               `json:"images"`
	Events      []struct {
		Title string `json:"title"`
		Date  string `json:"date"`
	} `json:"events"`
	Attributes []AttributePair `json:"attributes"`
}

// FetchSince implements Adapter.
func (s *JSONSource) FetchSince(ctx context.Context, since *time.Time) iter.Seq2[CanonicalRecord, error] {
	return func(yield func(CanonicalRecord, error) bool) {
		next, err := s.firstURL(since)
		if err != nil {
			yield(CanonicalRecord{}, err)
			return
		}
		seen := map[uint64]struct{}{}

		for next != "" {
			if err := ctx.Err(); err != nil {
				yield(CanonicalRecord{}, err)
				return
			}
			body, err := s.fetch(ctx, next)
			if err != nil {
				metrics.ObserveImportPage(s.SourceName, "error")
				yield(CanonicalRecord{}, err)
				return
			}

			h := xxhash.Sum64(body)
			if _, dup := seen[h]; dup {
				log.Warn().Str("source", s.SourceName).Str("url", next).Msg("page repeated, stopping")
				return
			}
			seen[h] = struct{}{}

			var page rawPage
			if err := json.Unmarshal(body, &page); err != nil {
				metrics.ObserveImportPage(s.SourceName, "malformed")
				yield(CanonicalRecord{}, &TransportError{Source: s.SourceName, URL: next, Err: fmt.Errorf("decode page: %w", err)})
				return
			}
			metrics.ObserveImportPage(s.SourceName, "ok")
			if len(page.Cases) == 0 {
				return
			}

			recs := s.normalizePage(page.Cases, next)
			s.locate(ctx, recs)
			for _, r := range recs {
				if !yield(r, nil) {
					return
				}
			}

			next, err = resolveNext(next, page.Next)
			if err != nil {
				yield(CanonicalRecord{}, &TransportError{Source: s.SourceName, URL: page.Next, Err: err})
				return
			}
		}
	}
}

func (s *JSONSource) firstURL(since *time.Time) (string, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%s: bad base url: %w", s.SourceName, err)
	}
	if since != nil {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func resolveNext(current, next string) (string, error) {
	next = strings.TrimSpace(next)
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *JSONSource) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	timeout := s.PageTimeout
	if timeout <= 0 {
		timeout = DefaultPageTimeout
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &TransportError{Source: s.SourceName, URL: pageURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Source: s.SourceName, URL: pageURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{Source: s.SourceName, URL: pageURL, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &TransportError{Source: s.SourceName, URL: pageURL, Err: err}
	}
	return body, nil
}

// normalizePage converts raw records, skipping and logging malformed ones.
func (s *JSONSource) normalizePage(raws []json.RawMessage, pageURL string) []CanonicalRecord {
	out := make([]CanonicalRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := s.normalize(raw)
		if err != nil {
			log.Warn().Err(err).Str("source", s.SourceName).Str("url", pageURL).Int("index", i).Msg("skipping malformed record")
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *JSONSource) normalize(raw json.RawMessage) (CanonicalRecord, error) {
	var r rawRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return CanonicalRecord{}, err
	}

	rec := CanonicalRecord{
		Region:      strings.TrimSpace(r.Region),
		Address:     strings.TrimSpace(r.Address),
		Summary:     r.Summary,
		Description: r.Description,
		Status:      r.Status,
		SourceURL:   r.URL,
		ProjectID:   r.ProjectID,
		Documents:   r.Documents,
		Images:      r.Images,
		Attributes:  r.Attributes,
	}
	if rec.Region == "" {
		rec.Region = s.Region
	}
	if rec.Region == "" {
		return CanonicalRecord{}, errors.New("missing region")
	}

	for _, c := range append([]string{r.CaseNumber}, r.CaseNumbers...) {
		if c = strings.TrimSpace(c); c != "" && !contains(rec.CaseNumbers, c) {
			rec.CaseNumbers = append(rec.CaseNumbers, c)
		}
	}
	if len(rec.CaseNumbers) == 0 {
		return CanonicalRecord{}, errors.New("missing case number")
	}

	if r.Location != nil && r.Location.Lat != nil && r.Location.Lng != nil {
		rec.Lat, rec.Lng = r.Location.Lat, r.Location.Lng
	}

	var err error
	if rec.Started, err = s.parseTime(r.Started); err != nil {
		return CanonicalRecord{}, fmt.Errorf("started: %w", err)
	}
	if rec.Complete, err = s.parseTime(r.Complete); err != nil {
		return CanonicalRecord{}, fmt.Errorf("complete: %w", err)
	}
	for _, ev := range r.Events {
		d, err := s.parseTime(ev.Date)
		if err != nil || d == nil || strings.TrimSpace(ev.Title) == "" {
			return CanonicalRecord{}, fmt.Errorf("bad event %q", ev.Title)
		}
		rec.Events = append(rec.Events, EventRef{Title: strings.TrimSpace(ev.Title), Date: *d})
	}

	if rec.ParcelID, err = parcelID(r.ParcelID); err != nil {
		return CanonicalRecord{}, err
	}
	if r.LotSize != nil && rec.ParcelID != "" {
		if *r.LotSize < 0 {
			return CanonicalRecord{}, fmt.Errorf("bad lot_size %v", *r.LotSize)
		}
		rec.LotSize = r.LotSize
	}
	return rec, nil
}

// parcelID accepts a JSON string or number.
func parcelID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("bad parcel_id %s", raw)
	}
	return n.String(), nil
}

func (s *JSONSource) parseTime(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q", v)
	}
	t = t.UTC()
	return &t, nil
}

// locate geocodes every record of the page that has an address but no point.
func (s *JSONSource) locate(ctx context.Context, recs []CanonicalRecord) {
	if s.Geocoder == nil {
		return
	}
	var (
		idx   []int
		addrs []string
	)
	for i := range recs {
		if recs[i].HasLocation() || recs[i].Address == "" {
			continue
		}
		idx = append(idx, i)
		addrs = append(addrs, recs[i].Address+s.AddressSuffix)
	}
	if len(addrs) == 0 {
		return
	}
	for j, loc := range s.Geocoder.Geocode(ctx, addrs) {
		if loc == nil {
			log.Debug().Str("source", s.SourceName).Str("address", addrs[j]).Msg("address not located")
			continue
		}
		lat, lng := loc.Lat, loc.Lng
		recs[idx[j]].Lat, recs[idx[j]].Lng = &lat, &lng
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Sources parses "name=url,name=url" into JSON sources sharing the given
// settings.
func Sources(spec, region string, client *http.Client, g Geocoder, suffix string, loc *time.Location, timeout time.Duration) ([]Adapter, error) {
	var out []Adapter
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, u, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("bad import source %q (want name=url)", part)
		}
		if _, err := url.ParseRequestURI(strings.TrimSpace(u)); err != nil {
			return nil, fmt.Errorf("bad import source url %q: %w", u, err)
		}
		out = append(out, &JSONSource{
			SourceName:    strings.TrimSpace(name),
			BaseURL:       strings.TrimSpace(u),
			Region:        region,
			Client:        client,
			Geocoder:      g,
			AddressSuffix: suffix,
			Location:      loc,
			PageTimeout:   timeout,
		})
	}
	return out, nil
}
