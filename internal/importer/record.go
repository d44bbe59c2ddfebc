// Package importer defines the canonical proposal record and the adapters
// that pull such records from external sources.
//
// An Adapter yields a lazy, finite sequence of records updated since a given
// time. Re-invoking an adapter with the same since must yield the same
// records or a superset. Pagination is internal to the adapter.
package importer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"time"
)

// DocumentRef is a document link carried by a record.
type DocumentRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ImageRef is an image link carried by a record.
type ImageRef struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// EventRef names a public meeting at which the proposal is discussed.
type EventRef struct {
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
}

// AttributePair is one (name, value) fact about a proposal, in source order.
type AttributePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CanonicalRecord is the source-independent shape of one observed proposal.
// Nil pointer fields were not reported by the source and are left untouched
// on update.
type CanonicalRecord struct {
	CaseNumbers []string
	Region      string
	Address     string
	Lat         *float64
	Lng         *float64
	Summary     *string
	Description *string
	Status      *string
	SourceURL   *string
	Started     *time.Time
	Complete    *time.Time
	ParcelID    string
	ProjectID   *uint

	// LotSize is the parcel's lot area in square feet. It is only
	// meaningful together with ParcelID.
	LotSize *float64

	// Documents maps a category ("Decisions", "Plans", ...) to its links.
	Documents  map[string][]DocumentRef
	Images     []ImageRef
	Events     []EventRef
	Attributes []AttributePair
}

// HasLocation reports whether the record carries a point.
func (r *CanonicalRecord) HasLocation() bool {
	return r.Lat != nil && r.Lng != nil
}

// Key is a short identifier for logs.
func (r *CanonicalRecord) Key() string {
	return r.Region + "/" + strings.Join(r.CaseNumbers, ",")
}

// Adapter is a per-source connector.
type Adapter interface {
	// Name identifies the source; it keys the per-source run cursor.
	Name() string
	// FetchSince yields records updated after since (all records when nil).
	// A non-nil error ends the sequence.
	FetchSince(ctx context.Context, since *time.Time) iter.Seq2[CanonicalRecord, error]
}

// TransportError reports a failed page fetch. The current page is abandoned;
// the fetch may be retried with the same since.
type TransportError struct {
	Source string
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: fetch %s: status %d", e.Source, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: fetch %s: %v", e.Source, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure worth retrying on a
// later run: transport errors, timeouts and network errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
