package services

import (
	"context"
	"strings"
	"time"

	"github.com/tbourn/go-planwatch/internal/query"
)

// BucketSource supplies the current lot-size tertiles; *cache.LotSizeCache
// implements it.
type BucketSource interface {
	Buckets(ctx context.Context) (*query.LotSizeBuckets, error)
}

// Queries builds query predicates with the clock, region time zones and
// lot-size buckets resolved at call time. Buckets are only loaded for specs
// that use the lotsize key.
type Queries struct {
	Now      func() time.Time
	Location func(region string) *time.Location
	Buckets  BucketSource
}

// Build converts spec into a predicate. Malformed specs yield an error
// wrapping query.ErrInvalidQuery.
func (q *Queries) Build(ctx context.Context, spec map[string]string) (query.Predicate, error) {
	return q.BuildFor(ctx, spec, "")
}

// BuildFor is Build with dates read in region's time zone instead of the
// zone of the spec's own region key.
func (q *Queries) BuildFor(ctx context.Context, spec map[string]string, region string) (query.Predicate, error) {
	b := &query.Builder{Region: region}
	if q != nil {
		b.Now = q.Now
		b.Location = q.Location
		if q.Buckets != nil && strings.TrimSpace(spec["lotsize"]) != "" {
			buckets, err := q.Buckets.Buckets(ctx)
			if err != nil {
				return query.Predicate{}, err
			}
			b.Buckets = buckets
		}
	}
	return b.Build(spec)
}

// RegionLocations returns a Location func that maps every region to loc.
func RegionLocations(loc *time.Location) func(string) *time.Location {
	return func(string) *time.Location { return loc }
}
