package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/query"
	"github.com/tbourn/go-planwatch/internal/repo"
)

// DefaultLotSizeTTL bounds how long a computed bucket set is served.
const DefaultLotSizeTTL = 6 * time.Hour

// LotSizeCache serves the lot-size tertiles of all parcels. Entries are keyed
// by the parcels generation token, so any parcel write makes the next read
// recompute; the TTL only bounds storage.
type LotSizeCache struct {
	DB    *gorm.DB
	Store Store
	TTL   time.Duration
}

// NewLotSizeCache builds a cache over db. A nil store selects a MemoryStore.
func NewLotSizeCache(db *gorm.DB, store Store, ttl time.Duration) *LotSizeCache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultLotSizeTTL
	}
	return &LotSizeCache{DB: db, Store: store, TTL: ttl}
}

// Buckets returns the current tertiles, or nil when no parcel has a lot size.
// Store failures degrade to a direct computation.
func (c *LotSizeCache) Buckets(ctx context.Context) (*query.LotSizeBuckets, error) {
	gen, err := repo.ParcelsGeneration(ctx, c.DB)
	if err != nil {
		return nil, err
	}
	key := "lotsize:" + gen

	if raw, ok, err := c.Store.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("lot size cache read failed")
	} else if ok {
		var b *query.LotSizeBuckets
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, nil
		}
	}

	sizes, err := repo.LotSizes(ctx, c.DB)
	if err != nil {
		return nil, err
	}
	b := Tertiles(sizes)

	if raw, err := json.Marshal(b); err == nil {
		if err := c.Store.Set(ctx, key, raw, c.TTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("lot size cache write failed")
		}
	}
	return b, nil
}

// Tertiles splits sorted sizes into three equally populated buckets. It
// returns nil for an empty distribution.
func Tertiles(sorted []float64) *query.LotSizeBuckets {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	return &query.LotSizeBuckets{
		Lower: sorted[n/3],
		Upper: sorted[(2*n)/3],
	}
}
