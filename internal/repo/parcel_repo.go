// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers the reference entities a proposal links
// to (parcels and events) and the per-source importer cursors.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// UpsertParcel inserts a parcel or updates address and lot size of the row
// with the same external id.
func UpsertParcel(ctx context.Context, db *gorm.DB, p *domain.Parcel) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"address", "lot_size", "updated"}),
		}).
		Create(p).Error
}

// EnsureParcel returns the parcel with the given external id, creating a
// placeholder (lot size unknown) when it does not exist yet.
func EnsureParcel(ctx context.Context, db *gorm.DB, externalID, address string) (*domain.Parcel, error) {
	p := domain.Parcel{ExternalID: externalID}
	err := db.WithContext(ctx).
		Where("external_id = ?", externalID).
		Attrs(domain.Parcel{Address: address, Updated: time.Now().UTC()}).
		FirstOrCreate(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LotSizes returns all positive parcel lot sizes in ascending order.
func LotSizes(ctx context.Context, db *gorm.DB) ([]float64, error) {
	var out []float64
	err := db.WithContext(ctx).
		Model(&domain.Parcel{}).
		Where("lot_size > 0").
		Order("lot_size asc").
		Pluck("lot_size", &out).Error
	return out, err
}

// ParcelsGeneration returns a token that changes whenever parcels are added
// or updated: "<count>:<unix nanos of latest update>".
func ParcelsGeneration(ctx context.Context, db *gorm.DB) (string, error) {
	q := db.WithContext(ctx).Model(&domain.Parcel{})

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return "", err
	}
	if count == 0 {
		return "0:0", nil
	}

	// Latest updated (avoid MAX() -> TEXT in SQLite)
	var row struct {
		Updated time.Time
	}
	if err := db.WithContext(ctx).Model(&domain.Parcel{}).Select("updated").Order("updated DESC").Limit(1).Scan(&row).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", count, row.Updated.UnixNano()), nil
}

// FindOrCreateEvent returns the event identified by (region, title, date),
// creating it when absent.
func FindOrCreateEvent(ctx context.Context, db *gorm.DB, region, title string, date time.Time) (*domain.Event, error) {
	ev := domain.Event{RegionName: region, Title: title, Date: date.UTC()}
	err := db.WithContext(ctx).
		Where("region_name = ? AND title = ? AND date = ?", region, title, ev.Date).
		FirstOrCreate(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// LinkEvents associates events with a proposal. Existing links are kept.
func LinkEvents(ctx context.Context, db *gorm.DB, p *domain.Proposal, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		rows = append(rows, map[string]any{"proposal_id": p.ID, "event_id": ev.ID})
	}
	return db.WithContext(ctx).
		Table("proposal_events").
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// GetImporterState returns the last successful run of the named source, or
// nil when the source has never run.
func GetImporterState(ctx context.Context, db *gorm.DB, name string) (*time.Time, error) {
	var st domain.ImporterState
	err := db.WithContext(ctx).Where("name = ?", name).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := st.LastRun
	return &t, nil
}

// SaveImporterState records lastRun as the cursor of the named source.
func SaveImporterState(ctx context.Context, db *gorm.DB, name string, lastRun time.Time) error {
	st := domain.ImporterState{Name: name, LastRun: lastRun.UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run"}),
		}).
		Create(&st).Error
}
