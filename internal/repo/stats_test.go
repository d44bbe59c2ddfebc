package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-planwatch/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestProposalsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := ProposalsStats(context.Background(), db, nil); err == nil {
		t.Fatalf("expected error due to missing proposals table")
	}
}

func TestProposalsStats_EmptyAndScoped(t *testing.T) {
	db := newTestDB(t, &domain.Proposal{})
	ctx := context.Background()

	count, maxTS, err := ProposalsStats(ctx, db, nil)
	if err != nil || count != 0 || maxTS != nil {
		t.Fatalf("empty stats = %d, %v, %v", count, maxTS, err)
	}

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []domain.Proposal{
		{RegionName: "Somerville", Address: "1 Main St", Created: base, Updated: base},
		{RegionName: "Somerville", Address: "2 Elm St", Created: base, Updated: base.Add(2 * time.Hour)},
		{RegionName: "Cambridge", Address: "3 Mass Ave", Created: base, Updated: base.Add(5 * time.Hour)},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	somerville := func(q *gorm.DB) *gorm.DB { return q.Where("region_name = ?", "Somerville") }
	count, maxTS, err = ProposalsStats(ctx, db, []Scope{somerville})
	if err != nil || count != 2 || maxTS == nil || !maxTS.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("scoped stats = %d, %v, %v", count, maxTS, err)
	}

	count, maxTS, err = ProposalsStats(ctx, db, nil)
	if err != nil || count != 3 || !maxTS.Equal(base.Add(5*time.Hour)) {
		t.Fatalf("all stats = %d, %v, %v", count, maxTS, err)
	}
}
