package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/importer"
	"github.com/tbourn/go-planwatch/internal/repo"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
)

func fptr(f float64) *float64 { return &f }
func sptr(s string) *string   { return &s }

// record returns a valid canonical record in Somerville.
func record(caseNo string, attrs ...importer.AttributePair) importer.CanonicalRecord {
	return importer.CanonicalRecord{
		CaseNumbers: []string{caseNo},
		Region:      "Somerville",
		Address:     "1 Main St",
		Lat:         fptr(42.3876),
		Lng:         fptr(-71.0995),
		Summary:     sptr("Addition to existing building"),
		Status:      sptr("Pending"),
		Attributes:  attrs,
	}
}

func attr(name, value string) importer.AttributePair {
	return importer.AttributePair{Name: name, Value: value}
}

func newProposalService(db *gorm.DB, c *clock) *ProposalService {
	return &ProposalService{DB: db, Queries: &Queries{Now: c.Now}, Now: c.Now}
}

func mustUpsert(t *testing.T, s *ProposalService, rec importer.CanonicalRecord) (bool, *domain.Proposal, *domain.Changeset) {
	t.Helper()
	created, p, cs, err := s.CreateOrUpdate(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateOrUpdate(%s): %v", rec.Key(), err)
	}
	return created, p, cs
}

// newSubscription stores an active subscription for a fresh user.
func newSubscription(t *testing.T, db *gorm.DB, spec map[string]string, lastNotified time.Time, mutate ...func(*domain.Subscription)) *domain.Subscription {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{Email: uuid.NewString() + "@example.org", Name: "Ada"}
	if err := repo.CreateUser(ctx, db, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	active := lastNotified
	sub := &domain.Subscription{
		UserID:       u.ID,
		Query:        datatypes.NewJSONType(spec),
		Active:       &active,
		LastNotified: lastNotified,
	}
	for _, m := range mutate {
		m(sub)
	}
	if err := repo.CreateSubscription(ctx, db, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	got, err := repo.GetSubscription(ctx, db, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	return got
}

// onCreate runs fn before inserts into table, at most n times (n < 0: every
// time). It returns the number of times fn ran.
func onCreate(t *testing.T, db *gorm.DB, table string, n int, fn func(tx *gorm.DB)) *int {
	t.Helper()
	fired := new(int)
	err := db.Callback().Create().Before("gorm:create").Register("test:"+uuid.NewString(), func(tx *gorm.DB) {
		if tx.Statement.Table != table || (n >= 0 && *fired >= n) {
			return
		}
		*fired++
		fn(tx)
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return fired
}
