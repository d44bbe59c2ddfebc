package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency records the response of a triggered pipeline run, keyed by
// (route, key). A retried trigger carrying the same Idempotency-Key replays
// the stored response instead of starting another run.
type Idempotency struct {
	ID        string         `gorm:"type:varchar(36);primaryKey"`
	Route     string         `gorm:"type:varchar(128);not null;uniqueIndex:ux_idem_route_key,priority:1"`
	Key       string         `gorm:"column:idem_key;type:varchar(200);not null;uniqueIndex:ux_idem_route_key,priority:2"`
	Status    int            `gorm:"not null"`
	Body      datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Expired reports whether the record can no longer be replayed at now.
func (i *Idempotency) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
