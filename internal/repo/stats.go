// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// ProposalsStats returns the number of proposals matching scopes and the
// greatest Updated timestamp among them. When nothing matches, count is 0
// and maxUpdated is nil.
func ProposalsStats(ctx context.Context, db *gorm.DB, scopes []Scope) (count int64, maxUpdated *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Proposal{}).Scopes(scopes...)

	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Latest updated (avoid MAX() -> TEXT in SQLite)
	var row struct {
		Updated time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("proposals.updated").Order("proposals.updated DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.Updated, nil
}
