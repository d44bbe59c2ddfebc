// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for users and
// subscriptions, including the monotonic notification watermark.
//
// Functions:
//
//   - CreateUser / CreateSubscription
//     Insert rows; subscription geometry is validated first and the
//     watermark defaults to the creation time.
//
//   - GetSubscription(ctx, db, id) -> *domain.Subscription, error
//     Fetches a subscription with its user preloaded.
//
//   - ListDueSubscriptions(ctx, db, cutoff) -> []domain.Subscription, error
//     Active subscriptions whose last_notified is older than cutoff.
//
//   - AdvanceLastNotified(ctx, db, id, to) -> (bool, error)
//     Conditional update: last_notified moves forward only.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// CreateUser inserts a user row.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	if u.Created.IsZero() {
		u.Created = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(u).Error
}

// CreateSubscription validates and inserts a subscription row. A zero
// watermark starts at Created, so the first summary only covers what came
// after the subscription.
func CreateSubscription(ctx context.Context, db *gorm.DB, s *domain.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Created.IsZero() {
		s.Created = time.Now().UTC()
	}
	if s.LastNotified.IsZero() {
		s.LastNotified = s.Created
	}
	if s.QueryVersion == 0 {
		s.QueryVersion = domain.QueryVersion
	}
	return db.WithContext(ctx).Omit("User").Create(s).Error
}

// GetSubscription fetches a subscription with its owner preloaded.
func GetSubscription(ctx context.Context, db *gorm.DB, id uint) (*domain.Subscription, error) {
	var s domain.Subscription
	if err := db.WithContext(ctx).Preload("User").First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListDueSubscriptions returns active subscriptions last notified before
// cutoff, oldest watermark first.
func ListDueSubscriptions(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Subscription, error) {
	var out []domain.Subscription
	err := db.WithContext(ctx).
		Preload("User").
		Where("active IS NOT NULL AND last_notified < ?", cutoff.UTC()).
		Order("last_notified asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// ListSubscriptionsByID returns the subscriptions with the given ids,
// regardless of their watermark.
func ListSubscriptionsByID(ctx context.Context, db *gorm.DB, ids []uint) ([]domain.Subscription, error) {
	out := []domain.Subscription{}
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Preload("User").
		Where("id IN ?", ids).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// AdvanceLastNotified moves the watermark of subscription id forward to to.
// The update only applies when the stored value is older, so concurrent or
// replayed runs can never move it backwards. ok reports whether it moved.
func AdvanceLastNotified(ctx context.Context, db *gorm.DB, id uint, to time.Time) (ok bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND last_notified < ?", id, to.UTC()).
		Update("last_notified", to.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
