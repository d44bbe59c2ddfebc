// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for changesets and
// for the documents and images attached to proposals.
//
// Changesets are append-only. Documents and images are deduplicated on
// (proposal_id, url) with ON CONFLICT DO NOTHING, so re-attaching a known URL
// is a silent no-op.
package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// CreateChangeset appends a changeset for proposalID. Empty diffs are the
// caller's responsibility to skip.
func CreateChangeset(ctx context.Context, db *gorm.DB, proposalID uint, diff domain.ChangeDiff, created time.Time) (*domain.Changeset, error) {
	cs := &domain.Changeset{
		ProposalID: proposalID,
		Created:    created.UTC(),
		Diff:       datatypes.NewJSONType(diff),
	}
	if err := db.WithContext(ctx).Omit("Proposal").Create(cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

// ListChangesets returns changesets of the given proposals created within
// (since, until], oldest first per proposal. A nil bound is open.
func ListChangesets(ctx context.Context, db *gorm.DB, proposalIDs []uint, since, until *time.Time) ([]domain.Changeset, error) {
	out := []domain.Changeset{}
	if len(proposalIDs) == 0 {
		return out, nil
	}
	q := db.WithContext(ctx).Where("proposal_id IN ?", proposalIDs)
	q = createdWithin(q, since, until)
	err := q.Order("proposal_id asc").Order("created asc").Order("id asc").Find(&out).Error
	return out, err
}

// AttachDocuments inserts docs, skipping any (proposal_id, url) pair already
// present. It returns the number of rows actually inserted.
func AttachDocuments(ctx context.Context, db *gorm.DB, docs []domain.Document) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&docs)
	return res.RowsAffected, res.Error
}

// AttachImages inserts images, skipping duplicates by (proposal_id, url).
func AttachImages(ctx context.Context, db *gorm.DB, images []domain.Image) (int64, error) {
	if len(images) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&images)
	return res.RowsAffected, res.Error
}

// ListDocumentsCreated returns documents of the given proposals created within
// (since, until].
func ListDocumentsCreated(ctx context.Context, db *gorm.DB, proposalIDs []uint, since, until *time.Time) ([]domain.Document, error) {
	out := []domain.Document{}
	if len(proposalIDs) == 0 {
		return out, nil
	}
	q := createdWithin(db.WithContext(ctx).Where("proposal_id IN ?", proposalIDs), since, until)
	err := q.Order("created asc").Order("id asc").Find(&out).Error
	return out, err
}

// ListImagesCreated returns images of the given proposals created within
// (since, until].
func ListImagesCreated(ctx context.Context, db *gorm.DB, proposalIDs []uint, since, until *time.Time) ([]domain.Image, error) {
	out := []domain.Image{}
	if len(proposalIDs) == 0 {
		return out, nil
	}
	q := createdWithin(db.WithContext(ctx).Where("proposal_id IN ?", proposalIDs), since, until)
	err := q.Order("created asc").Order("id asc").Find(&out).Error
	return out, err
}

// ListPendingDocuments returns up to limit documents of the given kinds that
// have no extracted text yet.
func ListPendingDocuments(ctx context.Context, db *gorm.DB, kinds []string, limit int) ([]domain.Document, error) {
	out := []domain.Document{}
	q := db.WithContext(ctx).Where("fulltext IS NULL")
	if len(kinds) > 0 {
		q = q.Where("kind IN ?", kinds)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Order("id asc").Find(&out).Error
	return out, err
}

// SetDocumentText stores extracted text for a document together with the
// kind detected when it was fetched.
func SetDocumentText(ctx context.Context, db *gorm.DB, id uint, kind, text string) error {
	res := db.WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(map[string]any{"fulltext": text, "kind": kind})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func createdWithin(q *gorm.DB, since, until *time.Time) *gorm.DB {
	if since != nil {
		q = q.Where("created > ?", since.UTC())
	}
	if until != nil {
		q = q.Where("created <= ?", until.UTC())
	}
	return q
}
