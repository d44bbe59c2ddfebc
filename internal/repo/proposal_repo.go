// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Proposal
// aggregate: proposals, their case numbers and their attributes.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Diffing and change tracking live in
// services.ProposalService.
//
// Error semantics:
//   - When a proposal is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique-constraint violations are returned as raw DB errors; callers use
//     IsDuplicate to detect them in a driver-agnostic way.
//
// Functions:
//
//   - FindProposalByCases(ctx, db, region, cases) -> *domain.Proposal, error
//     Looks up a proposal by any of the given case numbers within a region.
//
//   - GetProposal(ctx, db, id) -> *domain.Proposal, error
//     Fetches a proposal with cases and attributes preloaded.
//
//   - CreateProposal(ctx, db, p) -> error
//     Inserts a proposal together with its cases and attributes.
//
//   - SaveProposalFields(ctx, db, p, fields) -> error
//     Persists the named scalar columns of an existing proposal.
//
//   - TouchProposal(ctx, db, id, ts) -> (bool, error)
//     Advances updated to ts only when ts is later than the stored value.
//
//   - ListProposals / CountProposals
//     Paginated listing under caller-provided scopes (query predicates,
//     InWindow, ExcludeIDs).
package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// Scope narrows a proposal query. Query predicates are applied through it.
type Scope = func(*gorm.DB) *gorm.DB

// FindProposalByCases returns the proposal in region linked to any of the
// given case numbers, with cases and attributes preloaded. When the numbers
// map to more than one proposal, the oldest one wins.
func FindProposalByCases(ctx context.Context, db *gorm.DB, region string, cases []string) (*domain.Proposal, error) {
	if len(cases) == 0 {
		return nil, ErrNotFound
	}
	var p domain.Proposal
	err := db.WithContext(ctx).
		Preload("Cases").
		Preload("Attributes").
		Where("id IN (?)", db.Model(&domain.ProposalCase{}).
			Select("proposal_id").
			Where("region_name = ? AND case_number IN ?", region, cases)).
		Order("id asc").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProposal fetches a proposal by ID with cases and attributes preloaded.
func GetProposal(ctx context.Context, db *gorm.DB, id uint) (*domain.Proposal, error) {
	var p domain.Proposal
	err := db.WithContext(ctx).
		Preload("Cases").
		Preload("Attributes").
		First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProposal inserts p along with its cases and attributes. Events are
// linked separately with LinkEvents.
func CreateProposal(ctx context.Context, db *gorm.DB, p *domain.Proposal) error {
	return db.WithContext(ctx).Omit("Events").Create(p).Error
}

// SaveProposalFields writes the named columns of p. An empty field list is a
// no-op.
func SaveProposalFields(ctx context.Context, db *gorm.DB, p *domain.Proposal, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]any, 0, len(fields)-1)
	for _, f := range fields[1:] {
		cols = append(cols, f)
	}
	return db.WithContext(ctx).
		Model(p).
		Omit(clause.Associations).
		Select(fields[0], cols...).
		Updates(p).Error
}

// AddProposalCases links additional case numbers to an existing proposal.
// Numbers already linked are skipped.
func AddProposalCases(ctx context.Context, db *gorm.DB, proposalID uint, region string, cases []string) error {
	if len(cases) == 0 {
		return nil
	}
	rows := make([]domain.ProposalCase, 0, len(cases))
	for _, c := range cases {
		rows = append(rows, domain.ProposalCase{ProposalID: proposalID, RegionName: region, CaseNumber: c})
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// TouchProposal advances the updated timestamp of a proposal to ts. The write
// is conditional so the column never moves backwards; ok reports whether a row
// changed.
func TouchProposal(ctx context.Context, db *gorm.DB, id uint, ts time.Time) (ok bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Proposal{}).
		Where("id = ? AND updated < ?", id, ts).
		Update("updated", ts)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListProposals returns a page of proposals matching scopes, ordered by
// most recently updated first. Cases and attributes are preloaded.
func ListProposals(ctx context.Context, db *gorm.DB, scopes []Scope, offset, limit int) ([]domain.Proposal, error) {
	var out []domain.Proposal
	q := db.WithContext(ctx).
		Model(&domain.Proposal{}).
		Scopes(scopes...).
		Preload("Cases").
		Preload("Attributes").
		Order("proposals.updated desc").
		Order("proposals.id desc")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountProposals returns the number of proposals matching scopes.
func CountProposals(ctx context.Context, db *gorm.DB, scopes []Scope) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Proposal{}).
		Scopes(scopes...).
		Count(&total).Error
	return total, err
}

// Window columns accepted by InWindow.
const (
	ColCreated = "created"
	ColUpdated = "updated"
)

// InWindow restricts proposals to col in (since, until]. A nil bound is open.
// col must be ColCreated or ColUpdated.
func InWindow(col string, since, until *time.Time) Scope {
	return func(q *gorm.DB) *gorm.DB {
		switch col {
		case ColCreated, ColUpdated:
		default:
			_ = q.AddError(fmt.Errorf("invalid window column %q", col))
			return q
		}
		if since != nil {
			q = q.Where("proposals."+col+" > ?", since.UTC())
		}
		if until != nil {
			q = q.Where("proposals."+col+" <= ?", until.UTC())
		}
		return q
	}
}

// ExcludeIDs drops the given proposals from a query.
func ExcludeIDs(ids []uint) Scope {
	return func(q *gorm.DB) *gorm.DB {
		if len(ids) == 0 {
			return q
		}
		return q.Where("proposals.id NOT IN ?", ids)
	}
}

// CreateAttribute inserts a new attribute row.
func CreateAttribute(ctx context.Context, db *gorm.DB, a *domain.Attribute) error {
	return db.WithContext(ctx).Create(a).Error
}

// UpdateAttributeValue persists the value columns of an existing attribute.
func UpdateAttributeValue(ctx context.Context, db *gorm.DB, a *domain.Attribute) error {
	return db.WithContext(ctx).
		Model(a).
		Select("name", "text_value", "date_value", "published").
		Updates(a).Error
}
