package services

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/query"
	"github.com/tbourn/go-planwatch/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProposalChanges is everything that happened to one existing proposal
// within a summary window. Property and attribute changes are concatenated
// from every changeset in the window, oldest first, without collapsing
// repeated changes of the same field.
type ProposalChanges struct {
	Proposal   domain.Proposal   `json:"proposal"`
	Properties []domain.Change   `json:"properties"`
	Attributes []domain.Change   `json:"attributes"`
	Documents  []domain.Document `json:"documents"`
	Images     []domain.Image    `json:"images"`
}

// Summary groups the proposals that matched a subscription in (Since, Until].
// A proposal appears in New or in Changes, never both.
type Summary struct {
	Since   *time.Time        `json:"since,omitempty"`
	Until   *time.Time        `json:"until,omitempty"`
	New     []domain.Proposal `json:"new"`
	Changes []ProposalChanges `json:"changes"`
}

// Total is the number of proposals in the summary.
func (s *Summary) Total() int {
	if s == nil {
		return 0
	}
	return len(s.New) + len(s.Changes)
}

// SummaryService matches subscriptions against proposals and collects the
// changes a subscriber has not been told about.
type SummaryService struct {
	DB      *gorm.DB
	Queries *Queries
}

// Predicate returns the full filter of sub: its stored query spec, its
// geometry (circle or polygon) and its region.
func (s *SummaryService) Predicate(ctx context.Context, sub *domain.Subscription) (query.Predicate, error) {
	if err := sub.Validate(); err != nil {
		return query.Predicate{}, err
	}
	pred, err := s.Queries.BuildFor(ctx, sub.Spec(), sub.RegionName)
	if err != nil {
		return query.Predicate{}, err
	}
	switch {
	case sub.HasCircle():
		pred = pred.And(query.WithinRadius(orb.Point{*sub.CenterLng, *sub.CenterLat}, *sub.RadiusMeters))
	case sub.HasPolygon():
		pred = pred.And(query.WithinPolygon(sub.Polygon.Data()))
	}
	if sub.RegionName != "" {
		pred = pred.And(query.InRegions(sub.RegionName))
	}
	return pred, nil
}

// Summarize returns the proposals matching sub that were created or updated
// in (since, until]. A nil bound is open. It returns nil when nothing
// matched.
func (s *SummaryService) Summarize(ctx context.Context, sub *domain.Subscription, since, until *time.Time) (*Summary, error) {
	tr := otel.Tracer("services/SummaryService")
	ctx, span := tr.Start(ctx, "Summarize",
		trace.WithAttributes(attribute.Int("subscription.id", int(sub.ID))),
	)
	defer span.End()

	pred, err := s.Predicate(ctx, sub)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	created, err := repo.ListProposals(ctx, s.DB,
		[]repo.Scope{pred.Scope(), repo.InWindow(repo.ColCreated, since, until)}, 0, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	created = pred.Refine(created)

	createdIDs := make([]uint, 0, len(created))
	for _, p := range created {
		createdIDs = append(createdIDs, p.ID)
	}
	changed, err := repo.ListProposals(ctx, s.DB,
		[]repo.Scope{pred.Scope(), repo.InWindow(repo.ColUpdated, since, until), repo.ExcludeIDs(createdIDs)}, 0, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	changed = pred.Refine(changed)

	span.SetAttributes(attribute.Int("summary.new", len(created)), attribute.Int("summary.changed", len(changed)))
	if len(created) == 0 && len(changed) == 0 {
		return nil, nil
	}

	changes, err := s.collectChanges(ctx, changed, since, until)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Summary{Since: since, Until: until, New: created, Changes: changes}, nil
}

func (s *SummaryService) collectChanges(ctx context.Context, changed []domain.Proposal, since, until *time.Time) ([]ProposalChanges, error) {
	ids := make([]uint, 0, len(changed))
	for _, p := range changed {
		ids = append(ids, p.ID)
	}

	changesets, err := repo.ListChangesets(ctx, s.DB, ids, since, until)
	if err != nil {
		return nil, err
	}
	documents, err := repo.ListDocumentsCreated(ctx, s.DB, ids, since, until)
	if err != nil {
		return nil, err
	}
	images, err := repo.ListImagesCreated(ctx, s.DB, ids, since, until)
	if err != nil {
		return nil, err
	}

	out := make([]ProposalChanges, len(changed))
	index := make(map[uint]*ProposalChanges, len(changed))
	for i := range changed {
		out[i] = ProposalChanges{
			Proposal:   changed[i],
			Properties: []domain.Change{},
			Attributes: []domain.Change{},
			Documents:  []domain.Document{},
			Images:     []domain.Image{},
		}
		index[changed[i].ID] = &out[i]
	}
	for _, cs := range changesets {
		pc := index[cs.ProposalID]
		diff := cs.Diff.Data()
		pc.Properties = append(pc.Properties, diff.Properties...)
		pc.Attributes = append(pc.Attributes, diff.Attributes...)
	}
	for _, d := range documents {
		index[d.ProposalID].Documents = append(index[d.ProposalID].Documents, d)
	}
	for _, im := range images {
		index[im.ProposalID].Images = append(index[im.ProposalID].Images, im)
	}
	return out, nil
}

// Preview summarizes subscription id from since (its watermark when nil)
// until now without touching the watermark.
func (s *SummaryService) Preview(ctx context.Context, id uint, since *time.Time, now time.Time) (*domain.Subscription, *Summary, error) {
	tr := otel.Tracer("services/SummaryService")
	ctx, span := tr.Start(ctx, "Preview",
		trace.WithAttributes(attribute.Int("subscription.id", int(id))),
	)
	defer span.End()

	sub, err := repo.GetSubscription(ctx, s.DB, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrSubscriptionNotFound
		}
		span.RecordError(err)
		return nil, nil, err
	}
	if since == nil {
		wm := sub.LastNotified
		since = &wm
	}
	until := now.UTC()
	summary, err := s.Summarize(ctx, sub, since, &until)
	if err != nil {
		return sub, nil, err
	}
	return sub, summary, nil
}
