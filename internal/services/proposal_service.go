// Package services – ProposalService
//
// ProposalService owns every write to the Proposal aggregate. CreateOrUpdate
// finds a proposal by any of a record's case numbers, creates it when absent,
// and otherwise diffs the record against the stored state. Scalar fields the
// record carries and attribute values that changed are persisted together
// with one immutable Changeset; an upsert that changes nothing writes none.
//
// Brand-new attributes are stored but never reported as changes. Attributes
// flagged ignore_updates keep their stored value.
//
// Observability: public methods are OpenTelemetry-instrumented.

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/docs"
	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/importer"
	"github.com/tbourn/go-planwatch/internal/metrics"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/search"
	"github.com/tbourn/go-planwatch/internal/sysutil"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// timestampLayout renders timestamp properties inside diffs.
const timestampLayout = time.RFC3339

// AddressLookup resolves a display address for a point;
// *geocode.Resolver implements it.
type AddressLookup interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, bool)
}

// ProposalService upserts canonical records and serves proposal searches.
type ProposalService struct {
	DB      *gorm.DB
	Queries *Queries

	// Addresses, when set, labels search results that have a point but no
	// address. The label is never stored.
	Addresses AddressLookup

	// Now is the clock used for created/updated/changeset timestamps.
	Now func() time.Time
}

func (s *ProposalService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateOrUpdate applies one canonical record. created reports whether a new
// proposal was inserted; cs is nil unless something changed.
//
// A duplicate-key violation (a concurrent writer inserted the same case
// number) triggers one re-read and retry; a second violation returns
// ErrConflict.
func (s *ProposalService) CreateOrUpdate(ctx context.Context, rec importer.CanonicalRecord) (created bool, p *domain.Proposal, cs *domain.Changeset, err error) {
	tr := otel.Tracer("services/ProposalService")
	ctx, span := tr.Start(ctx, "CreateOrUpdate",
		trace.WithAttributes(
			attribute.String("proposal.region", rec.Region),
			attribute.StringSlice("proposal.cases", rec.CaseNumbers),
		),
	)
	defer span.End()

	if err := validateRecord(&rec); err != nil {
		return false, nil, nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, p, cs, err = s.upsert(ctx, rec)
		if err == nil || !repo.IsDuplicate(err) {
			break
		}
		sysutil.Ctx(ctx).Debug().Err(err).Str("record", rec.Key()).Int("attempt", attempt+1).Msg("duplicate key on upsert, re-reading")
	}
	if repo.IsDuplicate(err) {
		span.RecordError(err)
		return false, nil, nil, fmt.Errorf("%w: %s: %v", ErrConflict, rec.Key(), err)
	}
	if err != nil {
		span.RecordError(err)
		return false, nil, nil, err
	}
	if cs != nil {
		metrics.IncChangesets()
	}
	span.SetAttributes(attribute.Bool("proposal.created", created), attribute.Bool("proposal.changed", cs != nil))
	return created, p, cs, nil
}

func validateRecord(rec *importer.CanonicalRecord) error {
	rec.Region = strings.TrimSpace(rec.Region)
	cases := rec.CaseNumbers[:0:0]
	for _, c := range rec.CaseNumbers {
		if c = strings.TrimSpace(c); c != "" {
			cases = append(cases, c)
		}
	}
	rec.CaseNumbers = cases
	switch {
	case len(rec.CaseNumbers) == 0:
		return ErrNoCaseNumber
	case rec.Region == "":
		return ErrNoRegion
	case !rec.HasLocation():
		return ErrNoLocation
	}
	return nil
}

func (s *ProposalService) upsert(ctx context.Context, rec importer.CanonicalRecord) (created bool, p *domain.Proposal, cs *domain.Changeset, err error) {
	now := s.now()
	var id uint

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.FindProposalByCases(ctx, tx, rec.Region, rec.CaseNumbers)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			np, err := s.create(ctx, tx, rec, now)
			if err != nil {
				return err
			}
			created, id = true, np.ID
		case err != nil:
			return err
		default:
			changeset, err := s.update(ctx, tx, existing, rec, now)
			if err != nil {
				return err
			}
			cs, id = changeset, existing.ID
		}
		return nil
	})
	if err != nil {
		return false, nil, nil, err
	}

	p, err = repo.GetProposal(ctx, s.DB, id)
	if err != nil {
		return false, nil, nil, err
	}
	return created, p, cs, nil
}

func (s *ProposalService) create(ctx context.Context, tx *gorm.DB, rec importer.CanonicalRecord, now time.Time) (*domain.Proposal, error) {
	p := &domain.Proposal{
		RegionName:  rec.Region,
		Address:     rec.Address,
		Lat:         rec.Lat,
		Lng:         rec.Lng,
		Summary:     deref(rec.Summary),
		Description: deref(rec.Description),
		Status:      deref(rec.Status),
		SourceURL:   deref(rec.SourceURL),
		Started:     utcPtr(rec.Started),
		Complete:    utcPtr(rec.Complete),
		ProjectID:   rec.ProjectID,
		Created:     now,
		Updated:     now,
	}
	for _, c := range rec.CaseNumbers {
		p.Cases = append(p.Cases, domain.ProposalCase{RegionName: rec.Region, CaseNumber: c})
	}
	for _, a := range recordAttributes(rec.Attributes) {
		attr := domain.Attribute{Handle: a.handle, Name: a.name, Published: now}
		attr.TextValue, attr.DateValue = a.text, a.date
		p.Attributes = append(p.Attributes, attr)
	}
	if rec.ParcelID != "" {
		parcel, err := linkParcel(ctx, tx, rec, now)
		if err != nil {
			return nil, err
		}
		p.ParcelID = &parcel.ID
	}

	if err := repo.CreateProposal(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.linkEvents(ctx, tx, p, rec); err != nil {
		return nil, err
	}
	if _, err := s.attach(ctx, tx, p.ID, rec, now); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProposalService) update(ctx context.Context, tx *gorm.DB, p *domain.Proposal, rec importer.CanonicalRecord, now time.Time) (*domain.Changeset, error) {
	var diff domain.ChangeDiff

	// Scalar properties
	cols, err := s.diffProperties(ctx, tx, p, rec, now, &diff)
	if err != nil {
		return nil, err
	}
	if err := repo.SaveProposalFields(ctx, tx, p, cols); err != nil {
		return nil, err
	}
	if err := repo.AddProposalCases(ctx, tx, p.ID, rec.Region, missingCases(p, rec.CaseNumbers)); err != nil {
		return nil, err
	}

	// Attributes
	byHandle := make(map[string]*domain.Attribute, len(p.Attributes))
	for i := range p.Attributes {
		byHandle[p.Attributes[i].Handle] = &p.Attributes[i]
	}
	for _, a := range recordAttributes(rec.Attributes) {
		cur, ok := byHandle[a.handle]
		if !ok {
			attr := &domain.Attribute{ProposalID: p.ID, Handle: a.handle, Name: a.name, Published: now}
			attr.TextValue, attr.DateValue = a.text, a.date
			if err := repo.CreateAttribute(ctx, tx, attr); err != nil {
				return nil, err
			}
			continue
		}
		if cur.IgnoreUpdates {
			continue
		}
		old := cur.Value()
		next := a.value()
		if equalPtr(old, next) {
			continue
		}
		cur.TextValue, cur.DateValue, cur.Published = a.text, a.date, now
		if err := repo.UpdateAttributeValue(ctx, tx, cur); err != nil {
			return nil, err
		}
		diff.Attributes = append(diff.Attributes, domain.Change{Name: cur.Name, Old: old, New: next})
	}

	if err := s.linkEvents(ctx, tx, p, rec); err != nil {
		return nil, err
	}
	attached, err := s.attach(ctx, tx, p.ID, rec, now)
	if err != nil {
		return nil, err
	}

	var cs *domain.Changeset
	if !diff.Empty() {
		if cs, err = repo.CreateChangeset(ctx, tx, p.ID, diff, now); err != nil {
			return nil, err
		}
	}
	if cs != nil || attached > 0 {
		if _, err := repo.TouchProposal(ctx, tx, p.ID, now); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// diffProperties compares the scalar fields carried by rec with p, applies
// the differences to p and returns the changed column names.
func (s *ProposalService) diffProperties(ctx context.Context, tx *gorm.DB, p *domain.Proposal, rec importer.CanonicalRecord, now time.Time, diff *domain.ChangeDiff) ([]string, error) {
	var cols []string
	add := func(name, col string, old, next *string) bool {
		if equalPtr(old, next) {
			return false
		}
		diff.Properties = append(diff.Properties, domain.Change{Name: name, Old: old, New: next})
		cols = append(cols, col)
		return true
	}

	if rec.Address != "" && add("address", "address", strPtr(p.Address), strPtr(rec.Address)) {
		p.Address = rec.Address
	}
	if rec.Lat != nil && add("lat", "lat", floatStr(p.Lat), floatStr(rec.Lat)) {
		p.Lat = rec.Lat
	}
	if rec.Lng != nil && add("lng", "lng", floatStr(p.Lng), floatStr(rec.Lng)) {
		p.Lng = rec.Lng
	}
	if rec.Summary != nil && add("summary", "summary", strPtr(p.Summary), strPtr(deref(rec.Summary))) {
		p.Summary = deref(rec.Summary)
	}
	if rec.Description != nil && add("description", "description", strPtr(p.Description), strPtr(deref(rec.Description))) {
		p.Description = deref(rec.Description)
	}
	if rec.Status != nil && add("status", "status", strPtr(p.Status), strPtr(deref(rec.Status))) {
		p.Status = deref(rec.Status)
	}
	if rec.SourceURL != nil && add("source_url", "source_url", strPtr(p.SourceURL), strPtr(deref(rec.SourceURL))) {
		p.SourceURL = deref(rec.SourceURL)
	}
	if rec.Started != nil && add("started", "started", timeStr(p.Started), timeStr(rec.Started)) {
		p.Started = utcPtr(rec.Started)
	}
	if rec.Complete != nil && add("complete", "complete", timeStr(p.Complete), timeStr(rec.Complete)) {
		p.Complete = utcPtr(rec.Complete)
	}
	if rec.ProjectID != nil && add("project_id", "project_id", uintStr(p.ProjectID), uintStr(rec.ProjectID)) {
		p.ProjectID = rec.ProjectID
	}
	if rec.ParcelID != "" {
		parcel, err := linkParcel(ctx, tx, rec, now)
		if err != nil {
			return nil, err
		}
		if add("parcel_id", "parcel_id", uintStr(p.ParcelID), uintStr(&parcel.ID)) {
			p.ParcelID = &parcel.ID
		}
	}
	return cols, nil
}

// linkParcel returns the parcel rec refers to, creating it on first sight.
// A reported lot size is stored on the parcel; it is not a proposal change.
func linkParcel(ctx context.Context, tx *gorm.DB, rec importer.CanonicalRecord, now time.Time) (*domain.Parcel, error) {
	parcel, err := repo.EnsureParcel(ctx, tx, rec.ParcelID, rec.Address)
	if err != nil {
		return nil, err
	}
	if rec.LotSize == nil || *rec.LotSize == parcel.LotSize {
		return parcel, nil
	}
	err = repo.UpsertParcel(ctx, tx, &domain.Parcel{
		ExternalID: parcel.ExternalID,
		Address:    parcel.Address,
		LotSize:    *rec.LotSize,
		Updated:    now,
	})
	if err != nil {
		return nil, err
	}
	parcel.LotSize, parcel.Updated = *rec.LotSize, now
	return parcel, nil
}

func (s *ProposalService) linkEvents(ctx context.Context, tx *gorm.DB, p *domain.Proposal, rec importer.CanonicalRecord) error {
	if len(rec.Events) == 0 {
		return nil
	}
	events := make([]domain.Event, 0, len(rec.Events))
	for _, ev := range rec.Events {
		e, err := repo.FindOrCreateEvent(ctx, tx, rec.Region, ev.Title, ev.Date)
		if err != nil {
			return err
		}
		events = append(events, *e)
	}
	return repo.LinkEvents(ctx, tx, p, events)
}

// attach inserts the record's documents and images that are not yet linked
// to the proposal and returns how many rows were added.
func (s *ProposalService) attach(ctx context.Context, tx *gorm.DB, proposalID uint, rec importer.CanonicalRecord, now time.Time) (int64, error) {
	categories := make([]string, 0, len(rec.Documents))
	for c := range rec.Documents {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	seen := map[string]struct{}{}
	var ds []domain.Document
	for _, c := range categories {
		for _, d := range rec.Documents[c] {
			u := strings.TrimSpace(d.URL)
			if u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			ds = append(ds, domain.Document{
				ProposalID: proposalID,
				URL:        u,
				Title:      strings.TrimSpace(d.Title),
				Category:   c,
				Kind:       string(docs.KindOf(u, "")),
				Created:    now,
			})
		}
	}
	nd, err := repo.AttachDocuments(ctx, tx, ds)
	if err != nil {
		return 0, err
	}

	seen = map[string]struct{}{}
	var imgs []domain.Image
	for _, im := range rec.Images {
		u := strings.TrimSpace(im.URL)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		imgs = append(imgs, domain.Image{ProposalID: proposalID, URL: u, Thumbnail: im.Thumbnail, Created: now})
	}
	ni, err := repo.AttachImages(ctx, tx, imgs)
	if err != nil {
		return 0, err
	}
	return nd + ni, nil
}

// Search returns a page of proposals matching spec, most recently updated
// first. Geometric constraints are refined on the loaded page, so a page may
// hold fewer than pageSize rows; total counts the SQL prefilter.
func (s *ProposalService) Search(ctx context.Context, spec map[string]string, page, pageSize int) ([]domain.Proposal, int64, error) {
	tr := otel.Tracer("services/ProposalService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	pred, err := s.Queries.Build(ctx, spec)
	if err != nil {
		return nil, 0, err
	}
	span.SetAttributes(attribute.String("query", pred.String()))

	scopes := []repo.Scope{pred.Scope()}
	total, err := repo.CountProposals(ctx, s.DB, scopes)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Proposal{}, 0, nil
	}
	items, err := repo.ListProposals(ctx, s.DB, scopes, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	items = pred.Refine(items)
	s.labelAddresses(ctx, items)
	return items, total, nil
}

func (s *ProposalService) labelAddresses(ctx context.Context, items []domain.Proposal) {
	if s.Addresses == nil {
		return
	}
	for i := range items {
		p := &items[i]
		if p.Address != "" || p.Lat == nil || p.Lng == nil {
			continue
		}
		if addr, ok := s.Addresses.ReverseGeocode(ctx, *p.Lat, *p.Lng); ok {
			p.Address = addr
		}
	}
}

// Stats reports the size and freshness of the SQL candidate set for spec. It
// backs weak ETags on search responses.
func (s *ProposalService) Stats(ctx context.Context, spec map[string]string) (count int64, maxUpdated *time.Time, err error) {
	tr := otel.Tracer("services/ProposalService")
	ctx, span := tr.Start(ctx, "Stats")
	defer span.End()

	pred, err := s.Queries.Build(ctx, spec)
	if err != nil {
		return 0, nil, err
	}
	return repo.ProposalsStats(ctx, s.DB, []repo.Scope{pred.Scope()})
}

// ----------------------------------------------------------------------------
// Record helpers

type recordAttr struct {
	handle string
	name   string
	text   *string
	date   *time.Time
}

func (a recordAttr) value() *string {
	tmp := domain.Attribute{TextValue: a.text, DateValue: a.date}
	return tmp.Value()
}

// recordAttributes decodes attribute pairs in source order. Pairs whose name
// has no usable handle are dropped; for repeated handles the last value wins.
func recordAttributes(pairs []importer.AttributePair) []recordAttr {
	out := make([]recordAttr, 0, len(pairs))
	pos := map[string]int{}
	for _, pr := range pairs {
		name := strings.TrimSpace(pr.Name)
		h := search.Slug(name)
		if h == "" {
			continue
		}
		a := recordAttr{handle: h, name: name}
		a.text, a.date = decodeValue(pr.Value)
		if i, ok := pos[h]; ok {
			out[i] = a
			continue
		}
		pos[h] = len(out)
		out = append(out, a)
	}
	return out
}

// decodeValue stores ISO dates as date values and anything else as text. An
// empty value clears the attribute.
func decodeValue(v string) (*string, *time.Time) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(domain.DateLayout, v); err == nil {
		return nil, &t
	}
	return &v, nil
}

func missingCases(p *domain.Proposal, cases []string) []string {
	have := map[string]struct{}{}
	for _, c := range p.Cases {
		have[c.CaseNumber] = struct{}{}
	}
	var out []string
	for _, c := range cases {
		if _, ok := have[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatStr(f *float64) *string {
	if f == nil {
		return nil
	}
	s := strconv.FormatFloat(*f, 'f', -1, 64)
	return &s
}

func uintStr(u *uint) *string {
	if u == nil {
		return nil
	}
	s := strconv.FormatUint(uint64(*u), 10)
	return &s
}

func timeStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timestampLayout)
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
