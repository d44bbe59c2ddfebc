// Package domain defines the persistence models for planning proposals,
// their attributes and change history, and the subscriptions that watch them.
// These types are mapped with GORM and form the core data layer shared by the
// repository and service layers.
package domain

import (
	"errors"
	"time"

	"github.com/paulmach/orb"
	"gorm.io/datatypes"
)

// DateLayout is the canonical rendering of date-valued attributes.
const DateLayout = "2006-01-02"

// Proposal represents a tracked municipal planning or zoning case.
//
// Fields:
//   - ID: auto-increment primary key.
//   - RegionName: municipality the case belongs to; scopes case numbers.
//   - Address: street address as reported by the source.
//   - Lat / Lng: geographic point; nil until geocoded.
//   - Started / Complete: lifecycle timestamps reported by the source.
//   - Created / Updated: maintained by the upsert engine; Updated never
//     moves backwards.
//   - ProjectID / ParcelID: optional links to a civic project and a parcel.
type Proposal struct {
	ID          uint       `json:"id"                gorm:"primaryKey"`
	RegionName  string     `json:"region_name"       gorm:"type:varchar(128);not null;index:idx_proposal_region"`
	Address     string     `json:"address"           gorm:"type:varchar(255);not null"`
	Lat         *float64   `json:"lat,omitempty"     gorm:"index:idx_proposal_point,priority:1"`
	Lng         *float64   `json:"lng,omitempty"     gorm:"index:idx_proposal_point,priority:2"`
	Summary     string     `json:"summary"           gorm:"type:text"`
	Description string     `json:"description"       gorm:"type:text"`
	Status      string     `json:"status"            gorm:"type:varchar(64)"`
	SourceURL   string     `json:"source,omitempty"  gorm:"type:varchar(512)"`
	Started     *time.Time `json:"started,omitempty" gorm:"index"`
	Created     time.Time  `json:"created"           gorm:"not null;index"`
	Updated     time.Time  `json:"updated"           gorm:"not null;index"`
	Complete    *time.Time `json:"complete,omitempty"`
	ProjectID   *uint      `json:"project_id,omitempty" gorm:"index"`
	ParcelID    *uint      `json:"parcel_id,omitempty"  gorm:"index"`

	Cases      []ProposalCase `json:"cases,omitempty"      gorm:"foreignKey:ProposalID;constraint:OnDelete:CASCADE"`
	Attributes []Attribute    `json:"attributes,omitempty" gorm:"foreignKey:ProposalID;constraint:OnDelete:CASCADE"`
	Events     []Event        `json:"events,omitempty"     gorm:"many2many:proposal_events;constraint:OnDelete:CASCADE"`
}

// TableName returns the database table name for Proposal.
func (Proposal) TableName() string { return "proposals" }

// Point returns the proposal location as an orb point (lng, lat order).
// ok is false when the proposal has not been geocoded.
func (p *Proposal) Point() (pt orb.Point, ok bool) {
	if p.Lat == nil || p.Lng == nil {
		return orb.Point{}, false
	}
	return orb.Point{*p.Lng, *p.Lat}, true
}

// CaseNumbers returns the external case numbers linked to the proposal.
func (p *Proposal) CaseNumbers() []string {
	out := make([]string, 0, len(p.Cases))
	for _, c := range p.Cases {
		out = append(out, c.CaseNumber)
	}
	return out
}

// ProposalCase links one external case number to a proposal. A case number is
// unique within its region (enforced by ux_case_region).
type ProposalCase struct {
	ID         uint   `json:"-"           gorm:"primaryKey"`
	ProposalID uint   `json:"-"           gorm:"not null;index"`
	RegionName string `json:"region_name" gorm:"type:varchar(128);not null;uniqueIndex:ux_case_region,priority:1"`
	CaseNumber string `json:"case_number" gorm:"type:varchar(128);not null;uniqueIndex:ux_case_region,priority:2"`
}

// TableName returns the database table name for ProposalCase.
func (ProposalCase) TableName() string { return "proposal_cases" }

// Attribute is a named, typed, mutable fact about a proposal. Only the latest
// value per handle is kept; history lives in changesets.
type Attribute struct {
	ID            uint       `json:"-"                    gorm:"primaryKey"`
	ProposalID    uint       `json:"-"                    gorm:"not null;uniqueIndex:ux_attr_proposal_handle,priority:1"`
	Handle        string     `json:"handle"               gorm:"type:varchar(128);not null;uniqueIndex:ux_attr_proposal_handle,priority:2"`
	Name          string     `json:"name"                 gorm:"type:varchar(255);not null"`
	TextValue     *string    `json:"text_value,omitempty" gorm:"type:text"`
	DateValue     *time.Time `json:"date_value,omitempty"`
	Published     time.Time  `json:"published"`
	Hidden        bool       `json:"hidden"               gorm:"not null;default:false"`
	IgnoreUpdates bool       `json:"-"                    gorm:"not null;default:false"`
}

// TableName returns the database table name for Attribute.
func (Attribute) TableName() string { return "attributes" }

// Value renders the attribute value as a string. It returns nil when neither
// a text nor a date value is set.
func (a *Attribute) Value() *string {
	switch {
	case a.DateValue != nil:
		s := a.DateValue.Format(DateLayout)
		return &s
	case a.TextValue != nil:
		s := *a.TextValue
		return &s
	}
	return nil
}

// Change is a single {name, old, new} entry of a changeset diff. A nil Old or
// New stands for an absent value.
type Change struct {
	Name string  `json:"name"`
	Old  *string `json:"old"`
	New  *string `json:"new"`
}

// ChangeDiff is the structured body of a changeset.
type ChangeDiff struct {
	Properties []Change `json:"properties"`
	Attributes []Change `json:"attributes"`
}

// Empty reports whether the diff carries no entries.
func (d ChangeDiff) Empty() bool {
	return len(d.Properties) == 0 && len(d.Attributes) == 0
}

// Changeset is an immutable record of what changed on a proposal during one
// upsert. It is only written when the diff is non-empty.
type Changeset struct {
	ID         uint                           `json:"id"      gorm:"primaryKey"`
	ProposalID uint                           `json:"-"       gorm:"not null;index:idx_changeset_proposal_created,priority:1"`
	Created    time.Time                      `json:"created" gorm:"not null;index:idx_changeset_proposal_created,priority:2"`
	Diff       datatypes.JSONType[ChangeDiff] `json:"change"  gorm:"column:diff;not null"`

	Proposal Proposal `json:"-" gorm:"foreignKey:ProposalID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName returns the database table name for Changeset.
func (Changeset) TableName() string { return "changesets" }

// Document is a file attached to a proposal (or one of its events). A URL is
// attached at most once per proposal (ux_doc_proposal_url).
type Document struct {
	ID         uint      `json:"id"                   gorm:"primaryKey"`
	ProposalID uint      `json:"-"                    gorm:"not null;uniqueIndex:ux_doc_proposal_url,priority:1"`
	EventID    *uint     `json:"event_id,omitempty"   gorm:"index"`
	URL        string    `json:"url"                  gorm:"type:varchar(512);not null;uniqueIndex:ux_doc_proposal_url,priority:2"`
	Title      string    `json:"title"                gorm:"type:varchar(255)"`
	Category   string    `json:"category"             gorm:"type:varchar(128)"`
	Kind       string    `json:"kind"                 gorm:"type:varchar(16);not null;default:'unknown'"`
	LocalFile  string    `json:"-"                    gorm:"type:varchar(512)"`
	Fulltext   *string   `json:"-"                    gorm:"type:text"`
	Created    time.Time `json:"created"              gorm:"not null;index"`
}

// TableName returns the database table name for Document.
func (Document) TableName() string { return "documents" }

// Image is a picture attached to a proposal, unique per (proposal, url).
type Image struct {
	ID         uint      `json:"id"                  gorm:"primaryKey"`
	ProposalID uint      `json:"-"                   gorm:"not null;uniqueIndex:ux_image_proposal_url,priority:1"`
	EventID    *uint     `json:"event_id,omitempty"  gorm:"index"`
	URL        string    `json:"url"                 gorm:"type:varchar(512);not null;uniqueIndex:ux_image_proposal_url,priority:2"`
	Thumbnail  string    `json:"thumbnail,omitempty" gorm:"type:varchar(512)"`
	Created    time.Time `json:"created"             gorm:"not null;index"`
}

// TableName returns the database table name for Image.
func (Image) TableName() string { return "images" }

// Event is a public meeting or hearing at which proposals are discussed.
type Event struct {
	ID         uint      `json:"id"          gorm:"primaryKey"`
	RegionName string    `json:"region_name" gorm:"type:varchar(128);not null;uniqueIndex:ux_event,priority:1"`
	Title      string    `json:"title"       gorm:"type:varchar(255);not null;uniqueIndex:ux_event,priority:2"`
	Date       time.Time `json:"date"        gorm:"not null;uniqueIndex:ux_event,priority:3"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// Parcel is a tax parcel. LotSize feeds the lot-size quantile buckets.
type Parcel struct {
	ID         uint      `json:"id"          gorm:"primaryKey"`
	ExternalID string    `json:"external_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Address    string    `json:"address"     gorm:"type:varchar(255)"`
	LotSize    float64   `json:"lot_size"    gorm:"not null;default:0;index"`
	Updated    time.Time `json:"updated"     gorm:"not null"`
}

// TableName returns the database table name for Parcel.
func (Parcel) TableName() string { return "parcels" }

// Project is a longer-running civic project that proposals may belong to.
type Project struct {
	ID         uint      `json:"id"          gorm:"primaryKey"`
	Name       string    `json:"name"        gorm:"type:varchar(255);not null"`
	RegionName string    `json:"region_name" gorm:"type:varchar(128);not null;index"`
	Status     string    `json:"status"      gorm:"type:varchar(64)"`
	Created    time.Time `json:"created"     gorm:"not null"`
}

// TableName returns the database table name for Project.
func (Project) TableName() string { return "projects" }

// User owns subscriptions and receives their notifications.
type User struct {
	ID       uint      `json:"id"       gorm:"primaryKey"`
	Email    string    `json:"email"    gorm:"type:varchar(255);not null;uniqueIndex"`
	Name     string    `json:"name"     gorm:"type:varchar(255)"`
	Language string    `json:"language" gorm:"type:varchar(16);not null;default:'en'"`
	Created  time.Time `json:"created"  gorm:"not null"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// QueryVersion is the current version of the stored subscription query schema.
const QueryVersion = 1

// ErrGeometryConflict is returned when a subscription constrains geography by
// both a center/radius and a polygon.
var ErrGeometryConflict = errors.New("subscription may have a center+radius or a polygon, not both")

// Subscription is a persisted query with a geographic/temporal scope and a
// notification watermark, owned by a user.
//
// Fields:
//   - Query / QueryVersion: declarative key/value query spec and its schema version.
//   - CenterLat / CenterLng / RadiusMeters: optional circular scope.
//   - Polygon: optional bounding polygon ([lng, lat] rings); mutually
//     exclusive with the circular scope.
//   - Active: nil until confirmed; otherwise last confirmed-active time.
//   - LastNotified: watermark; only advanced after a successful send.
type Subscription struct {
	ID           uint                                  `json:"id"             gorm:"primaryKey"`
	UserID       uint                                  `json:"user_id"        gorm:"not null;index"`
	Query        datatypes.JSONType[map[string]string] `json:"query"          gorm:"not null"`
	QueryVersion int                                   `json:"query_version"  gorm:"not null;default:1"`
	CenterLat    *float64                              `json:"center_lat,omitempty"`
	CenterLng    *float64                              `json:"center_lng,omitempty"`
	RadiusMeters *float64                              `json:"radius_m,omitempty"`
	Polygon      datatypes.JSONType[orb.Polygon]       `json:"polygon,omitempty"`
	RegionName   string                                `json:"region_name"    gorm:"type:varchar(128)"`
	Active       *time.Time                            `json:"active,omitempty" gorm:"index"`
	LastNotified time.Time                             `json:"last_notified"  gorm:"not null;index"`
	SiteName     string                                `json:"site_name"      gorm:"type:varchar(64);not null;default:''"`
	Created      time.Time                             `json:"created"        gorm:"not null"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// Spec returns a copy of the stored query spec.
func (s *Subscription) Spec() map[string]string {
	src := s.Query.Data()
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// HasCircle reports whether the subscription is scoped by center+radius.
func (s *Subscription) HasCircle() bool {
	return s.CenterLat != nil && s.CenterLng != nil && s.RadiusMeters != nil && *s.RadiusMeters > 0
}

// HasPolygon reports whether the subscription is scoped by a polygon.
func (s *Subscription) HasPolygon() bool {
	poly := s.Polygon.Data()
	return len(poly) > 0 && len(poly[0]) >= 3
}

// Validate checks the geometry invariant.
func (s *Subscription) Validate() error {
	if s.HasCircle() && s.HasPolygon() {
		return ErrGeometryConflict
	}
	return nil
}

// ImporterState stores the per-source cursor of the last successful
// ingestion run.
type ImporterState struct {
	Name    string    `gorm:"type:varchar(128);primaryKey"`
	LastRun time.Time `gorm:"not null"`
}

// TableName returns the database table name for ImporterState.
func (ImporterState) TableName() string { return "importer_states" }
