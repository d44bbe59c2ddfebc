// Package query turns declarative key/value query specs into predicates over
// the proposal store. The same Predicate drives ad-hoc search and
// subscription matching.
//
// A Predicate is a conjunction of SQL clauses (Masterminds/squirrel Sqlizers)
// plus exact geometric refinements (github.com/paulmach/orb) that cannot be
// expressed portably in SQL. Geometry is prefiltered in SQL by bounding box
// and refined on loaded rows with Refine.
package query

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/domain"
)

// Predicate is a composable conjunction of clauses. The zero value matches
// every proposal.
type Predicate struct {
	clauses []sq.Sqlizer
	circles []circle
	polys   []orb.Polygon
}

type circle struct {
	center orb.Point
	meters float64
}

// ToSql renders the SQL part of the predicate. It implements sq.Sqlizer so a
// Predicate can be nested in other squirrel expressions.
func (p Predicate) ToSql() (string, []any, error) {
	return sq.And(p.clauses).ToSql()
}

// And returns the conjunction of p and o. Neither operand is modified.
func (p Predicate) And(o Predicate) Predicate {
	out := Predicate{
		clauses: make([]sq.Sqlizer, 0, len(p.clauses)+len(o.clauses)),
		circles: make([]circle, 0, len(p.circles)+len(o.circles)),
		polys:   make([]orb.Polygon, 0, len(p.polys)+len(o.polys)),
	}
	out.clauses = append(append(out.clauses, p.clauses...), o.clauses...)
	out.circles = append(append(out.circles, p.circles...), o.circles...)
	out.polys = append(append(out.polys, p.polys...), o.polys...)
	return out
}

// Apply adds the SQL part of the predicate to q. Rendering errors are
// attached to q so they surface on execution.
func (p Predicate) Apply(q *gorm.DB) *gorm.DB {
	if len(p.clauses) == 0 {
		return q
	}
	sql, args, err := p.ToSql()
	if err != nil {
		_ = q.AddError(err)
		return q
	}
	return q.Where(sql, args...)
}

// Scope returns Apply as a GORM scope.
func (p Predicate) Scope() func(*gorm.DB) *gorm.DB {
	return p.Apply
}

// NeedsRefinement reports whether Refine may drop rows that the SQL part
// selected.
func (p Predicate) NeedsRefinement() bool {
	return len(p.circles) > 0 || len(p.polys) > 0
}

// Matches evaluates the geometric refinements against a loaded proposal.
// SQL clauses are assumed to have been applied already.
func (p Predicate) Matches(pr *domain.Proposal) bool {
	if !p.NeedsRefinement() {
		return true
	}
	pt, ok := pr.Point()
	if !ok {
		return false
	}
	for _, c := range p.circles {
		if geo.DistanceHaversine(c.center, pt) > c.meters {
			return false
		}
	}
	for _, poly := range p.polys {
		if !planar.PolygonContains(poly, pt) {
			return false
		}
	}
	return true
}

// Refine filters rows in place by Matches and returns the kept prefix.
func (p Predicate) Refine(rows []domain.Proposal) []domain.Proposal {
	if !p.NeedsRefinement() {
		return rows
	}
	kept := rows[:0]
	for i := range rows {
		if p.Matches(&rows[i]) {
			kept = append(kept, rows[i])
		}
	}
	return kept
}

// String renders the predicate with its arguments for logs and tests.
func (p Predicate) String() string {
	sql, args, err := p.ToSql()
	if err != nil {
		return "!" + err.Error()
	}
	s := fmt.Sprintf("%s %v", sql, args)
	for _, c := range p.circles {
		s += fmt.Sprintf(" within(%.6f,%.6f;%.1fm)", c.center.Lat(), c.center.Lon(), c.meters)
	}
	if n := len(p.polys); n > 0 {
		s += fmt.Sprintf(" inside(%d polygons)", n)
	}
	return s
}

// ----------------------------------------------------------------------------
// Geometry predicates

// WithinRadius matches proposals within meters of center (a [lng, lat]
// point).
func WithinRadius(center orb.Point, meters float64) Predicate {
	b := geo.NewBoundAroundPoint(center, meters)
	return Predicate{
		clauses: []sq.Sqlizer{boundClause(b)},
		circles: []circle{{center: center, meters: meters}},
	}
}

// WithinPolygon matches proposals inside poly ([lng, lat] rings).
func WithinPolygon(poly orb.Polygon) Predicate {
	return Predicate{
		clauses: []sq.Sqlizer{boundClause(poly.Bound())},
		polys:   []orb.Polygon{poly},
	}
}

// WithinBound matches proposals inside an axis-aligned bounding box.
func WithinBound(b orb.Bound) Predicate {
	return Predicate{clauses: []sq.Sqlizer{boundClause(b)}}
}

// InRegions matches proposals in any of the given regions. No regions means
// no restriction.
func InRegions(regions ...string) Predicate {
	if len(regions) == 0 {
		return Predicate{}
	}
	return Predicate{clauses: []sq.Sqlizer{sq.Eq{"proposals.region_name": regions}}}
}

// Where wraps raw SQL clauses in a Predicate.
func Where(clauses ...sq.Sqlizer) Predicate {
	return Predicate{clauses: clauses}
}

func boundClause(b orb.Bound) sq.Sqlizer {
	return sq.And{
		sq.NotEq{"proposals.lat": nil},
		sq.NotEq{"proposals.lng": nil},
		sq.GtOrEq{"proposals.lat": b.Min.Lat()},
		sq.LtOrEq{"proposals.lat": b.Max.Lat()},
		sq.GtOrEq{"proposals.lng": b.Min.Lon()},
		sq.LtOrEq{"proposals.lng": b.Max.Lon()},
	}
}
