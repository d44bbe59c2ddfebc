package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tbourn/go-planwatch/internal/search"
)

// ErrInvalidQuery is returned by Build for a malformed query spec. Callers
// treat it as a validation error: the query is rejected, nothing else fails.
var ErrInvalidQuery = errors.New("invalid query")

// AttrPrefix introduces attribute full-text keys: "attr.<handle>" matches one
// attribute, "attr.*" matches any.
const AttrPrefix = "attr."

// LotSizeBuckets are the tertile boundaries of the global lot-size
// distribution. small is lot_size < Lower, large is lot_size >= Upper and
// medium is everything in between.
type LotSizeBuckets struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Builder converts query specs into Predicates. It has no side effects: the
// clock, time zones and lot-size buckets are injected.
type Builder struct {
	// Now returns the reference time for relative time ranges. Defaults to time.Now.
	Now func() time.Time
	// Location returns the local time zone of a region. Defaults to UTC.
	Location func(region string) *time.Location
	// Region, when set, picks the time zone for date parsing. Otherwise the
	// first region of the spec does.
	Region string
	// Buckets are the lot-size tertiles; nil makes bucket names invalid.
	Buckets *LotSizeBuckets
}

// keys consumed together with another key rather than on their own.
var companionKeys = map[string]struct{}{
	"r": {}, "end": {}, "start": {}, "month": {}, "timerange": {}, "status": {},
}

// Build converts spec into a Predicate. Keys are processed in sorted order so
// identical specs always render identical SQL. Unknown keys are ignored.
func (b *Builder) Build(spec map[string]string) (Predicate, error) {
	var p Predicate

	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := companionKeys[k]; ok {
			continue
		}
		v := strings.TrimSpace(spec[k])
		var (
			next Predicate
			err  error
		)
		switch {
		case k == "id":
			next, err = idClause("proposals.id", v)
		case k == "text":
			next = textClause(v)
		case k == "region":
			next = InRegions(splitList(v, ";")...)
		case k == "lotsize":
			next, err = b.lotSizeClause(v)
		case k == "box":
			next, err = boxClause(v)
		case k == "center":
			next, err = centerClause(v, spec["r"])
		case k == "projects":
			next, err = projectsClause(v)
		case k == "parcel":
			next, err = idClause("proposals.parcel_id", v)
		case k == "event":
			next, err = eventClause(v)
		case strings.HasPrefix(k, AttrPrefix):
			next, err = attrClause(strings.TrimPrefix(k, AttrPrefix), v)
		default:
			continue
		}
		if err != nil {
			return Predicate{}, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, k, err)
		}
		p = p.And(next)
	}

	tp, err := b.timeClause(spec)
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	p = p.And(tp)

	return p.And(statusClause(spec["status"])), nil
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// location resolves the time zone of b.Region, or of the first region named
// in spec.
func (b *Builder) location(spec map[string]string) *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	region := strings.TrimSpace(b.Region)
	if region == "" {
		if regions := splitList(spec["region"], ";"); len(regions) > 0 {
			region = regions[0]
		}
	}
	if loc := b.Location(region); loc != nil {
		return loc
	}
	return time.UTC
}

// ----------------------------------------------------------------------------
// Clauses

func idClause(col, v string) (Predicate, error) {
	ids, err := parseIDs(v)
	if err != nil {
		return Predicate{}, err
	}
	return Where(sq.Eq{col: ids}), nil
}

// likeEscaper quotes LIKE wildcards with '!', which means the same thing
// on sqlite, postgres and mysql.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// containsExpr matches col case-insensitively against the literal substring v.
func containsExpr(col, v string) sq.Sqlizer {
	return sq.Expr("LOWER("+col+") LIKE ? ESCAPE '!'", "%"+likeEscaper.Replace(strings.ToLower(v))+"%")
}

func textClause(v string) Predicate {
	if v == "" {
		return Predicate{}
	}
	return Where(containsExpr("proposals.address", v))
}

func statusClause(v string) Predicate {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "active":
		return Where(sq.Eq{"proposals.complete": nil})
	case "closed":
		return Where(sq.NotEq{"proposals.complete": nil})
	default:
		return Predicate{}
	}
}

func projectsClause(v string) (Predicate, error) {
	switch strings.ToLower(v) {
	case "null":
		return Where(sq.Eq{"proposals.project_id": nil}), nil
	case "all":
		return Where(sq.NotEq{"proposals.project_id": nil}), nil
	}
	return idClause("proposals.project_id", v)
}

func eventClause(v string) (Predicate, error) {
	ids, err := parseIDs(v)
	if err != nil {
		return Predicate{}, err
	}
	sub := sq.Select("1").
		From("proposal_events pe").
		Where("pe.proposal_id = proposals.id").
		Where(sq.Eq{"pe.event_id": ids})
	return Where(exists(sub)), nil
}

// attrClause renders one attribute full-text filter as its own EXISTS
// subquery, so several attr keys must all match. Every term of the value must
// appear in the same attribute.
func attrClause(handle, v string) (Predicate, error) {
	terms := search.Terms(v)
	if len(terms) == 0 {
		return Predicate{}, errors.New("no searchable terms")
	}
	sub := sq.Select("1").
		From("attributes a").
		Where("a.proposal_id = proposals.id").
		Where(sq.Eq{"a.hidden": false})
	if handle != "*" {
		h := search.Slug(handle)
		if h == "" {
			return Predicate{}, errors.New("empty attribute handle")
		}
		sub = sub.Where(sq.Eq{"a.handle": h})
	}
	for _, t := range terms {
		sub = sub.Where(containsExpr("a.text_value", t))
	}
	return Where(exists(sub)), nil
}

func (b *Builder) lotSizeClause(v string) (Predicate, error) {
	var cond sq.Sqlizer
	switch strings.ToLower(v) {
	case "small", "medium", "large":
		if b.Buckets == nil {
			return Predicate{}, errors.New("lot-size buckets unavailable")
		}
		switch strings.ToLower(v) {
		case "small":
			cond = sq.Lt{"lot_size": b.Buckets.Lower}
		case "medium":
			cond = sq.And{sq.GtOrEq{"lot_size": b.Buckets.Lower}, sq.Lt{"lot_size": b.Buckets.Upper}}
		default:
			cond = sq.GtOrEq{"lot_size": b.Buckets.Upper}
		}
	default:
		c, err := parseComparison("lot_size", v)
		if err != nil {
			return Predicate{}, err
		}
		cond = c
	}
	sub := sq.Select("id").From("parcels").Where(cond)
	sql, args, err := sub.ToSql()
	if err != nil {
		return Predicate{}, err
	}
	return Where(sq.Expr("proposals.parcel_id IN ("+sql+")", args...)), nil
}

func boxClause(v string) (Predicate, error) {
	b, err := ParseBox(v)
	if err != nil {
		return Predicate{}, err
	}
	return WithinBound(b), nil
}

func centerClause(center, r string) (Predicate, error) {
	pt, err := ParsePoint(center)
	if err != nil {
		return Predicate{}, err
	}
	if strings.TrimSpace(r) == "" {
		return Predicate{}, errors.New("center requires r")
	}
	meters, err := ParseDistance(r)
	if err != nil {
		return Predicate{}, err
	}
	return WithinRadius(pt, meters), nil
}

// timeClause resolves month, start/end and timerange into a half-open
// [after, before) interval on started. timerange wins over month, which wins
// over start/end.
func (b *Builder) timeClause(spec map[string]string) (Predicate, error) {
	loc := b.location(spec)
	var (
		after, before *time.Time
		err           error
	)
	switch {
	case strings.TrimSpace(spec["timerange"]) != "":
		after, before, err = ParseTimerange(spec["timerange"], b.now(), loc)
	case strings.TrimSpace(spec["month"]) != "":
		after, before, err = parseMonth(spec["month"], loc)
	case strings.TrimSpace(spec["start"]) != "" || strings.TrimSpace(spec["end"]) != "":
		after, before, err = parseStartEnd(spec["start"], spec["end"], loc)
	default:
		return Predicate{}, nil
	}
	if err != nil {
		return Predicate{}, err
	}
	var clauses []sq.Sqlizer
	if after != nil {
		clauses = append(clauses, sq.GtOrEq{"proposals.started": after.UTC()})
	}
	if before != nil {
		clauses = append(clauses, sq.Lt{"proposals.started": before.UTC()})
	}
	return Where(clauses...), nil
}

func exists(sub sq.SelectBuilder) sq.Sqlizer {
	sql, args, err := sub.ToSql()
	if err != nil {
		return errSqlizer{err}
	}
	return sq.Expr("EXISTS ("+sql+")", args...)
}

// errSqlizer defers a rendering error to ToSql.
type errSqlizer struct{ err error }

func (e errSqlizer) ToSql() (string, []any, error) { return "", nil, e.err }
