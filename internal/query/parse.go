package query

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
)

// Distance units accepted by ParseDistance, in meters.
var distanceUnits = map[string]float64{
	"":      1,
	"m":     1,
	"km":    1000,
	"ft":    0.3048,
	"feet":  0.3048,
	"mi":    1609.344,
	"mile":  1609.344,
	"miles": 1609.344,
}

var distanceRE = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-z]*)$`)

// ParseDistance converts a distance such as "300ft", "2km", "1mi" or "500m"
// into meters. A bare number is meters.
func ParseDistance(s string) (float64, error) {
	m := distanceRE.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("bad distance %q", s)
	}
	factor, ok := distanceUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("unknown distance unit %q", m[2])
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad distance %q", s)
	}
	return n * factor, nil
}

// ParsePoint parses "lat,lng" into an orb point ([lng, lat] order).
func ParsePoint(s string) (orb.Point, error) {
	fs, err := parseFloats(s, 2)
	if err != nil {
		return orb.Point{}, err
	}
	if err := checkLatLng(fs[0], fs[1]); err != nil {
		return orb.Point{}, err
	}
	return orb.Point{fs[1], fs[0]}, nil
}

// ParseBox parses "swlat,swlng,nelat,nelng" into a bound.
func ParseBox(s string) (orb.Bound, error) {
	fs, err := parseFloats(s, 4)
	if err != nil {
		return orb.Bound{}, err
	}
	if err := checkLatLng(fs[0], fs[1]); err != nil {
		return orb.Bound{}, err
	}
	if err := checkLatLng(fs[2], fs[3]); err != nil {
		return orb.Bound{}, err
	}
	if fs[0] > fs[2] || fs[1] > fs[3] {
		return orb.Bound{}, errors.New("box corners out of order")
	}
	return orb.Bound{Min: orb.Point{fs[1], fs[0]}, Max: orb.Point{fs[3], fs[2]}}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out[i] = f
	}
	return out, nil
}

func checkLatLng(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("coordinate out of range: %v,%v", lat, lng)
	}
	return nil
}

// parseIDs parses a comma-separated id list. The result is sorted and
// de-duplicated.
func parseIDs(s string) ([]uint, error) {
	parts := splitList(s, ",")
	if len(parts) == 0 {
		return nil, errors.New("empty id list")
	}
	seen := make(map[uint]struct{}, len(parts))
	out := make([]uint, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", p)
		}
		if _, dup := seen[uint(n)]; dup {
			continue
		}
		seen[uint(n)] = struct{}{}
		out = append(out, uint(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// splitList splits s on sep, trimming items and dropping empties.
func splitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

var comparisonRE = regexp.MustCompile(`^(<=|>=|<|>|=)?\s*([0-9]*\.?[0-9]+)$`)

// parseComparison parses "<N", "<=N", ">N", ">=N", "=N" or "N" into a clause
// on col.
func parseComparison(col, s string) (sq.Sqlizer, error) {
	m := comparisonRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("bad comparison %q", s)
	}
	n, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", m[2])
	}
	switch m[1] {
	case "<":
		return sq.Lt{col: n}, nil
	case "<=":
		return sq.LtOrEq{col: n}, nil
	case ">":
		return sq.Gt{col: n}, nil
	case ">=":
		return sq.GtOrEq{col: n}, nil
	default:
		return sq.Eq{col: n}, nil
	}
}

// ----------------------------------------------------------------------------
// Time ranges

var (
	relativeRE     = regexp.MustCompile(`^([<>])((?:-?\d+[dmy])+)$`)
	relativePartRE = regexp.MustCompile(`(-?\d+)([dmy])`)
	explicitRE     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{8})-(\d{4}-\d{2}-\d{2}|\d{8})$`)
)

// ParseTimerange resolves a timerange value into a half-open [after, before)
// interval. Either bound may be nil.
//
// Two forms are accepted:
//   - an explicit pair "YYYY-MM-DD-YYYY-MM-DD" (or "YYYYMMDD-YYYYMMDD"); the
//     end day is included.
//   - a relative offset "(<|>)(-?N[dmy])+", counted back from local midnight
//     of now in loc. ">" means at least that long ago, "<" means within that
//     span.
func ParseTimerange(s string, now time.Time, loc *time.Location) (after, before *time.Time, err error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if loc == nil {
		loc = time.UTC
	}

	if m := relativeRE.FindStringSubmatch(s); m != nil {
		var days, months, years int
		for _, part := range relativePartRE.FindAllStringSubmatch(m[2], -1) {
			n, err := strconv.Atoi(part[1])
			if err != nil {
				return nil, nil, fmt.Errorf("bad offset %q", part[0])
			}
			switch part[2] {
			case "d":
				days += n
			case "m":
				months += n
			case "y":
				years += n
			}
		}
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		t := midnight.AddDate(-years, -months, -days)
		if m[1] == ">" {
			return nil, &t, nil
		}
		return &t, nil, nil
	}

	if m := explicitRE.FindStringSubmatch(s); m != nil {
		start, err := parseDay(m[1], loc)
		if err != nil {
			return nil, nil, err
		}
		end, err := parseDay(m[2], loc)
		if err != nil {
			return nil, nil, err
		}
		end = end.AddDate(0, 0, 1)
		if !start.Before(end) {
			return nil, nil, fmt.Errorf("empty time range %q", s)
		}
		return &start, &end, nil
	}

	return nil, nil, fmt.Errorf("bad timerange %q", s)
}

func parseMonth(s string, loc *time.Location) (after, before *time.Time, err error) {
	t, err := time.ParseInLocation("2006-01", strings.TrimSpace(s), loc)
	if err != nil {
		return nil, nil, fmt.Errorf("bad month %q", s)
	}
	end := t.AddDate(0, 1, 0)
	return &t, &end, nil
}

// parseStartEnd accepts start as "DATE" or "DATE,DATE" and an optional end
// key. The end day is included.
func parseStartEnd(start, end string, loc *time.Location) (after, before *time.Time, err error) {
	if parts := splitList(start, ","); len(parts) == 2 {
		start, end = parts[0], parts[1]
	} else if len(parts) > 2 {
		return nil, nil, fmt.Errorf("bad start %q", start)
	}
	if s := strings.TrimSpace(start); s != "" {
		t, err := parseDay(s, loc)
		if err != nil {
			return nil, nil, err
		}
		after = &t
	}
	if e := strings.TrimSpace(end); e != "" {
		t, err := parseDay(e, loc)
		if err != nil {
			return nil, nil, err
		}
		t = t.AddDate(0, 0, 1)
		before = &t
	}
	if after != nil && before != nil && !after.Before(*before) {
		return nil, nil, errors.New("start is after end")
	}
	return after, before, nil
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	layout := "2006-01-02"
	if !strings.Contains(s, "-") {
		layout = "20060102"
	}
	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", s)
	}
	return t, nil
}
