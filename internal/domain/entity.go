package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Point is a WGS84 coordinate (SRID 4326).
type Point struct {
	Lon float64
	Lat float64
}

// ParsePoint parses a WKT point such as "Point(13.4 52.5)". An optional
// EWKT "SRID=4326;" prefix is accepted and ignored.
func ParsePoint(wkt string) (Point, error) {
	s := strings.TrimSpace(wkt)
	if i := strings.Index(s, ";"); i != -1 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = strings.TrimSpace(s[i+1:])
	}

	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "POINT") {
		return Point{}, fmt.Errorf("ParsePoint: not a point geometry: %q", wkt)
	}
	s = strings.TrimSpace(s[len("POINT"):])
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return Point{}, fmt.Errorf("ParsePoint: malformed point: %q", wkt)
	}

	coords := strings.Fields(s[1 : len(s)-1])
	if len(coords) != 2 {
		return Point{}, fmt.Errorf("ParsePoint: expected 2 coordinates, got %d in %q", len(coords), wkt)
	}

	lon, err := strconv.ParseFloat(coords[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("ParsePoint: longitude: %w", err)
	}
	lat, err := strconv.ParseFloat(coords[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("ParsePoint: latitude: %w", err)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return Point{}, fmt.Errorf("ParsePoint: coordinates out of range: %q", wkt)
	}

	return Point{Lon: lon, Lat: lat}, nil
}

// WKT returns the point in well-known text.
func (p Point) WKT() string {
	return "POINT(" + formatCoord(p.Lon) + " " + formatCoord(p.Lat) + ")"
}

// EWKT returns the point in PostGIS extended WKT with SRID 4326.
func (p Point) EWKT() string {
	return "SRID=4326;" + p.WKT()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// QueryEntity is one reference entity to find candidates for.
// It is immutable once loaded.
type QueryEntity struct {
	ID       string // external identifier, unique per run
	Location *Point // set for point lookups
	Name     string // set for name lookups

	// KnownID is the ground-truth link. Empty means no ground truth.
	KnownID string

	// Passthrough values are copied verbatim into every emitted row.
	Passthrough []string
}

// CandidateRow is one store-side record returned by a lookup.
type CandidateRow struct {
	StoreID    int64
	Score      float64           // distance in store units or similarity in [0,1]
	Tags       map[string]string // filtered tag bag
	TagSummary string            // Tags in the run's configured representation
	KnownID    string            // normalized store-side identifier, may be empty
	Match      bool
}

// Batch is the classified result of a single lookup.
type Batch struct {
	QueryID     string
	Passthrough []string
	Rows        []CandidateRow
	IsLinked    bool
}

// OutputRows flattens the batch in store ranking order.
func (b Batch) OutputRows() []OutputRow {
	out := make([]OutputRow, 0, len(b.Rows))
	for _, r := range b.Rows {
		out = append(out, OutputRow{
			QueryID:     b.QueryID,
			CandidateID: r.StoreID,
			Match:       r.Match,
			Score:       r.Score,
			TagSummary:  r.TagSummary,
			Passthrough: b.Passthrough,
		})
	}
	return out
}

// OutputRow is a single line in one of the output streams.
type OutputRow struct {
	QueryID     string
	CandidateID int64
	Match       bool
	Score       float64
	TagSummary  string
	Passthrough []string
}

// Record renders the row as TSV fields. Booleans are written as True/False
// because the downstream readers are pandas based.
func (r OutputRow) Record() []string {
	rec := make([]string, 0, 5+len(r.Passthrough))
	rec = append(rec,
		r.QueryID,
		strconv.FormatInt(r.CandidateID, 10),
		formatBool(r.Match),
		strconv.FormatFloat(r.Score, 'g', -1, 64),
		r.TagSummary,
	)
	return append(rec, r.Passthrough...)
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// SinkKind identifies one of the two output streams.
type SinkKind int

const (
	// SinkUnmatched receives batches without the ground-truth link.
	SinkUnmatched SinkKind = iota
	// SinkMatched receives batches that contain the ground-truth link.
	SinkMatched
)

func (k SinkKind) String() string {
	switch k {
	case SinkMatched:
		return "matched"
	case SinkUnmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}
