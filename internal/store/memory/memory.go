// Package memory is an in-process candidate store. It reproduces the
// ranking semantics of the PostGIS backend (EPSG:3857 distances, trigram
// similarity) and backs local fixture runs and tests.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/store"
)

// Record is one candidate held by the store.
type Record struct {
	StoreID  int64             `json:"osm_id"`
	Location domain.Point      `json:"-"`
	WKT      string            `json:"way"`
	Name     string            `json:"name,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	KnownID  string            `json:"wkid,omitempty"`
	Extra    map[string]any    `json:"extra,omitempty"`
}

// attributes mirrors jsonb_strip_nulls(to_jsonb(row)) of the view.
func (r Record) attributes() map[string]any {
	attrs := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		attrs[k] = v
	}
	attrs["osm_id"] = r.StoreID
	attrs["way"] = r.Location.WKT()
	if r.Name != "" {
		attrs["name"] = r.Name
	}
	if len(r.Tags) > 0 {
		tags := make(map[string]any, len(r.Tags))
		for k, v := range r.Tags {
			tags[k] = v
		}
		attrs["tags"] = tags
	}
	if r.KnownID != "" {
		attrs["wkid"] = r.KnownID
	}
	return attrs
}

// Store holds records in memory. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

// New creates a store holding the given records.
func New(records ...Record) *Store {
	s := &Store{}
	s.records = append(s.records, records...)
	return s
}

// LoadFixture reads a JSON-lines file with one Record per line. The "way"
// field holds a WKT point.
func LoadFixture(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFixture: open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("LoadFixture: line %d: %w", line, err)
		}
		pt, err := domain.ParsePoint(r.WKT)
		if err != nil {
			return nil, fmt.Errorf("LoadFixture: line %d: %w", line, err)
		}
		r.Location = pt
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("LoadFixture: reading %q: %w", path, err)
	}

	return New(records...), nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dial returns a new connection. It fails once the store is shut down.
func (s *Store) Dial(ctx context.Context) (store.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.Unavailable(fmt.Errorf("memory store is shut down"))
	}
	return &conn{s: s}, nil
}

// Shutdown makes subsequent dials fail, simulating an unreachable store.
func (s *Store) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type conn struct {
	s      *Store
	closed bool
}

type scored struct {
	rec   Record
	score float64
}

func (c *conn) LookupByPoint(ctx context.Context, pt domain.Point, threshold float64, limit int) ([]store.Candidate, error) {
	if c.closed {
		return nil, store.Broken(fmt.Errorf("connection closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qx, qy := mercator(pt)

	c.s.mu.RLock()
	var hits []scored
	for _, r := range c.s.records {
		x, y := mercator(r.Location)
		d := math.Hypot(x-qx, y-qy)
		if d <= threshold {
			hits = append(hits, scored{rec: r, score: d})
		}
	}
	c.s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return hits[i].rec.StoreID < hits[j].rec.StoreID
	})
	return toCandidates(hits, limit), nil
}

func (c *conn) LookupByName(ctx context.Context, name string, limit int) ([]store.Candidate, error) {
	if c.closed {
		return nil, store.Broken(fmt.Errorf("connection closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	folder := cases.Fold()
	q := trigrams(fold(folder, name))

	c.s.mu.RLock()
	var hits []scored
	for _, r := range c.s.records {
		if r.Name == "" {
			continue
		}
		hits = append(hits, scored{rec: r, score: similarity(q, trigrams(fold(folder, r.Name)))})
	}
	c.s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.StoreID < hits[j].rec.StoreID
	})
	return toCandidates(hits, limit), nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func toCandidates(hits []scored, limit int) []store.Candidate {
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]store.Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, store.Candidate{
			StoreID:    h.rec.StoreID,
			Score:      h.score,
			Attributes: h.rec.attributes(),
			KnownID:    h.rec.KnownID,
		})
	}
	return out
}

const earthRadius = 6378137.0

// mercator projects to EPSG:3857 metres, the unit of the PostGIS geometry
// column.
func mercator(p domain.Point) (x, y float64) {
	x = earthRadius * p.Lon * math.Pi / 180
	lat := math.Max(math.Min(p.Lat, 85.05112878), -85.05112878)
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// fold lower-cases in a Unicode-aware way. A Caser is stateful and must not
// be shared between goroutines.
func fold(c cases.Caser, s string) string {
	return c.String(norm.NFC.String(s))
}
