// Package store defines the read-only candidate store capability shared by
// the PostGIS, BigQuery and in-memory backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/alishiba14/IGEA/internal/domain"
)

var (
	// ErrStoreUnavailable is returned when no connection to the store can be
	// produced. It is fatal for a run.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConnBroken marks a lookup error after which the connection must not
	// be reused.
	ErrConnBroken = errors.New("store connection broken")
)

// Unavailable wraps err so that it matches ErrStoreUnavailable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Broken wraps err so that it matches ErrConnBroken.
func Broken(err error) error {
	return fmt.Errorf("%w: %w", ErrConnBroken, err)
}

// Candidate is a raw store row as returned by a lookup, before tag
// filtering and classification.
type Candidate struct {
	StoreID    int64
	Score      float64
	Attributes map[string]any // the full store row as a JSON object
	KnownID    string         // raw cross-reference id, empty when null
}

// Conn is a live connection to the candidate store.
//
// Implementations return candidates in ranking order: ascending distance for
// LookupByPoint, descending similarity for LookupByName.
type Conn interface {
	// LookupByPoint returns up to limit rows within threshold (store units)
	// of pt.
	LookupByPoint(ctx context.Context, pt domain.Point, threshold float64, limit int) ([]Candidate, error)

	// LookupByName returns up to limit rows ranked by case-insensitive
	// similarity to name. Rows without a name are never returned.
	LookupByName(ctx context.Context, name string, limit int) ([]Candidate, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// Layout names the relation and columns the backends query.
type Layout struct {
	View           string `yaml:"view"`
	IDColumn       string `yaml:"id_column"`
	GeometryColumn string `yaml:"geometry_column"`
	NameColumn     string `yaml:"name_column"`
	TagsColumn     string `yaml:"tags_column"`
	KnownIDColumn  string `yaml:"known_id_column"`
}

// DefaultLayout matches the osm2pgsql flex import joined with the
// prediction table.
func DefaultLayout() Layout {
	return Layout{
		View:           "osm_candidates",
		IDColumn:       "osm_id",
		GeometryColumn: "way",
		NameColumn:     "name",
		TagsColumn:     "tags",
		KnownIDColumn:  "wkid",
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// Validate rejects identifiers that cannot be safely interpolated into SQL.
func (l Layout) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"view", l.View},
		{"id_column", l.IDColumn},
		{"geometry_column", l.GeometryColumn},
		{"name_column", l.NameColumn},
		{"tags_column", l.TagsColumn},
		{"known_id_column", l.KnownIDColumn},
	}
	for _, f := range fields {
		if !identRe.MatchString(f.value) {
			return fmt.Errorf("store layout: invalid %s %q", f.name, f.value)
		}
	}
	return nil
}
