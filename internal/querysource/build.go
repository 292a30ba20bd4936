package querysource

import (
	"fmt"

	"github.com/alishiba14/IGEA/internal/domain"
)

// Columns names the logical columns of the query dataset.
type Columns struct {
	ID       string `yaml:"id"`
	Location string `yaml:"location"`
	Name     string `yaml:"name"`

	// KnownID defaults to ID: a knowledge-graph entity is its own ground
	// truth.
	KnownID string `yaml:"known_id"`
}

// DefaultColumns matches the knowledge-graph dump.
func DefaultColumns() Columns {
	return Columns{ID: "wkid", Location: "location", Name: "name"}
}

// Build is the result of BuildQueries.
type Build struct {
	Queries []domain.QueryEntity

	// Passthrough names the columns copied into every output row.
	Passthrough []string

	// InvalidLocations counts rows whose location could not be parsed.
	// They are kept and fail individually at lookup.
	InvalidLocations int

	// Duplicates counts rows dropped because their id was already seen.
	Duplicates int
}

// BuildQueries turns a table into query entities for mode. Columns consumed
// by the lookup, and the id column, are not passed through.
func BuildQueries(t Table, mode domain.Mode, cols Columns) (Build, error) {
	idIdx := t.Index(cols.ID)
	if idIdx < 0 {
		return Build{}, fmt.Errorf("BuildQueries: id column %q not found", cols.ID)
	}
	knownCol := cols.KnownID
	if knownCol == "" {
		knownCol = cols.ID
	}
	knownIdx := t.Index(knownCol)
	if knownIdx < 0 {
		return Build{}, fmt.Errorf("BuildQueries: known id column %q not found", knownCol)
	}

	locIdx, nameIdx := t.Index(cols.Location), t.Index(cols.Name)
	switch mode.Schema().Lookup {
	case domain.LookupByName:
		if nameIdx < 0 {
			return Build{}, fmt.Errorf("BuildQueries: name column %q not found", cols.Name)
		}
	default:
		if locIdx < 0 {
			return Build{}, fmt.Errorf("BuildQueries: location column %q not found", cols.Location)
		}
	}

	skip := map[int]bool{idIdx: true}
	if mode.Consumes(domain.QueryColumnLocation) && locIdx >= 0 {
		skip[locIdx] = true
	}
	if mode.Consumes(domain.QueryColumnName) && nameIdx >= 0 {
		skip[nameIdx] = true
	}

	var b Build
	var keep []int
	for i, c := range t.Columns {
		if !skip[i] {
			keep = append(keep, i)
			b.Passthrough = append(b.Passthrough, c)
		}
	}

	seen := make(map[string]bool, len(t.Rows))
	b.Queries = make([]domain.QueryEntity, 0, len(t.Rows))
	for _, row := range t.Rows {
		get := func(i int) string {
			if i < 0 || i >= len(row) {
				return ""
			}
			return row[i]
		}

		id := get(idIdx)
		if seen[id] {
			b.Duplicates++
			continue
		}
		seen[id] = true

		q := domain.QueryEntity{ID: id, KnownID: get(knownIdx), Name: get(nameIdx)}
		if locIdx >= 0 && mode.Schema().Lookup == domain.LookupByPoint {
			if pt, err := domain.ParsePoint(get(locIdx)); err == nil {
				q.Location = &pt
			} else {
				b.InvalidLocations++
			}
		}
		q.Passthrough = make([]string, len(keep))
		for j, i := range keep {
			q.Passthrough[j] = get(i)
		}
		b.Queries = append(b.Queries, q)
	}
	return b, nil
}
