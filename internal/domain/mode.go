package domain

import (
	"fmt"
	"strings"
)

// Mode selects how candidates are looked up for the whole run.
type Mode string

const (
	// ModeSpatial looks up candidates by distance to the query point.
	ModeSpatial Mode = "spatial"
	// ModeName looks up candidates by name similarity.
	ModeName Mode = "name"
	// ModeLegacy is a spatial lookup emitting JSON tag summaries for the
	// custom key-value embeddings.
	ModeLegacy Mode = "legacy"
)

// LookupKind is the store operation a mode uses.
type LookupKind int

const (
	LookupByPoint LookupKind = iota
	LookupByName
)

// TagFormat is the representation of a candidate's tag summary.
type TagFormat string

const (
	// TagFormatConcat joins keys and values with single spaces.
	TagFormatConcat TagFormat = "concat"
	// TagFormatJSON serializes the tag bag as a JSON object.
	TagFormatJSON TagFormat = "json"
)

// Fixed output column names shared by all modes.
const (
	ColumnStoreID = "osm_id"
	ColumnMatch   = "match"
	ColumnTags    = "tags"
)

// ModeSchema is the fixed result schema belonging to a mode.
type ModeSchema struct {
	Lookup      LookupKind
	ScoreColumn string
	TagFormat   TagFormat

	// Consumed lists the logical query columns the lookup reads. They are
	// not copied into the passthrough attributes.
	Consumed []QueryColumn
}

// QueryColumn names a logical column of the query dataset.
type QueryColumn int

const (
	QueryColumnLocation QueryColumn = iota
	QueryColumnName
)

var schemas = map[Mode]ModeSchema{
	ModeSpatial: {
		Lookup:      LookupByPoint,
		ScoreColumn: "dist",
		TagFormat:   TagFormatConcat,
		Consumed:    []QueryColumn{QueryColumnLocation},
	},
	ModeName: {
		Lookup:      LookupByName,
		ScoreColumn: "sim",
		TagFormat:   TagFormatConcat,
		Consumed:    []QueryColumn{QueryColumnName},
	},
	ModeLegacy: {
		Lookup:      LookupByPoint,
		ScoreColumn: "dist",
		TagFormat:   TagFormatJSON,
		Consumed:    []QueryColumn{QueryColumnLocation, QueryColumnName},
	},
}

// ParseMode parses a mode name. "distance" is accepted as an alias of
// spatial, matching older configuration files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spatial", "distance":
		return ModeSpatial, nil
	case "name":
		return ModeName, nil
	case "legacy":
		return ModeLegacy, nil
	default:
		return "", fmt.Errorf("unknown generation mode %q (want spatial, name or legacy)", s)
	}
}

// Schema returns the fixed schema of the mode. It panics on an unknown mode;
// modes are expected to come from ParseMode.
func (m Mode) Schema() ModeSchema {
	s, ok := schemas[m]
	if !ok {
		panic(fmt.Sprintf("domain: unknown mode %q", string(m)))
	}
	return s
}

// Consumes reports whether the mode reads the given query column.
func (m Mode) Consumes(c QueryColumn) bool {
	for _, x := range m.Schema().Consumed {
		if x == c {
			return true
		}
	}
	return false
}

// Header returns the output column names for this mode.
func (m Mode) Header(queryIDColumn string, passthrough []string) []string {
	h := make([]string, 0, 5+len(passthrough))
	h = append(h, queryIDColumn, ColumnStoreID, ColumnMatch, m.Schema().ScoreColumn, ColumnTags)
	return append(h, passthrough...)
}
