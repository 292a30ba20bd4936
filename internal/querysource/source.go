// Package querysource loads the reference entities a run looks up.
package querysource

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Table is a loaded dataset with every value rendered as a string. Null
// values are empty strings.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of column name, or -1.
func (t Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Source reads a Table. A positive limit keeps only the first limit rows.
type Source interface {
	Read(ctx context.Context, limit int) (Table, error)
}

// Open picks a file source by extension: .parquet is read with Arrow,
// .csv and .tsv (optionally .gz) as delimited text.
func Open(path string) (Source, error) {
	name := strings.ToLower(strings.TrimSuffix(path, ".gz"))
	switch filepath.Ext(name) {
	case ".parquet", ".pq":
		return &ParquetSource{Path: path}, nil
	case ".tsv", ".tab":
		return &DelimitedSource{Path: path, Comma: '\t'}, nil
	case ".csv":
		return &DelimitedSource{Path: path, Comma: ','}, nil
	default:
		return nil, fmt.Errorf("querysource.Open: unsupported file type %q", path)
	}
}
