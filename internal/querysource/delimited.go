package querysource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DelimitedSource reads a CSV or TSV file with a header row. Files ending
// in .gz are decompressed on the fly.
type DelimitedSource struct {
	Path  string
	Comma rune
}

// Read implements Source.
func (s *DelimitedSource) Read(ctx context.Context, limit int) (Table, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return Table{}, fmt.Errorf("DelimitedSource.Read: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(s.Path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Table{}, fmt.Errorf("DelimitedSource.Read: gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	cr := csv.NewReader(r)
	cr.Comma = s.Comma
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, fmt.Errorf("DelimitedSource.Read: %q has no header", s.Path)
		}
		return Table{}, fmt.Errorf("DelimitedSource.Read: reading header: %w", err)
	}
	out := Table{Columns: header}

	for limit <= 0 || len(out.Rows) < limit {
		if err := ctx.Err(); err != nil {
			return Table{}, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("DelimitedSource.Read: %w", err)
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}
