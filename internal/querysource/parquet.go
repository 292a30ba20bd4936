package querysource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
)

const parquetBatchSize = 4096

// ParquetSource reads a parquet file such as the knowledge-graph dump.
type ParquetSource struct {
	Path string
}

// Read implements Source. A limited read only decodes the leading row
// groups that hold the first limit rows.
func (s *ParquetSource) Read(ctx context.Context, limit int) (Table, error) {
	rdr, err := file.OpenParquetFile(s.Path, false)
	if err != nil {
		return Table{}, fmt.Errorf("ParquetSource.Read: opening %q: %w", s.Path, err)
	}
	defer rdr.Close()

	batch := parquetBatchSize
	if limit > 0 && limit < batch {
		batch = limit
	}
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: int64(batch)}, memory.DefaultAllocator)
	if err != nil {
		return Table{}, fmt.Errorf("ParquetSource.Read: arrow reader: %w", err)
	}

	groupRows := make([]int64, rdr.NumRowGroups())
	for i := range groupRows {
		groupRows[i] = rdr.MetaData().RowGroup(i).NumRows()
	}
	rr, err := fr.GetRecordReader(ctx, nil, rowGroupsFor(groupRows, limit))
	if err != nil {
		return Table{}, fmt.Errorf("ParquetSource.Read: record reader: %w", err)
	}
	defer rr.Release()

	schema := rr.Schema()
	out := Table{Columns: make([]string, schema.NumFields())}
	for i, f := range schema.Fields() {
		out.Columns[i] = f.Name
	}

	for rr.Next() {
		rec := rr.Record()
		ncols := int(rec.NumCols())
		for r := 0; r < int(rec.NumRows()); r++ {
			if limit > 0 && len(out.Rows) >= limit {
				return out, nil
			}
			row := make([]string, ncols)
			for c := 0; c < ncols; c++ {
				col := rec.Column(c)
				if col.IsNull(r) {
					continue
				}
				row[c] = col.ValueStr(r)
			}
			out.Rows = append(out.Rows, row)
		}
		if err := ctx.Err(); err != nil {
			return Table{}, fmt.Errorf("ParquetSource.Read: %w", err)
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return Table{}, fmt.Errorf("ParquetSource.Read: iterating: %w", err)
	}
	return out, nil
}

// rowGroupsFor returns the leading row groups covering limit rows. nil
// selects every group.
func rowGroupsFor(groupRows []int64, limit int) []int {
	if limit <= 0 {
		return nil
	}
	var groups []int
	var rows int64
	for i, n := range groupRows {
		if rows >= int64(limit) {
			break
		}
		groups = append(groups, i)
		rows += n
	}
	return groups
}
