package querysource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alishiba14/IGEA/internal/domain"
)

const dumpTSV = "wkid\tlocation\tname\tinstance_of\n" +
	"Q64\tPoint(13.38 52.51)\tBerlin\tcity\n" +
	"Q1055\tPoint(9.99 53.55)\tHamburg\tcity\n" +
	"Q1726\tnot a point\tMunich\tcity\n" +
	"Q64\tPoint(13.38 52.51)\tBerlin again\tcity\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpenDispatchesOnExtension(t *testing.T) {
	for path, want := range map[string]any{
		"wikidata dump.parquet": &ParquetSource{},
		"dump.tsv":              &DelimitedSource{},
		"dump.csv.gz":           &DelimitedSource{},
	} {
		src, err := Open(path)
		require.NoError(t, err, path)
		assert.IsType(t, want, src)
	}
	_, err := Open("dump.xlsx")
	assert.Error(t, err)
}

func TestDelimitedSourceLimit(t *testing.T) {
	path := writeFile(t, "dump.tsv", dumpTSV)

	tbl, err := (&DelimitedSource{Path: path, Comma: '\t'}).Read(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"wkid", "location", "name", "instance_of"}, tbl.Columns)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "Q1055", tbl.Rows[1][0])

	all, err := (&DelimitedSource{Path: path, Comma: '\t'}).Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 4)
}

func TestDelimitedSourceGzipCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.csv.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("wkid,name\nQ1,\"Universe, the\"\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	src, err := Open(path)
	require.NoError(t, err)
	tbl, err := src.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Q1", "Universe, the"}}, tbl.Rows)
}

func TestDelimitedSourceEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.tsv", "")
	_, err := (&DelimitedSource{Path: path, Comma: '\t'}).Read(context.Background(), 0)
	assert.Error(t, err)
}

func TestParquetSource(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "wkid", Type: arrow.BinaryTypes.String},
		{Name: "location", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "population", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"Q64", "Q1055", "Q1726"}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"Point(13.38 52.51)", "", "Point(11.57 48.13)"}, []bool{true, false, true})
	b.Field(2).(*array.Int64Builder).AppendValues([]int64{3645000, 1841000, 0}, []bool{true, true, false})
	rec := b.NewRecord()
	defer rec.Release()

	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	path := filepath.Join(t.TempDir(), "wikidata dump.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, pqarrow.WriteTable(tbl, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
	_ = f.Close()

	got, err := (&ParquetSource{Path: path}).Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"wkid", "location", "population"}, got.Columns)
	assert.Equal(t, [][]string{
		{"Q64", "Point(13.38 52.51)", "3645000"},
		{"Q1055", "", "1841000"},
		{"Q1726", "Point(11.57 48.13)", ""},
	}, got.Rows)

	limited, err := (&ParquetSource{Path: path}).Read(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, limited.Rows, 2)
}

func TestParquetSourceLimitedReadAcrossRowGroups(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "wkid", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"Q0", "Q1", "Q2", "Q3", "Q4", "Q5", "Q6"}, nil)
	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	path := filepath.Join(t.TempDir(), "dump.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	// Row groups of two rows each.
	require.NoError(t, pqarrow.WriteTable(tbl, f, 2, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
	_ = f.Close()

	got, err := (&ParquetSource{Path: path}).Read(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Q0"}, {"Q1"}, {"Q2"}}, got.Rows)

	all, err := (&ParquetSource{Path: path}).Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 7)
}

func TestRowGroupsFor(t *testing.T) {
	groups := []int64{2, 2, 2, 1}
	tests := []struct {
		limit int
		want  []int
	}{
		{0, nil},
		{1, []int{0}},
		{2, []int{0}},
		{3, []int{0, 1}},
		{6, []int{0, 1, 2}},
		{100, []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rowGroupsFor(groups, tt.limit), "limit %d", tt.limit)
	}
}

func TestBigQuerySourceQuery(t *testing.T) {
	s, err := NewBigQuerySource(nil, "geo-data.wikidata.entities", "wkid")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `geo-data.wikidata.entities` ORDER BY `wkid` LIMIT 5", s.query(5),
		"limited reads take the same rows on every run")
	assert.Equal(t, "SELECT * FROM `geo-data.wikidata.entities`", s.query(0))

	unordered, err := NewBigQuerySource(nil, "geo-data.wikidata.entities", "")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `geo-data.wikidata.entities` LIMIT 5", unordered.query(5))

	_, err = NewBigQuerySource(nil, "entities", "wkid")
	assert.Error(t, err)
	_, err = NewBigQuerySource(nil, "p.d.t`; DROP TABLE x", "wkid")
	assert.Error(t, err)
	_, err = NewBigQuerySource(nil, "geo-data.wikidata.entities", "wkid`; DROP TABLE x")
	assert.Error(t, err)
}

func loadDump(t *testing.T) Table {
	t.Helper()
	tbl, err := (&DelimitedSource{Path: writeFile(t, "dump.tsv", dumpTSV), Comma: '\t'}).Read(context.Background(), 0)
	require.NoError(t, err)
	return tbl
}

func TestBuildQueriesSpatial(t *testing.T) {
	b, err := BuildQueries(loadDump(t), domain.ModeSpatial, DefaultColumns())
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "instance_of"}, b.Passthrough)
	assert.Equal(t, 1, b.Duplicates)
	assert.Equal(t, 1, b.InvalidLocations)
	require.Len(t, b.Queries, 3)

	q := b.Queries[0]
	assert.Equal(t, "Q64", q.ID)
	assert.Equal(t, "Q64", q.KnownID)
	require.NotNil(t, q.Location)
	assert.Equal(t, domain.Point{Lon: 13.38, Lat: 52.51}, *q.Location)
	assert.Equal(t, []string{"Berlin", "city"}, q.Passthrough)

	assert.Nil(t, b.Queries[2].Location, "invalid locations fail at lookup time")
}

func TestBuildQueriesNameAndLegacy(t *testing.T) {
	b, err := BuildQueries(loadDump(t), domain.ModeName, DefaultColumns())
	require.NoError(t, err)
	assert.Equal(t, []string{"location", "instance_of"}, b.Passthrough)
	assert.Equal(t, "Berlin", b.Queries[0].Name)
	assert.Nil(t, b.Queries[0].Location)

	b, err = BuildQueries(loadDump(t), domain.ModeLegacy, DefaultColumns())
	require.NoError(t, err)
	assert.Equal(t, []string{"instance_of"}, b.Passthrough)
	assert.NotNil(t, b.Queries[0].Location)
}

func TestBuildQueriesMissingColumns(t *testing.T) {
	tbl := Table{Columns: []string{"wkid", "name"}, Rows: [][]string{{"Q1", "x"}}}

	_, err := BuildQueries(tbl, domain.ModeSpatial, DefaultColumns())
	assert.ErrorContains(t, err, "location")

	_, err = BuildQueries(tbl, domain.ModeName, Columns{ID: "qid", Name: "name"})
	assert.ErrorContains(t, err, "qid")

	b, err := BuildQueries(tbl, domain.ModeName, Columns{ID: "wkid", Name: "name", KnownID: "truth"})
	assert.ErrorContains(t, err, "truth")
	assert.Empty(t, b.Queries)
}

func TestBuildQueriesSeparateKnownID(t *testing.T) {
	tbl := Table{
		Columns: []string{"id", "name", "truth"},
		Rows:    [][]string{{"Berlin", "Berlin", "Berlin"}, {"Atlantis", "Atlantis", ""}},
	}
	b, err := BuildQueries(tbl, domain.ModeName, Columns{ID: "id", Name: "name", KnownID: "truth"})
	require.NoError(t, err)
	assert.Equal(t, "Berlin", b.Queries[0].KnownID)
	assert.Empty(t, b.Queries[1].KnownID)
	assert.Equal(t, []string{"truth"}, b.Passthrough)
}
