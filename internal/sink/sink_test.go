package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alishiba14/IGEA/internal/domain"
)

type bufDest struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufDest) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufDest) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufDest) records(t *testing.T) [][]string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	r := csv.NewReader(bytes.NewReader(b.buf.Bytes()))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	require.NoError(t, err)
	return recs
}

type failingDest struct{}

func (failingDest) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingDest) Close() error              { return nil }

func row(q string, id int64) domain.OutputRow {
	return domain.OutputRow{QueryID: q, CandidateID: id, Score: 1, TagSummary: "amenity cafe"}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSinkWritesHeaderThenRows(t *testing.T) {
	dst := &bufDest{}
	s := New("matched", dst, zerolog.Nop())
	require.NoError(t, s.WriteHeader([]string{"wkid", "osm_id", "match", "dist", "tags"}))
	s.Start()

	require.NoError(t, s.Enqueue(row("Q1", 1), row("Q1", 2)))
	s.Stop()
	require.NoError(t, s.Wait(waitCtx(t)))

	recs := dst.records(t)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"wkid", "osm_id", "match", "dist", "tags"}, recs[0])
	assert.Equal(t, []string{"Q1", "1", "False", "1", "amenity cafe"}, recs[1])
	assert.Equal(t, int64(2), s.Rows())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dst.closed)
}

func TestSinkHeaderOnlyOnce(t *testing.T) {
	s := New("x", &bufDest{}, zerolog.Nop())
	require.NoError(t, s.WriteHeader([]string{"a"}))
	assert.ErrorIs(t, s.WriteHeader([]string{"a"}), ErrHeaderWritten)

	s2 := New("y", &bufDest{}, zerolog.Nop())
	require.NoError(t, s2.Enqueue(row("Q", 1)))
	assert.ErrorIs(t, s2.WriteHeader([]string{"a"}), ErrHeaderWritten, "header must precede data")
}

func TestSinkDrainsAllConcurrentProducers(t *testing.T) {
	dst := &bufDest{}
	s := New("unmatched", dst, zerolog.Nop())
	require.NoError(t, s.WriteHeader([]string{"h"}))
	s.Start()

	const producers, batches, perBatch = 16, 50, 3
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				q := fmt.Sprintf("Q%d_%d", p, b)
				rows := make([]domain.OutputRow, perBatch)
				for i := range rows {
					rows[i] = row(q, int64(i))
				}
				assert.NoError(t, s.Enqueue(rows...))
			}
		}(p)
	}
	wg.Wait()
	s.Stop()
	require.NoError(t, s.Wait(waitCtx(t)))

	recs := dst.records(t)
	require.Len(t, recs, 1+producers*batches*perBatch)
	assert.Equal(t, []string{"h"}, recs[0])

	// Rows of one batch are contiguous and in order.
	for i := 1; i < len(recs); i += perBatch {
		for j := 0; j < perBatch; j++ {
			assert.Equal(t, recs[i][0], recs[i+j][0])
			assert.Equal(t, fmt.Sprint(j), recs[i+j][1])
		}
	}
}

func TestSinkAcceptsRowsRacingWithStop(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		dst := &bufDest{}
		s := New("race", dst, zerolog.Nop())
		s.Start()

		var accepted sync.WaitGroup
		var mu sync.Mutex
		n := 0
		for p := 0; p < 8; p++ {
			accepted.Add(1)
			go func() {
				defer accepted.Done()
				for i := 0; i < 20; i++ {
					if err := s.Enqueue(row("Q", int64(i))); err == nil {
						mu.Lock()
						n++
						mu.Unlock()
					} else {
						assert.ErrorIs(t, err, ErrSinkClosed)
					}
				}
			}()
		}
		s.Stop()
		accepted.Wait()
		require.NoError(t, s.Wait(waitCtx(t)))

		assert.Len(t, dst.records(t), n, "every accepted row must be written")
		assert.Equal(t, int64(n), s.Rows())
	}
}

func TestSinkRejectsAfterDrain(t *testing.T) {
	s := New("x", &bufDest{}, zerolog.Nop())
	s.Start()
	s.Stop()
	require.NoError(t, s.Wait(waitCtx(t)))

	assert.ErrorIs(t, s.Enqueue(row("Q", 1)), ErrSinkClosed)
	assert.ErrorIs(t, s.WriteHeader([]string{"h"}), ErrSinkClosed)
}

func TestSinkStopBeforeStart(t *testing.T) {
	dst := &bufDest{}
	s := New("x", dst, zerolog.Nop())
	require.NoError(t, s.Enqueue(row("Q", 1)))
	s.Stop()
	assert.Equal(t, StateCreated, s.State())

	s.Start()
	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Len(t, dst.records(t), 1)
}

func TestSinkWriteFailure(t *testing.T) {
	s := New("broken", failingDest{}, zerolog.Nop())
	s.Start()
	require.NoError(t, s.Enqueue(row("Q", 1)))

	select {
	case <-s.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not report failure")
	}
	assert.ErrorIs(t, s.Err(), ErrSinkWrite)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Enqueue(row("Q", 2)), ErrSinkWrite)

	s.Stop()
	assert.ErrorIs(t, s.Wait(waitCtx(t)), ErrSinkWrite)
}

func TestSinkWaitHonoursContext(t *testing.T) {
	s := New("x", &bufDest{}, zerolog.Nop())
	s.Start()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.Canceled)
	s.Stop()
	require.NoError(t, s.Wait(waitCtx(t)))
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "GZIP": CompressionGzip, "zst": CompressionZstd} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}

func TestFileDestinations(t *testing.T) {
	tests := []struct {
		c      Compression
		suffix string
		open   func(io.Reader) (io.Reader, error)
	}{
		{CompressionNone, ".tsv", func(r io.Reader) (io.Reader, error) { return r, nil }},
		{CompressionGzip, ".tsv.gz", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{CompressionZstd, ".tsv.zst", func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.c), func(t *testing.T) {
			dst, path, err := CreateFile(filepath.Join(t.TempDir(), "out", "train pairs.tsv"), tt.c)
			require.NoError(t, err)
			assert.True(t, len(path) > len(tt.suffix) && path[len(path)-len(tt.suffix):] == tt.suffix)

			s := New("file", dst, zerolog.Nop())
			require.NoError(t, s.WriteHeader([]string{"wkid", "osm_id"}))
			s.Start()
			require.NoError(t, s.Enqueue(domain.OutputRow{QueryID: "Q1", CandidateID: 7, TagSummary: "a\tb"}))
			s.Stop()
			require.NoError(t, s.Wait(waitCtx(t)))

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			r, err := tt.open(f)
			require.NoError(t, err)

			cr := csv.NewReader(r)
			cr.Comma = '\t'
			cr.FieldsPerRecord = -1
			recs, err := cr.ReadAll()
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "a\tb", recs[1][4], "fields holding the delimiter are quoted")
		})
	}
}
