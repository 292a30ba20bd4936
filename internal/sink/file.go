package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the encoding of a file destination.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, "gz":
		return CompressionGzip, nil
	case CompressionZstd, "zst":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want none, gzip or zstd)", s)
	}
}

// Ext returns the file name suffix for c.
func (c Compression) Ext() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// fileDest is a truncated output file, optionally compressed, synced to
// disk on close.
type fileDest struct {
	f   *os.File
	enc io.WriteCloser
	w   io.Writer

	once sync.Once
	err  error
}

// CreateFile creates or truncates path, adding the compression suffix when
// it is missing, and returns the destination with its final path.
func CreateFile(path string, c Compression) (io.WriteCloser, string, error) {
	if ext := c.Ext(); ext != "" && !strings.HasSuffix(path, ext) {
		path += ext
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("CreateFile: creating directory %q: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("CreateFile: %w", err)
	}
	d := &fileDest{f: f, w: f}

	switch c {
	case CompressionGzip:
		d.enc = gzip.NewWriter(f)
		d.w = d.enc
	case CompressionZstd:
		enc, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("CreateFile: zstd encoder: %w", err)
		}
		d.enc = enc
		d.w = enc
	}
	return d, path, nil
}

func (d *fileDest) Write(p []byte) (int, error) {
	return d.w.Write(p)
}

// Close finishes the compressed stream, syncs and closes the file. It is
// safe to call more than once.
func (d *fileDest) Close() error {
	d.once.Do(func() {
		var errs []error
		if d.enc != nil {
			if err := d.enc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("finishing stream: %w", err))
			}
		}
		if err := d.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
		if err := d.f.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			d.err = fmt.Errorf("closing %s: %w", d.f.Name(), errors.Join(errs...))
		}
	})
	return d.err
}
