// Package publish uploads the files of a finished run to object storage.
package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single file upload.
const DefaultTimeout = 10 * time.Minute

// Uploader stores one local file under a key.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
	// URI renders the location of key for logs and run records.
	URI(key string) string
	Close() error
}

// Publisher uploads run artefacts under a common prefix.
type Publisher struct {
	up      Uploader
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a publisher. Keys are prefix/<base name of the local file>.
func New(up Uploader, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{
		up:      up,
		prefix:  strings.Trim(prefix, "/"),
		timeout: DefaultTimeout,
		log:     log,
	}
}

// Key returns the object key of localPath.
func (p *Publisher) Key(localPath string) string {
	return path.Join(p.prefix, filepath.Base(localPath))
}

// Publish uploads every path in order and returns their URIs. It stops at
// the first failure.
func (p *Publisher) Publish(ctx context.Context, paths ...string) ([]string, error) {
	uris := make([]string, 0, len(paths))
	for _, lp := range paths {
		st, err := os.Stat(lp)
		if err != nil {
			return uris, fmt.Errorf("Publish: %w", err)
		}
		key := p.Key(lp)

		uctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.up.Upload(uctx, key, lp)
		cancel()
		if err != nil {
			return uris, fmt.Errorf("Publish: uploading %q: %w", lp, err)
		}

		uri := p.up.URI(key)
		p.log.Info().Str("file", lp).Int64("bytes", st.Size()).Str("uri", uri).Msg("published")
		uris = append(uris, uri)
	}
	return uris, nil
}

// Close releases the uploader.
func (p *Publisher) Close() error {
	return p.up.Close()
}

// contentType guesses the media type of a run artefact from its name.
func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	case ".tsv":
		return "text/tab-separated-values"
	case ".prom", ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
