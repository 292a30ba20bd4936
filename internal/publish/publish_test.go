package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string]string
	failOn  string
	closed  bool
}

func (m *memUploader) Upload(_ context.Context, key, localPath string) error {
	if key == m.failOn {
		return errors.New("bucket is read-only")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[key] = string(data)
	return nil
}

func (m *memUploader) URI(key string) string { return "mem://bucket/" + key }
func (m *memUploader) Close() error          { m.closed = true; return nil }

func writeArtefacts(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	matched := filepath.Join(dir, "train pairs.tsv")
	unmatched := filepath.Join(dir, "unmatched pairs.tsv.gz")
	require.NoError(t, os.WriteFile(matched, []byte("wkid\tosm_id\n"), 0o644))
	require.NoError(t, os.WriteFile(unmatched, []byte("\x1f\x8b"), 0o644))
	return matched, unmatched
}

func TestPublishUploadsUnderPrefix(t *testing.T) {
	matched, unmatched := writeArtefacts(t)
	up := &memUploader{}
	p := New(up, "/runs/2026-10-18/", zerolog.Nop())

	uris, err := p.Publish(context.Background(), matched, unmatched)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mem://bucket/runs/2026-10-18/train pairs.tsv",
		"mem://bucket/runs/2026-10-18/unmatched pairs.tsv.gz",
	}, uris)
	assert.Equal(t, "wkid\tosm_id\n", up.objects["runs/2026-10-18/train pairs.tsv"])

	require.NoError(t, p.Close())
	assert.True(t, up.closed)
}

func TestPublishStopsAtFirstFailure(t *testing.T) {
	matched, unmatched := writeArtefacts(t)
	up := &memUploader{failOn: "train pairs.tsv"}
	p := New(up, "", zerolog.Nop())

	uris, err := p.Publish(context.Background(), matched, unmatched)
	assert.ErrorContains(t, err, "read-only")
	assert.Empty(t, uris)
	assert.Empty(t, up.objects)

	_, err = p.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/tab-separated-values", contentType("train pairs.tsv"))
	assert.Equal(t, "application/gzip", contentType("train pairs.tsv.gz"))
	assert.Equal(t, "application/zstd", contentType("train pairs.tsv.zst"))
	assert.Equal(t, "text/plain; charset=utf-8", contentType("generate candidates log.txt"))
	assert.Equal(t, "application/octet-stream", contentType("dump.parquet"))
}

// fakeS3 answers the single PutObject the upload manager issues for small
// files.
type fakeS3 struct {
	manager.UploadAPIClient

	mu   sync.Mutex
	puts []*s3.PutObjectInput
	body string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	f.body = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader(t *testing.T) {
	matched, _ := writeArtefacts(t)
	api := &fakeS3{}
	up := newS3Uploader(api, "linking-pairs")

	require.NoError(t, up.Upload(context.Background(), "runs/train pairs.tsv", matched))
	require.Len(t, api.puts, 1)
	assert.Equal(t, "linking-pairs", aws.ToString(api.puts[0].Bucket))
	assert.Equal(t, "runs/train pairs.tsv", aws.ToString(api.puts[0].Key))
	assert.Equal(t, "text/tab-separated-values", aws.ToString(api.puts[0].ContentType))
	assert.Equal(t, "wkid\tosm_id\n", api.body)
	assert.Equal(t, "s3://linking-pairs/runs/train pairs.tsv", up.URI("runs/train pairs.tsv"))
}
