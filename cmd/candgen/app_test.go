package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alishiba14/IGEA/internal/config"
)

const fixture = `{"osm_id": 1, "way": "POINT(13.38 52.51)", "name": "Berlin", "tags": {"place": "city"}, "wkid": "Q64"}
{"osm_id": 2, "way": "POINT(13.381 52.51)", "name": "Berlin Mitte", "tags": {"place": "suburb"}}
{"osm_id": 3, "way": "POINT(9.99 53.55)", "name": "Hamburg Altona", "tags": {"place": "suburb"}}
`

const dump = "wkid\tlocation\tname\tinstance_of\n" +
	"Q64\tPoint(13.38 52.51)\tBerlin\tcity\n" +
	"Q1055\tPoint(9.99 53.55)\tHamburg\tcity\n" +
	"Q1726\tPoint(11.57 48.13)\tMunich\tcity\n"

func dataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "osm.jsonl"), []byte(fixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dump.tsv"), []byte(dump), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "candgen version "+Version)
}

func TestRunMemoryBackend(t *testing.T) {
	dir := dataDir(t)

	out, err := execute(t, "run",
		"--data-dir", dir,
		"--backend", "memory",
		"--fixture", "osm.jsonl",
		"--source", "dump.tsv",
		"--concurrency", "2",
		"--log-level", "warn",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "processed 3, failed 0, skipped 0")

	matched := readLines(t, filepath.Join(dir, "train pairs.tsv"))
	require.Len(t, matched, 3, "header plus both Berlin candidates")
	assert.Equal(t, "wkid\tosm_id\tmatch\tdist\ttags\tname\tinstance_of", matched[0])
	assert.True(t, strings.HasPrefix(matched[1], "Q64\t1\tTrue\t0\t"), matched[1])
	assert.True(t, strings.HasPrefix(matched[2], "Q64\t2\tFalse\t"), matched[2])
	assert.True(t, strings.HasSuffix(matched[2], "\tBerlin\tcity"), matched[2])

	unmatched := readLines(t, filepath.Join(dir, "unmatched pairs.tsv"))
	require.Len(t, unmatched, 2, "Munich has no candidates within the threshold")
	assert.True(t, strings.HasPrefix(unmatched[1], "Q1055\t3\tFalse\t"), unmatched[1])

	logData, err := os.ReadFile(filepath.Join(dir, "generate candidates log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "execution ended successfully at")
	assert.Contains(t, string(logData), "Execution time:")
}

func TestRunTestRunLimitAndCompression(t *testing.T) {
	dir := dataDir(t)

	_, err := execute(t, "run",
		"--data-dir", dir,
		"--backend", "memory",
		"--fixture", "osm.jsonl",
		"--source", "dump.tsv",
		"--testrun", "--limit", "1",
		"--compression", "gzip",
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "train pairs.tsv.gz"))
	assert.FileExists(t, filepath.Join(dir, "unmatched pairs.tsv.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "train pairs.tsv"))
}

func TestRunMissingFixture(t *testing.T) {
	dir := dataDir(t)
	_, err := execute(t, "run",
		"--data-dir", dir,
		"--backend", "memory",
		"--fixture", "missing.jsonl",
		"--source", "dump.tsv",
		"--log-level", "error",
	)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "train pairs.tsv"))
}

func TestRunInvalidConfiguration(t *testing.T) {
	_, err := execute(t, "run", "--data-dir", t.TempDir(), "--mode", "embedding")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestLoadConfigFromDataDir(t *testing.T) {
	dir := t.TempDir()
	content := "generation:\n  mode: name\n  max_candidates: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(content), 0o644))

	cfg, err := loadConfig(&globalFlags{dataDir: dir}, &config.Config{
		Generation: config.GenerationConfig{MaxCandidates: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, "name", cfg.Generation.Mode)
	assert.Equal(t, 9, cfg.Generation.MaxCandidates, "flags override the file")
	assert.Equal(t, dir, cfg.Output.DataDir)
}

func TestBuildSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output.DataDir = "/data"
	cfg.Output.Compression = "zstd"
	cfg.Metrics.TextfilePath = "candgen.prom"
	cfg.Misc.TestRun = true
	cfg.Misc.Limit = 10

	s, err := buildSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "spatial", string(s.Mode))
	assert.Equal(t, 10, s.Limit)
	assert.Equal(t, 64, s.Scheduler.Concurrency)
	assert.Equal(t, "/data/train pairs.tsv", s.MatchedPath)
	assert.Equal(t, "/data/candgen.prom", s.MetricsTextfile)
	assert.Equal(t, ".zst", s.Compression.Ext())
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "config", "init", "--data-dir", dir)
	require.NoError(t, err)
	path := filepath.Join(dir, config.DefaultConfigFile)
	assert.Contains(t, out, path)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Generation, cfg.Generation)

	_, err = execute(t, "config", "init", "--data-dir", dir)
	assert.ErrorContains(t, err, "already exists")
}

func TestPublishWithoutTarget(t *testing.T) {
	_, err := execute(t, "publish", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "no publish target")
}
