package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/alishiba14/IGEA/internal/config"
	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/linking"
	"github.com/alishiba14/IGEA/internal/logger"
	"github.com/alishiba14/IGEA/internal/metrics"
	"github.com/alishiba14/IGEA/internal/pipeline"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/publish"
	"github.com/alishiba14/IGEA/internal/querysource"
	"github.com/alishiba14/IGEA/internal/runs"
	"github.com/alishiba14/IGEA/internal/scheduler"
	"github.com/alishiba14/IGEA/internal/sink"
	bqstore "github.com/alishiba14/IGEA/internal/store/bigquery"
	"github.com/alishiba14/IGEA/internal/store/memory"
	"github.com/alishiba14/IGEA/internal/store/postgis"
)

// loadConfig resolves the effective configuration: the explicit config
// file, else <data-dir>/candgen.yaml when present, else the defaults, with
// flag overrides merged on top.
func loadConfig(g *globalFlags, overrides *config.Config) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		candidate := config.DefaultConfigFile
		if g.dataDir != "" {
			candidate = filepath.Join(g.dataDir, config.DefaultConfigFile)
		}
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	merged := *overrides
	if g.dataDir != "" {
		merged.Output.DataDir = g.dataDir
	}
	cfg.Merge(&merged)

	if err := cfg.ResolvePassword(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runGeneration wires the configured backends into one pipeline run.
func runGeneration(ctx context.Context, cfg *config.Config, level string) (pipeline.Result, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Misc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Misc.Timeout)
		defer cancel()
	}

	runLog, err := logger.OpenRunLog(cfg.LogPath())
	if err != nil {
		return pipeline.Result{}, err
	}
	defer runLog.Close()

	lvl, err := parseLevel(level)
	if err != nil {
		return pipeline.Result{}, err
	}
	// The run log keeps every info line regardless of the console level.
	log := logger.Tee(logger.ConsoleAt(lvl), runLog.Writer()).Level(min(lvl, zerolog.InfoLevel))

	settings, err := buildSettings(cfg)
	if err != nil {
		return pipeline.Result{}, err
	}
	settings.PublishExtra = []string{runLog.Path()}

	p, err := openPool(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("cannot open store")
		return pipeline.Result{}, err
	}

	collector := metrics.New(settings.Mode)
	collector.WatchPool(p)
	if cfg.Metrics.Addr != "" {
		serveCtx, cancelServe := context.WithCancel(ctx)
		defer cancelServe()
		go func() {
			if err := collector.Serve(serveCtx, cfg.Metrics.Addr, log); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	deps := pipeline.Deps{
		Pool:     p,
		Observer: collector,
		Metrics:  collector,
		Log:      log,
	}

	closers, err := attachCollaborators(ctx, cfg, &deps, log)
	defer func() {
		for _, c := range closers {
			if cerr := c.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("closing client")
			}
		}
	}()
	if err != nil {
		_ = p.Close()
		log.Error().Err(err).Msg("cannot set up run")
		return pipeline.Result{}, err
	}

	return pipeline.NewRunner(settings, deps).Run(ctx)
}

// buildSettings translates configuration into run settings.
func buildSettings(cfg *config.Config) (pipeline.Settings, error) {
	mode, err := domain.ParseMode(cfg.Generation.Mode)
	if err != nil {
		return pipeline.Settings{}, err
	}
	kg, err := linking.ParseKGSource(cfg.Generation.KGSource)
	if err != nil {
		return pipeline.Settings{}, err
	}
	compression, err := sink.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return pipeline.Settings{}, err
	}

	metricsFile := ""
	if cfg.Metrics.TextfilePath != "" {
		metricsFile = cfg.DataPath(cfg.Metrics.TextfilePath)
	}

	return pipeline.Settings{
		Mode:     mode,
		KGSource: kg,
		Fetcher: linking.FetcherConfig{
			Mode:              mode,
			MaxCandidates:     cfg.Generation.MaxCandidates,
			DistanceThreshold: cfg.Generation.DistanceThreshold,
		},
		TagRules: cfg.TagRules(),
		Columns:  cfg.Source.Columns,
		Scheduler: scheduler.Config{
			Concurrency:   cfg.Concurrency(),
			RateLimit:     cfg.Generation.RateLimit,
			Burst:         cfg.Generation.Burst,
			ProgressEvery: cfg.Generation.ProgressEvery,
		},
		Limit:           cfg.Limit(),
		MatchedPath:     cfg.MatchedPath(),
		UnmatchedPath:   cfg.UnmatchedPath(),
		Compression:     compression,
		MetricsTextfile: metricsFile,
		StoreBackend:    cfg.Store.Backend,
		TestRun:         cfg.Misc.TestRun,
	}, nil
}

// openPool connects the configured candidate store.
func openPool(ctx context.Context, cfg *config.Config) (pool.Pool, error) {
	switch cfg.Store.Backend {
	case config.BackendPostGIS:
		db, err := postgis.Open(cfg.Store.PostGIS, cfg.Store.Layout)
		if err != nil {
			return nil, err
		}
		return &ownedPool{Pool: pool.NewConnPool(db.Dialer(), cfg.Store.MaxConns), owner: db}, nil

	case config.BackendBigQuery:
		conn, err := bqstore.Open(ctx, cfg.Store.BigQuery, cfg.Store.Layout)
		if err != nil {
			return nil, err
		}
		return pool.NewSharedPool(conn, cfg.Store.MaxConns), nil

	case config.BackendMemory:
		st, err := memory.LoadFixture(cfg.DataPath(cfg.Store.Fixture))
		if err != nil {
			return nil, err
		}
		return pool.NewConnPool(st.Dial, cfg.Store.MaxConns), nil

	default:
		return nil, fmt.Errorf("openPool: unknown backend %q", cfg.Store.Backend)
	}
}

// ownedPool closes the database handle behind its connections.
type ownedPool struct {
	pool.Pool
	owner io.Closer
}

func (p *ownedPool) Close() error {
	return errors.Join(p.Pool.Close(), p.owner.Close())
}

// attachCollaborators fills the query source, run tracker and publisher of
// deps. The returned closers are valid even when err is non-nil.
func attachCollaborators(ctx context.Context, cfg *config.Config, deps *pipeline.Deps, log zerolog.Logger) ([]io.Closer, error) {
	var closers []io.Closer
	opts := clientOptions(cfg)

	if table := cfg.Source.BigQueryTable; table != "" {
		project, _, _ := strings.Cut(table, ".")
		client, err := bigquery.NewClient(ctx, project, opts...)
		if err != nil {
			return closers, fmt.Errorf("creating BigQuery client for query source: %w", err)
		}
		closers = append(closers, client)
		src, err := querysource.NewBigQuerySource(client, table, cfg.Source.Columns.ID)
		if err != nil {
			return closers, err
		}
		deps.Source = src
	} else {
		src, err := querysource.Open(cfg.SourcePath())
		if err != nil {
			return closers, err
		}
		deps.Source = src
	}

	if cfg.Runs.Enabled {
		client, err := bigquery.NewClient(ctx, cfg.Runs.ProjectID, opts...)
		if err != nil {
			return closers, fmt.Errorf("creating BigQuery client for run tracking: %w", err)
		}
		closers = append(closers, client)
		deps.Tracker = runs.NewRecorder(client, cfg.Runs.ProjectID, cfg.Runs.DatasetID, log)
	}

	if cfg.Publish.Target != config.PublishNone {
		pub, err := newPublisher(ctx, cfg, log)
		if err != nil {
			return closers, err
		}
		closers = append(closers, pub)
		deps.Publisher = pub
	}
	return closers, nil
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.Store.BigQuery.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Store.BigQuery.CredentialsFile)}
}

// newPublisher creates the uploader for the configured target.
func newPublisher(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*publish.Publisher, error) {
	var up publish.Uploader
	switch cfg.Publish.Target {
	case config.PublishGCS:
		gcs, err := publish.NewGCSUploader(ctx, cfg.Publish.Bucket, clientOptions(cfg)...)
		if err != nil {
			return nil, err
		}
		up = gcs
	case config.PublishS3:
		s3, err := publish.NewS3Uploader(ctx, cfg.Publish.Bucket, cfg.Publish.Region, cfg.Publish.Endpoint)
		if err != nil {
			return nil, err
		}
		up = s3
	default:
		return nil, fmt.Errorf("newPublisher: unknown target %q", cfg.Publish.Target)
	}
	return publish.New(up, cfg.Publish.Prefix, log), nil
}

// publishFiles uploads files, or the outputs of the data directory when
// files is empty.
func publishFiles(ctx context.Context, cfg *config.Config, level string, files []string) ([]string, error) {
	if cfg.Publish.Target == config.PublishNone {
		return nil, errors.New("no publish target configured (use --target)")
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logger.New().Level(lvl)

	if len(files) == 0 {
		compression, err := sink.ParseCompression(cfg.Output.Compression)
		if err != nil {
			return nil, err
		}
		files = []string{
			cfg.MatchedPath() + compression.Ext(),
			cfg.UnmatchedPath() + compression.Ext(),
			cfg.LogPath(),
		}
	}

	pub, err := newPublisher(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer pub.Close()
	return pub.Publish(ctx, files...)
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// printReport writes the run summary shown after the log lines.
func printReport(w io.Writer, res pipeline.Result) {
	r := res.Report
	if r.Queries == 0 && res.MatchedPath == "" {
		return
	}
	fmt.Fprintf(w, "\nqueries:    %d (processed %d, failed %d, skipped %d)\n", r.Queries, r.Processed, r.Failed, r.Skipped)
	fmt.Fprintf(w, "matched:    %d rows in %d batches -> %s\n", r.MatchedRows, r.MatchedBatches, res.MatchedPath)
	fmt.Fprintf(w, "unmatched:  %d rows in %d batches -> %s\n", r.UnmatchedRows, r.UnmatchedBatches, res.UnmatchedPath)
	for _, uri := range res.Published {
		fmt.Fprintf(w, "published:  %s\n", uri)
	}
	fmt.Fprintf(w, "elapsed:    %s\n", pipeline.FormatElapsed(res.Elapsed))
}
