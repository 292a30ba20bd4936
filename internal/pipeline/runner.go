// Package pipeline runs one candidate generation end to end: load queries,
// open sinks, generate, close the store, publish and record the outcome.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/linking"
	"github.com/alishiba14/IGEA/internal/logger"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/publish"
	"github.com/alishiba14/IGEA/internal/querysource"
	"github.com/alishiba14/IGEA/internal/runs"
	"github.com/alishiba14/IGEA/internal/scheduler"
	"github.com/alishiba14/IGEA/internal/sink"
)

// Settings are the run parameters resolved from configuration.
type Settings struct {
	Mode      domain.Mode
	KGSource  linking.KGSource
	Fetcher   linking.FetcherConfig
	TagRules  linking.TagRules
	Columns   querysource.Columns
	Scheduler scheduler.Config

	// Limit truncates the query entities; zero means all.
	Limit int

	MatchedPath   string
	UnmatchedPath string
	Compression   sink.Compression

	// PublishExtra lists further files uploaded with the outputs, e.g. the
	// run log.
	PublishExtra []string

	MetricsTextfile string

	StoreBackend string
	TestRun      bool
}

// Deps are the collaborators of a run. Tracker, Publisher, Observer and
// Metrics are optional.
type Deps struct {
	Source    querysource.Source
	Pool      pool.Pool
	Tracker   runs.Tracker
	Publisher *publish.Publisher
	Observer  scheduler.Observer
	Metrics   TextfileWriter
	Log       zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Result describes a finished run.
type Result struct {
	RunID         string
	Report        scheduler.Report
	MatchedPath   string
	UnmatchedPath string
	Published     []string
	Elapsed       time.Duration
}

// Runner executes the generation pipeline.
type Runner struct {
	settings Settings
	deps     Deps
	pipeline *Pipeline
}

// NewRunner assembles the standard generation pipeline.
func NewRunner(s Settings, d Deps) *Runner {
	if d.Tracker == nil {
		d.Tracker = runs.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if s.Fetcher.Mode == "" {
		s.Fetcher.Mode = s.Mode
	}
	return &Runner{settings: s, deps: d, pipeline: NewGenerationPipeline(s, d)}
}

// NewGenerationPipeline creates the standard pipeline for one run.
func NewGenerationPipeline(s Settings, d Deps) *Pipeline {
	steps := []PipelineStep{
		&LoadQueriesStep{Source: d.Source, Mode: s.Mode, Columns: s.Columns, Limit: s.Limit, Log: d.Log},
		&StartRunStep{
			Tracker: d.Tracker,
			Info: runs.Info{
				Mode:         string(s.Mode),
				KGSource:     string(s.KGSource),
				StoreBackend: s.StoreBackend,
				TestRun:      s.TestRun,
				Metadata: map[string]any{
					"matched_path":       s.MatchedPath,
					"unmatched_path":     s.UnmatchedPath,
					"max_candidates":     s.Fetcher.MaxCandidates,
					"distance_threshold": s.Fetcher.DistanceThreshold,
					"concurrency":        s.Scheduler.Concurrency,
					"limit":              s.Limit,
				},
			},
			Log: d.Log,
		},
		&OpenSinksStep{MatchedPath: s.MatchedPath, UnmatchedPath: s.UnmatchedPath, Compression: s.Compression, Log: d.Log},
		&GenerateStep{
			Pool:      d.Pool,
			Fetcher:   s.Fetcher,
			Tags:      s.TagRules,
			KGSource:  s.KGSource,
			Scheduler: s.Scheduler,
			Observer:  d.Observer,
			Log:       d.Log,
		},
		&CloseStoreStep{Pool: d.Pool, Log: d.Log},
	}
	if d.Metrics != nil && s.MetricsTextfile != "" {
		steps = append(steps, &WriteMetricsStep{Metrics: d.Metrics, Path: s.MetricsTextfile})
	}
	if d.Publisher != nil {
		steps = append(steps, &PublishStep{Publisher: d.Publisher, Extra: s.PublishExtra})
	}
	steps = append(steps, &MarkSuccessStep{Tracker: d.Tracker})
	return NewPipeline(steps...)
}

// Run executes the pipeline. The store is closed and a started run record
// is marked failed on every error path.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	log := r.deps.Log
	start := r.deps.Now()
	log.Info().Str("mode", string(r.settings.Mode)).Msg("starting candidate search")

	state := &PipelineState{}
	err := r.pipeline.Execute(ctx, state)

	if !state.storeClosed {
		if cerr := r.deps.Pool.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("closing store connections")
		} else {
			log.Info().Msg("closed connection")
		}
	}

	res := Result{
		RunID:         state.RunID,
		Report:        state.Report,
		MatchedPath:   state.MatchedPath,
		UnmatchedPath: state.UnmatchedPath,
		Published:     state.Published,
	}
	end := r.deps.Now()
	res.Elapsed = end.Sub(start)

	if err != nil {
		if state.RunID != "" {
			// The record is written even when ctx is cancelled.
			r.deps.Tracker.Fail(context.WithoutCancel(ctx), state.RunID, state.summary(), err)
		}
		ev := log.Error().Err(err)
		if isCancel(err) {
			ev = log.Warn().Err(err)
		}
		ev.Int("skipped", state.Report.Skipped).Msgf("execution failed at %s", end.Format(logger.RunLogTimeFormat))
		log.Info().Msgf("Execution time: %s", FormatElapsed(res.Elapsed))
		return res, err
	}

	log.Info().Msgf("execution ended successfully at %s", end.Format(logger.RunLogTimeFormat))
	log.Info().Msgf("Execution time: %s", FormatElapsed(res.Elapsed))
	return res, nil
}
