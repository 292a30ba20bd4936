package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/linking"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/publish"
	"github.com/alishiba14/IGEA/internal/querysource"
	"github.com/alishiba14/IGEA/internal/runs"
	"github.com/alishiba14/IGEA/internal/scheduler"
	"github.com/alishiba14/IGEA/internal/sink"
)

// PipelineStep represents a single step of a generation run.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	RunID string

	Queries []domain.QueryEntity
	Header  []string

	Matched, Unmatched         *sink.Sink
	MatchedPath, UnmatchedPath string

	Report    scheduler.Report
	Published []string

	storeClosed bool
}

// summary converts the scheduler report for the run record.
func (s *PipelineState) summary() runs.Summary {
	return runs.Summary{
		Processed:     s.Report.Processed,
		Failed:        s.Report.Failed,
		Skipped:       s.Report.Skipped,
		MatchedRows:   s.Report.MatchedRows,
		UnmatchedRows: s.Report.UnmatchedRows,
	}
}

// Step 1: LoadQueriesStep reads the query entities and derives the header.
type LoadQueriesStep struct {
	Source  querysource.Source
	Mode    domain.Mode
	Columns querysource.Columns
	Limit   int
	Log     zerolog.Logger
}

func (s *LoadQueriesStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Limit > 0 {
		s.Log.Info().Int("limit", s.Limit).Msgf("restricting candidate generation to %d entities", s.Limit)
	}
	tbl, err := s.Source.Read(ctx, s.Limit)
	if err != nil {
		return fmt.Errorf("LoadQueriesStep: %w", err)
	}
	b, err := querysource.BuildQueries(tbl, s.Mode, s.Columns)
	if err != nil {
		return fmt.Errorf("LoadQueriesStep: %w", err)
	}
	if b.Duplicates > 0 {
		s.Log.Warn().Int("duplicates", b.Duplicates).Msg("dropped query entities with duplicate ids")
	}
	if b.InvalidLocations > 0 {
		s.Log.Warn().Int("invalid_locations", b.InvalidLocations).Msg("query entities without a usable location")
	}
	state.Queries = b.Queries
	state.Header = s.Mode.Header(s.Columns.ID, b.Passthrough)
	s.Log.Info().Int("queries", len(b.Queries)).Msg("loaded query entities")
	return nil
}

// Step 2: StartRunStep records the run as RUNNING.
type StartRunStep struct {
	Tracker runs.Tracker
	Info    runs.Info
	Log     zerolog.Logger
}

func (s *StartRunStep) Execute(ctx context.Context, state *PipelineState) error {
	info := s.Info
	info.Queries = len(state.Queries)
	runID, err := s.Tracker.Start(ctx, info)
	if err != nil {
		return fmt.Errorf("StartRunStep: %w", err)
	}
	state.RunID = runID
	s.Log.Info().Str("run_id", runID).Msg("run started")
	return nil
}

// Step 3: OpenSinksStep creates both output files.
type OpenSinksStep struct {
	MatchedPath   string
	UnmatchedPath string
	Compression   sink.Compression
	Log           zerolog.Logger
}

func (s *OpenSinksStep) Execute(_ context.Context, state *PipelineState) error {
	mdst, mpath, err := sink.CreateFile(s.MatchedPath, s.Compression)
	if err != nil {
		return fmt.Errorf("OpenSinksStep: matched: %w", err)
	}
	udst, upath, err := sink.CreateFile(s.UnmatchedPath, s.Compression)
	if err != nil {
		_ = mdst.Close()
		return fmt.Errorf("OpenSinksStep: unmatched: %w", err)
	}

	state.Matched = sink.New("matched", mdst, s.Log)
	state.Unmatched = sink.New("unmatched", udst, s.Log)
	state.MatchedPath, state.UnmatchedPath = mpath, upath

	s.Log.Info().Msgf("matched entities written to: %s", mpath)
	s.Log.Info().Msgf("unmatched entities written to: %s", upath)
	return nil
}

// Step 4: GenerateStep fans the lookups out and joins both sinks.
type GenerateStep struct {
	Pool      pool.Pool
	Fetcher   linking.FetcherConfig
	Tags      linking.TagRules
	KGSource  linking.KGSource
	Scheduler scheduler.Config
	Observer  scheduler.Observer
	Log       zerolog.Logger
}

func (s *GenerateStep) Execute(ctx context.Context, state *PipelineState) error {
	tags := linking.NewTagSummarizer(s.Tags, s.Fetcher.Mode.Schema().TagFormat)
	f := linking.NewFetcher(s.Pool, s.Fetcher, tags, linking.NewIDNormalizer(s.KGSource))

	sched := scheduler.New(s.Scheduler, f, state.Matched, state.Unmatched, s.Observer, s.Log)
	report, err := sched.Run(ctx, state.Queries, state.Header)
	state.Report = report
	if err != nil {
		return fmt.Errorf("GenerateStep: %w", err)
	}

	ev := s.Log.Info()
	if report.Failed > 0 {
		ev = s.Log.Warn()
	}
	ev.Int("queries", report.Queries).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Int("matched_rows", report.MatchedRows).
		Int("unmatched_rows", report.UnmatchedRows).
		Msg("candidate generation finished")
	return nil
}

// Step 5: CloseStoreStep releases every store connection.
type CloseStoreStep struct {
	Pool pool.Pool
	Log  zerolog.Logger
}

func (s *CloseStoreStep) Execute(_ context.Context, state *PipelineState) error {
	state.storeClosed = true
	if err := s.Pool.Close(); err != nil {
		return fmt.Errorf("CloseStoreStep: %w", err)
	}
	s.Log.Info().Msg("closed connection")
	return nil
}

// TextfileWriter persists metrics after the run.
type TextfileWriter interface {
	WriteTextfile(path string) error
}

// Step 6: WriteMetricsStep writes the final metrics to a textfile.
type WriteMetricsStep struct {
	Metrics TextfileWriter
	Path    string
}

func (s *WriteMetricsStep) Execute(_ context.Context, _ *PipelineState) error {
	if err := s.Metrics.WriteTextfile(s.Path); err != nil {
		return fmt.Errorf("WriteMetricsStep: %w", err)
	}
	return nil
}

// Step 7: PublishStep uploads both output files and the run log.
type PublishStep struct {
	Publisher *publish.Publisher
	Extra     []string
}

func (s *PublishStep) Execute(ctx context.Context, state *PipelineState) error {
	paths := append([]string{state.MatchedPath, state.UnmatchedPath}, s.Extra...)
	uris, err := s.Publisher.Publish(ctx, paths...)
	state.Published = uris
	if err != nil {
		return fmt.Errorf("PublishStep: %w", err)
	}
	return nil
}

// Step 8: MarkSuccessStep marks the run as SUCCESS.
type MarkSuccessStep struct {
	Tracker runs.Tracker
}

func (s *MarkSuccessStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := s.Tracker.Succeed(ctx, state.RunID, state.summary()); err != nil {
		return fmt.Errorf("MarkSuccessStep: %w", err)
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// FormatElapsed renders d as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// isCancel reports whether err stems from the caller giving up.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
