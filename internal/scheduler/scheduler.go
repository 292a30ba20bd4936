// Package scheduler fans candidate lookups out over a bounded number of
// goroutines and joins the output sinks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/linking"
	"github.com/alishiba14/IGEA/internal/sink"
)

// DefaultConcurrency equals the default pool size so that fetchers do not
// queue on Acquire.
const DefaultConcurrency = 64

// maxReportedErrors caps Report.Errors; the counters stay exact.
const maxReportedErrors = 100

// Fetcher produces the batch of one query entity.
type Fetcher interface {
	Fetch(ctx context.Context, q domain.QueryEntity) (domain.Batch, error)
}

// Observer receives per-query outcomes, e.g. for metrics.
type Observer interface {
	ObserveQuery(outcome Outcome, elapsed time.Duration)
	ObserveBatch(kind domain.SinkKind, rows int)
}

// Outcome classifies a finished query.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Config bounds the fan-out.
type Config struct {
	Concurrency int

	// RateLimit caps lookups per second; zero disables it.
	RateLimit float64
	Burst     int

	// ProgressEvery logs progress after this many finished queries; zero
	// disables it.
	ProgressEvery int
}

// Report summarises a run.
type Report struct {
	Queries          int
	Processed        int
	Failed           int
	Skipped          int
	MatchedBatches   int
	UnmatchedBatches int
	MatchedRows      int
	UnmatchedRows    int
	Elapsed          time.Duration

	// Errors holds per-query failures, capped. A run-level failure is also
	// listed for the queries it hit.
	Errors []error
}

// Scheduler runs one generation pass.
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	matched   *sink.Sink
	unmatched *sink.Sink
	router    *linking.Router
	observer  Observer
	log       zerolog.Logger
}

// New creates a scheduler writing to the two sinks. observer may be nil.
func New(cfg Config, f Fetcher, matched, unmatched *sink.Sink, observer Observer, log zerolog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Scheduler{
		cfg:       cfg,
		fetcher:   f,
		matched:   matched,
		unmatched: unmatched,
		router:    linking.NewRouter(matched, unmatched),
		observer:  observer,
		log:       log,
	}
}

// tally is the mutable part of a Report.
type tally struct {
	mu sync.Mutex
	Report
	finished int
}

// Run writes header to both sinks, fetches every query and joins the sinks.
// The returned error is non-nil only for run-level failures: an unavailable
// store, a closed pool or a failed sink. Per-query failures are counted in
// the report.
func (s *Scheduler) Run(ctx context.Context, queries []domain.QueryEntity, header []string) (Report, error) {
	start := time.Now()
	t := &tally{Report: Report{Queries: len(queries)}}

	if err := s.matched.WriteHeader(header); err != nil {
		return t.Report, fmt.Errorf("Run: writing matched header: %w", err)
	}
	if err := s.unmatched.WriteHeader(header); err != nil {
		return t.Report, fmt.Errorf("Run: writing unmatched header: %w", err)
	}

	s.log.Info().Msg("starting consumer threads")
	s.matched.Start()
	s.unmatched.Start()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := s.watchSinks(runCtx, cancel)

	s.log.Info().Int("queries", len(queries)).Int("concurrency", s.cfg.Concurrency).Msg("starting candidate generation threads")
	fatal := s.fanOut(runCtx, queries, t)
	stopWatch()
	s.log.Info().Int("processed", t.Processed).Int("failed", t.Failed).Msg("finished candidate generation threads")

	s.matched.Stop()
	s.unmatched.Stop()
	// Sinks are drained regardless of ctx so that accepted rows reach disk.
	sinkErr := errors.Join(s.matched.Wait(context.Background()), s.unmatched.Wait(context.Background()))
	s.log.Info().
		Int64("matched_rows", s.matched.Rows()).
		Int64("unmatched_rows", s.unmatched.Rows()).
		Msg("stopped consumer threads")

	t.Skipped = t.Queries - t.Processed - t.Failed
	t.Elapsed = time.Since(start)

	if cause := context.Cause(runCtx); fatal == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		fatal = cause
	}
	if fatal == nil && sinkErr != nil {
		fatal = sinkErr
	}
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}
	if fatal != nil {
		return t.Report, fmt.Errorf("Run: %w", fatal)
	}
	return t.Report, nil
}

// watchSinks cancels the run as soon as either sink fails.
func (s *Scheduler) watchSinks(ctx context.Context, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-s.matched.Failed():
			cancel(s.matched.Err())
		case <-s.unmatched.Failed():
			cancel(s.unmatched.Err())
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Scheduler) fanOut(ctx context.Context, queries []domain.QueryEntity, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	var waitErr error
	for _, q := range queries {
		if gctx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				// Wait fails before the deadline passes when the next token
				// would arrive too late; ctx is still live then.
				if gctx.Err() == nil {
					waitErr = fmt.Errorf("fanOut: waiting for rate limiter: %w: %w", context.DeadlineExceeded, err)
				}
				break
			}
		}
		g.Go(func() error {
			return s.process(gctx, q, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return waitErr
}

// process handles one query. Only run-level failures are returned.
func (s *Scheduler) process(ctx context.Context, q domain.QueryEntity, t *tally) error {
	if ctx.Err() != nil {
		return nil
	}
	begin := time.Now()
	log := s.log.With().Str("query_id", q.ID).Logger()

	batch, err := s.fetcher.Fetch(ctx, q)
	if err != nil {
		var lookupErr *linking.LookupError
		switch {
		case ctx.Err() != nil:
			// Cancelled by a sibling's fatal error; counted as skipped.
			s.observer.ObserveQuery(OutcomeSkipped, time.Since(begin))
			return nil
		case errors.As(err, &lookupErr):
			log.Warn().Err(err).Msg("lookup failed")
			t.mu.Lock()
			t.Failed++
			if len(t.Errors) < maxReportedErrors {
				t.Errors = append(t.Errors, err)
			}
			t.mu.Unlock()
			s.observer.ObserveQuery(OutcomeFailed, time.Since(begin))
			s.progress(t)
			return nil
		default:
			log.Error().Err(err).Msg("cannot borrow a store connection")
			t.mu.Lock()
			t.Failed++
			if len(t.Errors) < maxReportedErrors {
				t.Errors = append(t.Errors, fmt.Errorf("query %s: %w", q.ID, err))
			}
			t.mu.Unlock()
			s.observer.ObserveQuery(OutcomeFailed, time.Since(begin))
			return err
		}
	}

	kind, n, err := s.router.Dispatch(batch)
	if err != nil {
		log.Error().Err(err).Msg("cannot enqueue batch")
		return err
	}

	t.mu.Lock()
	t.Processed++
	if n > 0 {
		if kind == domain.SinkMatched {
			t.MatchedBatches++
			t.MatchedRows += n
		} else {
			t.UnmatchedBatches++
			t.UnmatchedRows += n
		}
	}
	t.mu.Unlock()

	s.observer.ObserveQuery(OutcomeProcessed, time.Since(begin))
	if n > 0 {
		s.observer.ObserveBatch(kind, n)
	}
	s.progress(t)
	return nil
}

func (s *Scheduler) progress(t *tally) {
	if s.cfg.ProgressEvery <= 0 {
		return
	}
	t.mu.Lock()
	t.finished++
	finished, total := t.finished, t.Queries
	t.mu.Unlock()
	if finished%s.cfg.ProgressEvery == 0 || finished == total {
		s.log.Info().Int("done", finished).Int("total", total).Msg("progress")
	}
}

type nopObserver struct{}

func (nopObserver) ObserveQuery(Outcome, time.Duration) {}
func (nopObserver) ObserveBatch(domain.SinkKind, int)   {}
