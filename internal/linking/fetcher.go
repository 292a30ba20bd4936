// Package linking fetches candidates for query entities, labels them
// against the ground truth and routes the resulting batches.
package linking

import (
	"context"
	"errors"
	"fmt"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/store"
)

// Default lookup parameters.
const (
	DefaultMaxCandidates     = 100
	DefaultDistanceThreshold = 2500.0
)

// FetcherConfig parameterises lookups for a whole run.
type FetcherConfig struct {
	Mode              domain.Mode
	MaxCandidates     int
	DistanceThreshold float64
}

// Fetcher performs one lookup per query entity on a borrowed connection.
// It is safe for concurrent use.
type Fetcher struct {
	pool      pool.Pool
	mode      domain.Mode
	schema    domain.ModeSchema
	limit     int
	threshold float64
	tags      *TagSummarizer
	normalize IDNormalizer
}

// NewFetcher creates a fetcher. A nil normalizer compares ids verbatim.
func NewFetcher(p pool.Pool, cfg FetcherConfig, tags *TagSummarizer, normalize IDNormalizer) *Fetcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.DistanceThreshold <= 0 {
		cfg.DistanceThreshold = DefaultDistanceThreshold
	}
	if normalize == nil {
		normalize = NewIDNormalizer(KGWikidata)
	}
	return &Fetcher{
		pool:      p,
		mode:      cfg.Mode,
		schema:    cfg.Mode.Schema(),
		limit:     cfg.MaxCandidates,
		threshold: cfg.DistanceThreshold,
		tags:      tags,
		normalize: normalize,
	}
}

// Fetch looks up and classifies candidates for q.
//
// Errors from the pool (store.ErrStoreUnavailable, pool.ErrPoolClosed,
// context errors) are returned unchanged and concern the whole run. Any
// other failure is a *LookupError and concerns q alone.
func (f *Fetcher) Fetch(ctx context.Context, q domain.QueryEntity) (domain.Batch, error) {
	if err := f.checkInput(q); err != nil {
		return domain.Batch{}, &LookupError{QueryID: q.ID, Err: err}
	}

	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return domain.Batch{}, err
	}

	cands, err := f.lookup(ctx, conn, q)
	if err != nil {
		if errors.Is(err, store.ErrConnBroken) {
			f.pool.Discard(conn)
		} else {
			f.pool.Release(conn)
		}
		return domain.Batch{}, &LookupError{QueryID: q.ID, Err: err}
	}
	f.pool.Release(conn)

	batch, err := f.classify(q, cands)
	if err != nil {
		return domain.Batch{}, &LookupError{QueryID: q.ID, Err: err}
	}
	return batch, nil
}

func (f *Fetcher) checkInput(q domain.QueryEntity) error {
	switch f.schema.Lookup {
	case domain.LookupByName:
		if q.Name == "" {
			return fmt.Errorf("query has no name")
		}
	default:
		if q.Location == nil {
			return fmt.Errorf("query has no valid location")
		}
	}
	return nil
}

func (f *Fetcher) lookup(ctx context.Context, conn store.Conn, q domain.QueryEntity) ([]store.Candidate, error) {
	if f.schema.Lookup == domain.LookupByName {
		return conn.LookupByName(ctx, q.Name, f.limit)
	}
	return conn.LookupByPoint(ctx, *q.Location, f.threshold, f.limit)
}

// classify labels each candidate. A row matches when its normalised
// known ID equals the query's; an empty query known ID never matches.
func (f *Fetcher) classify(q domain.QueryEntity, cands []store.Candidate) (domain.Batch, error) {
	batch := domain.Batch{
		QueryID:     q.ID,
		Passthrough: q.Passthrough,
		Rows:        make([]domain.CandidateRow, 0, len(cands)),
	}
	for _, c := range cands {
		tags, summary, err := f.tags.Summarize(c.Attributes)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("classify: candidate %d: %w", c.StoreID, err)
		}
		known := ""
		if c.KnownID != "" {
			known = f.normalize(c.KnownID)
		}
		match := q.KnownID != "" && known == q.KnownID

		batch.Rows = append(batch.Rows, domain.CandidateRow{
			StoreID:    c.StoreID,
			Score:      c.Score,
			Tags:       tags,
			TagSummary: summary,
			KnownID:    known,
			Match:      match,
		})
		batch.IsLinked = batch.IsLinked || match
	}
	return batch, nil
}
