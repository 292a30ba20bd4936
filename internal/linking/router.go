package linking

import (
	"github.com/alishiba14/IGEA/internal/domain"
)

// Enqueuer accepts rows for one output stream.
type Enqueuer interface {
	Enqueue(rows ...domain.OutputRow) error
}

// Router sends every batch, as a whole, to the matched or the unmatched
// stream.
type Router struct {
	matched   Enqueuer
	unmatched Enqueuer
}

// NewRouter creates a router over the two streams.
func NewRouter(matched, unmatched Enqueuer) *Router {
	return &Router{matched: matched, unmatched: unmatched}
}

// Route decides the destination of b. A batch is linked iff at least one
// row matches.
func Route(b domain.Batch) (domain.SinkKind, []domain.OutputRow) {
	if b.IsLinked {
		return domain.SinkMatched, b.OutputRows()
	}
	return domain.SinkUnmatched, b.OutputRows()
}

// Dispatch enqueues b on its stream with a single call so that the rows of
// a batch are never split. Empty batches enqueue nothing.
func (r *Router) Dispatch(b domain.Batch) (domain.SinkKind, int, error) {
	kind, rows := Route(b)
	if len(rows) == 0 {
		return kind, 0, nil
	}
	dst := r.unmatched
	if kind == domain.SinkMatched {
		dst = r.matched
	}
	if err := dst.Enqueue(rows...); err != nil {
		return kind, 0, err
	}
	return kind, len(rows), nil
}
