package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/alishiba14/IGEA/internal/store"
)

// SharedPool gates a single concurrency-safe connection, such as a
// BigQuery client, behind a weighted semaphore. Each Acquire holds one unit
// until the matching Release or Discard.
type SharedPool struct {
	conn store.Conn
	max  int
	sem  *semaphore.Weighted

	mu       sync.Mutex
	inUse    int
	broken   bool
	isClosed bool
}

// NewSharedPool wraps conn. The pool owns conn and closes it on Close.
func NewSharedPool(conn store.Conn, maxConns int) *SharedPool {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &SharedPool{
		conn: conn,
		max:  maxConns,
		sem:  semaphore.NewWeighted(int64(maxConns)),
	}
}

// Acquire implements Pool.
func (p *SharedPool) Acquire(ctx context.Context) (store.Conn, error) {
	p.mu.Lock()
	closed, broken := p.isClosed, p.broken
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if broken {
		return nil, store.Unavailable(fmt.Errorf("SharedPool: shared connection was discarded"))
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse++
	return p.conn, nil
}

// Release implements Pool.
func (p *SharedPool) Release(c store.Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if p.inUse == 0 {
		p.mu.Unlock()
		return
	}
	p.inUse--
	p.mu.Unlock()
	p.sem.Release(1)
}

// Discard implements Pool. The shared connection cannot be replaced, so
// later Acquire calls fail with store.ErrStoreUnavailable.
func (p *SharedPool) Discard(c store.Conn) {
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
	p.Release(c)
}

// Close implements Pool.
func (p *SharedPool) Close() error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	p.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("SharedPool: closing connection: %w", err)
	}
	return nil
}

// Stats implements Pool.
func (p *SharedPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := 1
	if p.isClosed {
		live = 0
	}
	return Stats{MaxConns: p.max, Live: live, InUse: p.inUse, Dials: 1}
}

var _ Pool = (*SharedPool)(nil)
