package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alishiba14/IGEA/internal/store"
)

// ConnPool lends each borrower an exclusive connection. Connections are
// dialled lazily up to the maximum and reused until the pool is closed.
// It is safe for concurrent use.
type ConnPool struct {
	dial store.Dialer
	max  int

	idle   chan store.Conn   // connections ready for reuse
	slots  chan struct{}     // one token per live connection
	closed chan struct{}

	mu       sync.Mutex
	live     map[store.Conn]bool // value: borrowed
	dials    int64
	isClosed bool
}

// NewConnPool creates a pool that opens connections with dial.
func NewConnPool(dial store.Dialer, maxConns int) *ConnPool {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &ConnPool{
		dial:   dial,
		max:    maxConns,
		idle:   make(chan store.Conn, maxConns),
		slots:  make(chan struct{}, maxConns),
		closed: make(chan struct{}),
		live:   make(map[store.Conn]bool, maxConns),
	}
}

// Acquire implements Pool.
func (p *ConnPool) Acquire(ctx context.Context) (store.Conn, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	// Prefer reuse over dialling a new connection.
	select {
	case c := <-p.idle:
		return p.lend(c)
	default:
	}

	select {
	case c := <-p.idle:
		return p.lend(c)
	case p.slots <- struct{}{}:
		return p.open(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

func (p *ConnPool) lend(c store.Conn) (store.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil, ErrPoolClosed
	}
	p.live[c] = true
	return c, nil
}

// open dials while holding a slot token.
func (p *ConnPool) open(ctx context.Context) (store.Conn, error) {
	c, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		if errors.Is(err, store.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, store.Unavailable(fmt.Errorf("ConnPool: dialing: %w", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.isClosed {
		_ = c.Close()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.live[c] = true
	return c, nil
}

// Release implements Pool.
func (p *ConnPool) Release(c store.Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.live[c]; !ok {
		// Already terminated by Close.
		p.mu.Unlock()
		return
	}
	if p.isClosed {
		delete(p.live, c)
		p.mu.Unlock()
		_ = c.Close()
		<-p.slots
		return
	}
	p.live[c] = false
	p.mu.Unlock()

	// Cannot block: at most max connections exist.
	p.idle <- c
}

// Discard implements Pool.
func (p *ConnPool) Discard(c store.Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.live[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.live, c)
	p.mu.Unlock()

	_ = c.Close()
	<-p.slots
}

// Close implements Pool. Borrowed connections are closed as well; callers
// are expected to have finished all lookups first.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	close(p.closed)

	conns := make([]store.Conn, 0, len(p.live))
	for c := range p.live {
		conns = append(conns, c)
	}
	p.live = make(map[store.Conn]bool)
	p.mu.Unlock()

	// Drop idle references; every connection is closed through conns.
	for {
		select {
		case <-p.idle:
			continue
		default:
		}
		break
	}

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		<-p.slots
	}
	if len(errs) > 0 {
		return fmt.Errorf("ConnPool: closing connections: %w", errors.Join(errs...))
	}
	return nil
}

// Stats implements Pool.
func (p *ConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, borrowed := range p.live {
		if borrowed {
			inUse++
		}
	}
	return Stats{MaxConns: p.max, Live: len(p.live), InUse: inUse, Dials: p.dials}
}

var _ Pool = (*ConnPool)(nil)
