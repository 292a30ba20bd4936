// Package pool hands out store connections to concurrent fetchers.
package pool

import (
	"context"
	"errors"

	"github.com/alishiba14/IGEA/internal/store"
)

// DefaultMaxConns matches the default fan-out bound of the scheduler.
const DefaultMaxConns = 64

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Pool is a bounded set of live store connections.
//
// Every connection obtained from Acquire must be handed back exactly once,
// through Release when it is still usable or Discard when the backend
// reported it broken.
type Pool interface {
	// Acquire blocks until a connection is available, ctx is done or the
	// pool is closed. Dial failures match store.ErrStoreUnavailable.
	Acquire(ctx context.Context) (store.Conn, error)

	// Release returns a connection for reuse.
	Release(c store.Conn)

	// Discard closes a connection and frees its slot.
	Discard(c store.Conn)

	// Close terminates every live connection and rejects further Acquire
	// calls.
	Close() error

	// Stats reports a snapshot of the pool state.
	Stats() Stats
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	MaxConns int
	Live     int // connections currently open
	InUse    int // connections currently borrowed
	Dials    int64
}
