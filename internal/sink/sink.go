// Package sink serialises output rows from many producers into a single
// tab-separated stream.
package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/alishiba14/IGEA/internal/domain"
)

var (
	// ErrSinkClosed is returned by Enqueue once the sink has drained.
	ErrSinkClosed = errors.New("sink closed")

	// ErrSinkWrite marks a failure of the destination. It is fatal for a run.
	ErrSinkWrite = errors.New("sink write failed")

	// ErrHeaderWritten is returned by a second WriteHeader call, or one made
	// after rows were accepted.
	ErrHeaderWritten = errors.New("sink header already written")
)

// State is the lifecycle position of a Sink.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopRequested
	StateDrained
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type record struct {
	fields []string
	header bool
}

// Sink accepts rows from any number of goroutines without blocking and
// writes them, in acceptance order, from one consumer goroutine.
type Sink struct {
	name string
	log  zerolog.Logger
	dst  io.WriteCloser
	w    *csv.Writer

	mu        sync.Mutex
	queue     []record
	state     State
	stopped   bool
	header    bool
	dataSeen  bool
	err       error
	notify    chan struct{}
	done      chan struct{}
	failed    chan struct{}
	startOnce sync.Once

	rows atomic.Int64
}

// New creates a sink writing to dst. The sink owns dst and closes it once
// drained.
func New(name string, dst io.WriteCloser, log zerolog.Logger) *Sink {
	w := csv.NewWriter(dst)
	w.Comma = '\t'
	return &Sink{
		name:   name,
		log:    log.With().Str("sink", name).Logger(),
		dst:    dst,
		w:      w,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// Name returns the sink's name.
func (s *Sink) Name() string { return s.name }

// Start launches the consumer goroutine. Later calls do nothing.
func (s *Sink) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateCreated {
			s.state = StateRunning
			if s.stopped {
				s.state = StateStopRequested
			}
		}
		s.mu.Unlock()
		s.log.Debug().Msg("consumer started")
		go s.run()
	})
}

// WriteHeader queues the header record. It must precede every row and may
// be called once.
func (s *Sink) WriteHeader(cols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header || s.dataSeen {
		return ErrHeaderWritten
	}
	if err := s.acceptLocked(); err != nil {
		return err
	}
	s.header = true
	s.queue = append(s.queue, record{fields: append([]string(nil), cols...), header: true})
	s.wake()
	return nil
}

// Enqueue appends rows atomically. It never blocks on the destination.
func (s *Sink) Enqueue(rows ...domain.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]record, len(rows))
	for i, r := range rows {
		recs[i] = record{fields: r.Record()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acceptLocked(); err != nil {
		return err
	}
	s.dataSeen = true
	s.queue = append(s.queue, recs...)
	s.wake()
	return nil
}

// acceptLocked reports whether new records may be queued.
func (s *Sink) acceptLocked() error {
	switch s.state {
	case StateFailed:
		return s.err
	case StateDrained, StateClosed:
		return fmt.Errorf("%s: %w", s.name, ErrSinkClosed)
	}
	return nil
}

func (s *Sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Stop requests a drain. Rows accepted before the consumer observes the
// empty queue are still written.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.state == StateRunning {
		s.state = StateStopRequested
	}
	s.mu.Unlock()
	s.wake()
}

// Wait blocks until the sink has drained and closed its destination, or
// failed, or ctx is done.
func (s *Sink) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the write error, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failed is closed when the destination fails.
func (s *Sink) Failed() <-chan struct{} {
	return s.failed
}

// State returns the current lifecycle state.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rows returns the number of data rows written so far.
func (s *Sink) Rows() int64 {
	return s.rows.Load()
}

func (s *Sink) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		if len(batch) == 0 && s.stopped {
			// Empty under the enqueue lock after stop: nothing can be lost.
			s.state = StateDrained
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		if len(batch) == 0 {
			<-s.notify
			continue
		}
		if err := s.write(batch); err != nil {
			s.fail(err)
			return
		}
	}

	if err := s.dst.Close(); err != nil {
		s.fail(fmt.Errorf("closing destination: %w", err))
		return
	}
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Debug().Int64("rows", s.rows.Load()).Msg("consumer stopped")
}

func (s *Sink) write(batch []record) error {
	var data int64
	for _, rec := range batch {
		if err := s.w.Write(rec.fields); err != nil {
			return err
		}
		if !rec.header {
			data++
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	s.rows.Add(data)
	return nil
}

func (s *Sink) fail(err error) {
	s.mu.Lock()
	s.err = fmt.Errorf("%w: %s: %w", ErrSinkWrite, s.name, err)
	s.state = StateFailed
	s.queue = nil
	s.mu.Unlock()
	close(s.failed)
	_ = s.dst.Close()
	s.log.Error().Err(err).Msg("sink failed")
}
