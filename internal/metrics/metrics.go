// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alishiba14/IGEA/internal/api/middleware"
	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/scheduler"
)

const namespace = "candgen"

// Collector records scheduler outcomes. It implements scheduler.Observer and
// is safe for concurrent use.
type Collector struct {
	reg *prometheus.Registry

	queries  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	batches  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	started  prometheus.Gauge
	finished atomic.Int64

	pool pool.Pool
}

// New creates a collector with its own registry, labelled with the run mode.
func New(mode domain.Mode) *Collector {
	constLabels := prometheus.Labels{"mode": string(mode)}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queries_total",
			Help:        "Query entities finished, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "lookup_duration_seconds",
			Help:        "Latency of one candidate lookup including connection borrow.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batches_total",
			Help:        "Non-empty batches routed, by sink.",
			ConstLabels: constLabels,
		}, []string{"sink"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rows_total",
			Help:        "Output rows routed, by sink.",
			ConstLabels: constLabels,
		}, []string{"sink"}),
		started: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_start_time_seconds",
			Help:        "Unix time the run started.",
			ConstLabels: constLabels,
		}),
	}
	c.reg.MustRegister(c.queries, c.latency, c.batches, c.rows, c.started)
	c.reg.MustRegister(collectors.NewGoCollector())
	c.started.SetToCurrentTime()
	return c
}

var _ scheduler.Observer = (*Collector)(nil)

// ObserveQuery implements scheduler.Observer.
func (c *Collector) ObserveQuery(outcome scheduler.Outcome, elapsed time.Duration) {
	c.queries.WithLabelValues(string(outcome)).Inc()
	c.latency.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	c.finished.Add(1)
}

// ObserveBatch implements scheduler.Observer.
func (c *Collector) ObserveBatch(kind domain.SinkKind, rows int) {
	c.batches.WithLabelValues(kind.String()).Inc()
	c.rows.WithLabelValues(kind.String()).Add(float64(rows))
}

// WatchPool exports the occupancy of p. Call it at most once.
func (c *Collector) WatchPool(p pool.Pool) {
	c.pool = p
	gauge := func(name, help string, v func(pool.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(p.Stats()) })
	}
	c.reg.MustRegister(
		gauge("max_conns", "Upper bound of live connections.", func(s pool.Stats) float64 { return float64(s.MaxConns) }),
		gauge("live_conns", "Connections currently open.", func(s pool.Stats) float64 { return float64(s.Live) }),
		gauge("in_use_conns", "Connections currently borrowed.", func(s pool.Stats) float64 { return float64(s.InUse) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "dials_total",
			Help:      "Connections opened since start.",
		}, func() float64 { return float64(p.Stats().Dials) }),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// WriteTextfile writes the current metrics in the text exposition format,
// e.g. for the node exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("WriteTextfile: %w", err)
	}
	return nil
}

// Status is the JSON body of /status.
type Status struct {
	Finished int64       `json:"finished"`
	Pool     *pool.Stats `json:"pool,omitempty"`
}

// Handler serves /metrics and /status.
func (c *Collector) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := Status{Finished: c.finished.Load()}
		if c.pool != nil {
			ps := c.pool.Stats()
			st.Pool = &ps
		}
		middleware.WriteJSON(w, http.StatusOK, st)
	})
	return middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ReadOnly,
	)
}

// Serve listens on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("Serve: listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	select {
	case err := <-errCh:
		return fmt.Errorf("Serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("Serve: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("Serve: %w", err)
	}
	return nil
}
