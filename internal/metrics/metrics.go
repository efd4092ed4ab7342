// Package metrics exposes dispatcher-level counters over Prometheus,
// supplementing the periodic bandwidth-distribution logging the C
// reference implementation did in log_bandwidth_distribution.
// Registration follows the promauto pattern used by
// Julzz10110-rillnet's internal/infrastructure/monitoring package; all
// counters here are updated via lock-free atomics from the dispatcher's
// hot path and read by the HTTP handler, so exporting metrics never adds
// synchronization to the event loop itself.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of process-wide counters/gauges the dispatcher
// updates. All fields backing the Prometheus collectors are plain
// atomics; the promauto collectors below wrap them via GaugeFunc and
// CounterFunc so no
// value ever needs to be pushed across a lock.
type Metrics struct {
	groups      atomic.Int64
	conns       atomic.Int64
	bytesUp     atomic.Uint64
	bytesDown   atomic.Uint64
	regFailures atomic.Uint64
	acksSent    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance and registers its collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "srtla_groups_active",
		Help: "Number of currently registered groups.",
	}, func() float64 { return float64(m.groups.Load()) })
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "srtla_connections_active",
		Help: "Number of currently registered uplink connections, across all groups.",
	}, func() float64 { return float64(m.conns.Load()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "srtla_bytes_upstream_total",
		Help: "Bytes forwarded from uplinks to downstream SRT sockets.",
	}, func() float64 { return float64(m.bytesUp.Load()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "srtla_bytes_downstream_total",
		Help: "Bytes forwarded from downstream SRT sockets to uplinks.",
	}, func() float64 { return float64(m.bytesDown.Load()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "srtla_registration_failures_total",
		Help: "REG_ERR/REG_NGP replies sent for registration attempts.",
	}, func() float64 { return float64(m.regFailures.Load()) })
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "srtla_acks_sent_total",
		Help: "SRTLA ACK batches emitted to uplinks.",
	}, func() float64 { return float64(m.acksSent.Load()) })

	return m
}

func (m *Metrics) SetGroups(n int)    { m.groups.Store(int64(n)) }
func (m *Metrics) SetConns(n int)     { m.conns.Store(int64(n)) }
func (m *Metrics) AddBytesUp(n int)   { m.bytesUp.Add(uint64(n)) }
func (m *Metrics) AddBytesDown(n int) { m.bytesDown.Add(uint64(n)) }
func (m *Metrics) IncRegFailure()     { m.regFailures.Add(1) }
func (m *Metrics) IncACKSent()        { m.acksSent.Add(1) }

// Serve runs an HTTP server exposing /metrics and /healthz on addr until
// ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
