// Package metrics exposes the manager's health as Prometheus collectors:
// an active-connection gauge backed directly by the admission gate, a ban
// counter labeled by reason, a restart counter, and a ping-RTT histogram
// fed by every actor's keepalive engine. It is grounded on lnd's
// prometheus.go (its custom prometheus.Collector wrapping live server
// state via a GaugeFunc) and monitoring/monitoring_on.go (registering an
// http.Handler and serving it with promhttp), adapted from a single global
// registry and gRPC-focused wiring to a private, per-Collector registry and
// a plain /metrics HTTP server for this library's own binary.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bsv-blockchain/p2p-core/admission"
	"github.com/bsv-blockchain/p2p-core/peer"
)

// Collector owns a private Prometheus registry and every metric the
// connection manager reports.
type Collector struct {
	registry *prometheus.Registry

	activeConnections prometheus.GaugeFunc
	bansByReason       *prometheus.CounterVec
	restarts           prometheus.Counter
	pingRTT            prometheus.Histogram
}

// New constructs a Collector whose active_connections gauge tracks gate's
// current reservation count for as long as the Collector is scraped.
func New(gate *admission.Gate) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.activeConnections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "p2pcore",
		Name:      "active_connections",
		Help:      "Reserved admission-gate slots currently in use.",
	}, func() float64 { return float64(gate.Current()) })

	c.bansByReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pcore",
		Name:      "peer_bans_total",
		Help:      "Peers banned, labeled by ban reason.",
	}, []string{"reason"})

	c.restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2pcore",
		Name:      "connection_restarts_total",
		Help:      "In-place session restarts after a network-level fault.",
	})

	c.pingRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "p2pcore",
		Name:      "ping_rtt_seconds",
		Help:      "Observed keepalive ping round-trip time.",
		Buckets:   prometheus.DefBuckets,
	})

	c.registry.MustRegister(c.activeConnections, c.bansByReason, c.restarts, c.pingRTT)
	return c
}

// RecordBan increments the ban counter for reason.
func (c *Collector) RecordBan(reason peer.BanReasonKind) {
	c.bansByReason.WithLabelValues(reason.String()).Inc()
}

// RecordRestart increments the restart counter.
func (c *Collector) RecordRestart() {
	c.restarts.Inc()
}

// RecordRTT observes d against the ping-RTT histogram. Bound to individual
// actors via connmgr.Actor.SetRTTRecorder.
func (c *Collector) RecordRTT(d time.Duration) {
	c.pingRTT.Observe(d.Seconds())
}

// Handler returns the /metrics HTTP handler for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing Handler at /metrics on addr until ctx
// is canceled, then shuts it down gracefully.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
