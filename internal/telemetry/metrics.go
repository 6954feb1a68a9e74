package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exercised by both the client
// and server connection state machines. spec.md is silent on
// observability (its Non-goals scope out cryptographic strength, not
// metrics), so this is a SPEC_FULL.md domain-stack addition grounded on
// backube-volsync and postalsys-Muti-Metroo, both of which wire
// prometheus/client_golang alongside their primary connection-handling
// logic.
type Metrics struct {
	ConnectionsAccepted  prometheus.Counter
	ConnectionsEstab     prometheus.Counter
	ConnectionsFailed    *prometheus.CounterVec
	ResolutionFailures   prometheus.Counter
	BytesForwarded       *prometheus.CounterVec
}

// NewMetrics registers the tunnel's collectors with the default Prometheus
// registry, which ServeMetrics exposes.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted on the SOCKS5/tunnel listener.",
		}),
		ConnectionsEstab: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "Total connections that reached the ESTAB forwarding state.",
		}),
		ConnectionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Total connections that terminated in an error state, labeled by state.",
		}, []string{"state"}),
		ResolutionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_failures_total",
			Help:      "Total server-side name resolution failures.",
		}),
		BytesForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded, labeled by direction.",
		}, []string{"direction"}),
	}
}

// ServeMetrics starts an HTTP server exposing /metrics on addr until ctx
// is cancelled. Used only when the -m/--metrics-addr flag is set.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
