// Package metrics exposes Prometheus counters for the imaging subsystem and a
// small sidecar server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	// JobsStarted counts accepted write-image jobs.
	JobsStarted = factory.NewCounter(prometheus.CounterOpts{
		Name: "imager_jobs_started_total",
		Help: "Number of accepted imaging jobs",
	})

	// JobsCompleted counts finished jobs by outcome ("done" or "error").
	JobsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "imager_jobs_completed_total",
		Help: "Number of finished imaging jobs by outcome",
	}, []string{"outcome"})

	// BytesWritten counts decompressed bytes written to target devices.
	BytesWritten = factory.NewCounter(prometheus.CounterOpts{
		Name: "imager_bytes_written_total",
		Help: "Decompressed bytes written to target block devices",
	})

	// RequestsDenied counts guard denials by reason ("ip" or "token").
	RequestsDenied = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "imager_requests_denied_total",
		Help: "Number of write-image requests denied by the guard",
	}, []string{"reason"})

	// CorrelatorLines counts consumed boot log lines by outcome
	// ("transfer", "lease", "unrecognized").
	CorrelatorLines = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "correlator_lines_total",
		Help: "Boot daemon log lines consumed by the correlator",
	}, []string{"kind"})

	// ProxyUnreachable counts device status probes that could not connect.
	ProxyUnreachable = factory.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_status_proxy_unreachable_total",
		Help: "Device status proxy requests that found the device unreachable",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsServer serves the Prometheus registry on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address. The name is kept
// for log correlation only.
func New(name, listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
