package obs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus descriptors exposing the simulator's own
// progress, registered on a dedicated registry so embedding this module in
// a larger process never collides with its metrics.
type Metrics struct {
	registry *prometheus.Registry

	StepsCompletedTotal  prometheus.Counter
	PendingMessages      prometheus.Gauge
	NodesDecidedTotal    prometheus.Gauge
	InvariantErrorsTotal prometheus.Counter
}

// NewMetrics constructs and registers every gauge/counter this module
// exposes.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		StepsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsim",
			Subsystem: "sim",
			Name:      "steps_completed_total",
			Help:      "Total simulator steps completed in this run.",
		}),

		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsim",
			Subsystem: "sim",
			Name:      "pending_messages",
			Help:      "Messages currently queued for a future delivery time.",
		}),

		NodesDecidedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsim",
			Subsystem: "avalanche",
			Name:      "nodes_decided",
			Help:      "Number of correct nodes that have reached a decision.",
		}),

		InvariantErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bsim",
			Subsystem: "sim",
			Name:      "invariant_errors_total",
			Help:      "Total invariant violations the simulator refused to paper over.",
		}),
	}

	reg.MustRegister(
		m.StepsCompletedTotal,
		m.PendingMessages,
		m.NodesDecidedTotal,
		m.InvariantErrorsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve starts the Prometheus metrics server on addr, blocking until ctx is
// canceled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("obs: metrics server on %s: %w", addr, err)
	}
	return nil
}
