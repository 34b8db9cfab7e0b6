// Package metrics exposes monitor activity as Prometheus metrics.
//
// Collectors live on a private registry so several monitors (and tests) can
// coexist in one process. The optional HTTP endpoint serves /metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celarini/corvo/internal/activation"
)

// Metrics groups the monitor collectors
type Metrics struct {
	registry *prometheus.Registry

	Cycles           prometheus.Counter
	Items            *prometheus.CounterVec
	ArchiveBytes     prometheus.Histogram
	DeliveryDuration *prometheus.HistogramVec
	LastCycle        prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvo_cycles_total",
			Help: "Completed monitor cycles",
		}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvo_items_total",
			Help: "Processed games by outcome",
		}, []string{"outcome"}),
		ArchiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corvo_archive_bytes",
			Help:    "Uncompressed payload of built archives",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KiB .. 32MiB
		}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corvo_delivery_duration_seconds",
			Help:    "Webhook upload duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvo_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),
	}

	m.registry.MustRegister(
		m.Cycles,
		m.Items,
		m.ArchiveBytes,
		m.DeliveryDuration,
		m.LastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveItem counts one processed game
func (m *Metrics) ObserveItem(outcome string) {
	m.Items.WithLabelValues(outcome).Inc()
}

// ObserveArchive records the payload size of a built archive
func (m *Metrics) ObserveArchive(bytes int64) {
	m.ArchiveBytes.Observe(float64(bytes))
}

// ObserveDelivery records one upload attempt
func (m *Metrics) ObserveDelivery(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.DeliveryDuration.WithLabelValues(result).Observe(d.Seconds())
}

// CycleDone marks the end of a cycle
func (m *Metrics) CycleDone(at time.Time) {
	m.Cycles.Inc()
	m.LastCycle.Set(float64(at.Unix()))
}

// Handler returns the HTTP handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr (or a systemd-activated socket) until ctx
// is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, activated, err := activation.Listen(addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down metrics endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
