package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/queuestash/internal/config"
	"github.com/nuetzliches/queuestash/internal/consumer"
)

// runtimeMetrics is the process-wide registry: consumer and replay counters
// plus what the run loop itself observes.
type runtimeMetrics struct {
	registry *prometheus.Registry
	consumer *consumer.Metrics

	buildInfo           *prometheus.GaugeVec
	configReloads       *prometheus.CounterVec
	moveRuns            *prometheus.CounterVec
	tracingExportErrors prometheus.Counter
}

func newRuntimeMetrics() (*runtimeMetrics, error) {
	reg := prometheus.NewRegistry()
	cm, err := consumer.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	m := &runtimeMetrics{
		registry: reg,
		consumer: cm,
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queuestash",
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version", "commit"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuestash",
			Name:      "config_reloads_total",
			Help:      "Config reload attempts by result.",
		}, []string{"result"}),
		moveRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuestash",
			Name:      "move_runs_total",
			Help:      "Move job passes by job and result.",
		}, []string{"job", "result"}),
		tracingExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuestash",
			Name:      "tracing_export_errors_total",
			Help:      "Errors reported by the trace exporter.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.buildInfo,
		m.configReloads,
		m.moveRuns,
		m.tracingExportErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
	return m, nil
}

func (m *runtimeMetrics) observeReload(ok bool) {
	if ok {
		m.configReloads.WithLabelValues("ok").Inc()
		return
	}
	m.configReloads.WithLabelValues("failed").Inc()
}

func (m *runtimeMetrics) observeMoveRun(job string, err error) {
	if err != nil {
		m.moveRuns.WithLabelValues(job, "error").Inc()
		return
	}
	m.moveRuns.WithLabelValues(job, "ok").Inc()
}

func (m *runtimeMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// startMetricsServer serves the registry on cfg.Listen. Serve errors after
// startup are logged and call cancel.
func startMetricsServer(cfg config.MetricsConfig, tracing bool, m *runtimeMetrics, logger *slog.Logger, cancel func()) (*http.Server, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %q: %w", cfg.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, wrapTracingHandler(tracing, "metrics", m.handler()))
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("http_server_error", slog.String("name", "metrics"), slog.Any("err", err))
		if cancel != nil {
			cancel()
		}
	}()
	logger.Info("metrics_listening", slog.String("addr", srv.Addr), slog.String("path", cfg.Path))
	return srv, nil
}
