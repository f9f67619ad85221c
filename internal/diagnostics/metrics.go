package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the Prometheus exporter for the live diagnostic state,
// additive to (not a replacement for) Snapshot — it is registered on a
// dedicated registry, never prometheus.DefaultRegisterer.
//
// Gauges (not counters) mirror the semantics of the underlying snapshot
// fields, which are themselves monotonic counters sampled periodically.
type Metrics struct {
	registry *prometheus.Registry
	diag     *Diagnostics

	totalPulls  *prometheus.GaugeVec
	cacheHits   *prometheus.GaugeVec
	pullFail    *prometheus.GaugeVec
	pullTimeout *prometheus.GaugeVec
	emptyPulls  *prometheus.GaugeVec
	pushedAtoms *prometheus.GaugeVec
	pullTimeMax *prometheus.GaugeVec

	framingErrors prometheus.Gauge
	queueDepth    prometheus.GaugeFunc
	overflowCount prometheus.Gauge
	lossCount     prometheus.Gauge
}

// QueueDepthFunc returns the current, advisory queue depth; wired to
// internal/queue.Queue.Len by the caller assembling the daemon.
type QueueDepthFunc func() int

// NewMetrics constructs and registers the diagnostic gauge set on a fresh
// registry; never prometheus.DefaultRegisterer.
func NewMetrics(diag *Diagnostics, queueDepth QueueDepthFunc) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		diag:     diag,
		totalPulls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_total_pulls", Help: "Total pull() invocations per tag.",
		}, []string{"tag_id"}),
		cacheHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_cache_hits", Help: "Pulls satisfied from cache per tag.",
		}, []string{"tag_id"}),
		pullFail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_pull_fail", Help: "Failed pulls per tag.",
		}, []string{"tag_id"}),
		pullTimeout: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_pull_timeout", Help: "Timed-out pulls per tag.",
		}, []string{"tag_id"}),
		emptyPulls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_empty_pulls", Help: "Pulls that returned an empty batch per tag.",
		}, []string{"tag_id"}),
		pushedAtoms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_pushed_atoms", Help: "Atoms pushed to the queue per tag.",
		}, []string{"tag_id"}),
		pullTimeMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsd_pull_time_max_ns", Help: "Maximum observed pull_internal latency per tag.",
		}, []string{"tag_id"}),
		framingErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statsd_framing_errors_total", Help: "Socket datagrams dropped for framing errors.",
		}),
		overflowCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statsd_queue_overflow_total", Help: "Queue overflow events recorded.",
		}),
		lossCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statsd_log_loss_total", Help: "Loss reports recorded.",
		}),
	}
	if queueDepth != nil {
		m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "statsd_queue_depth", Help: "Current bounded-event-queue depth.",
		}, func() float64 { return float64(queueDepth()) })
	}

	reg.MustRegister(m.totalPulls, m.cacheHits, m.pullFail, m.pullTimeout,
		m.emptyPulls, m.pushedAtoms, m.pullTimeMax,
		m.framingErrors, m.overflowCount, m.lossCount)
	if m.queueDepth != nil {
		reg.MustRegister(m.queueDepth)
	}
	return m
}

// Refresh samples the Diagnostics counters into the gauge set. Called
// periodically (not on every note_*, to keep the hot path lock-cheap).
func (m *Metrics) Refresh() {
	snap := m.diag.Snapshot()
	for tagID, tc := range snap.Tags {
		label := prometheus.Labels{"tag_id": fmt.Sprintf("%d", tagID)}
		m.totalPulls.With(label).Set(float64(tc.TotalPulls))
		m.cacheHits.With(label).Set(float64(tc.CacheHits))
		m.pullFail.With(label).Set(float64(tc.PullFail))
		m.pullTimeout.With(label).Set(float64(tc.PullTimeout))
		m.emptyPulls.With(label).Set(float64(tc.EmptyPulls))
		m.pushedAtoms.With(label).Set(float64(tc.PushedAtoms))
		m.pullTimeMax.With(label).Set(float64(tc.PullTimeMaxNS))
	}
	m.framingErrors.Set(float64(snap.FramingErrors))
	m.overflowCount.Set(float64(len(snap.OverflowHist)))
	m.lossCount.Set(float64(len(snap.LossHistory)))
}

// ServeMetrics serves /metrics and /healthz on addr until ctx is
// cancelled.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("diagnostics: metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited", zap.Error(err))
			return fmt.Errorf("diagnostics: metrics server: %w", err)
		}
		return nil
	}
}
