// Package metrics exports training progress to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/logger"
)

const namespace = "splatforge"

// Recorder holds the training metrics of one run.
type Recorder struct {
	registry *prometheus.Registry

	step       prometheus.Gauge
	loss       *prometheus.GaugeVec
	primitives prometheus.Gauge
	densified  *prometheus.CounterVec
	stepTime   prometheus.Histogram
	saves      *prometheus.CounterVec
}

// NewRecorder registers the training metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		step: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "step",
			Help:      "Current training step",
		}),
		// Labels: term (total, known, multi_view, sd, zero123)
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "loss",
			Help:      "Loss of the last step by term",
		}, []string{"term"}),
		primitives: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "primitives",
			Help:      "Number of primitives in the cloud",
		}),
		// Labels: kind (cloned, split, pruned)
		densified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "densify_total",
			Help:      "Primitives added or removed by densification",
		}, []string{"kind"}),
		stepTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one training iteration",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		// Labels: mode (model, geo, geo+tex)
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "saves_total",
			Help:      "Completed exports by mode",
		}, []string{"mode"}),
	}
}

// StepDone records one finished iteration.
func (r *Recorder) StepDone(step int, loss map[string]float32, primitives int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.step.Set(float64(step))
	for term, v := range loss {
		r.loss.WithLabelValues(term).Set(float64(v))
	}
	r.primitives.Set(float64(primitives))
	r.stepTime.Observe(elapsed.Seconds())
}

// Densified records one densify-and-prune pass.
func (r *Recorder) Densified(cloned, split, pruned, after int) {
	if r == nil {
		return
	}
	r.densified.WithLabelValues("cloned").Add(float64(cloned))
	r.densified.WithLabelValues("split").Add(float64(split))
	r.densified.WithLabelValues("pruned").Add(float64(pruned))
	r.primitives.Set(float64(after))
}

// Saved records a completed export.
func (r *Recorder) Saved(mode string) {
	if r == nil {
		return
	}
	r.saves.WithLabelValues(mode).Inc()
}

// Serve exposes the metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
