// internal/monitoring/metrics.go
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics - Prometheus collectors for training and generation. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	loss            *prometheus.GaugeVec
	hitRate         *prometheus.GaugeVec
	learningRate    *prometheus.GaugeVec
	epochs          *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	generatedSets   *prometheus.CounterVec
	generateErrors  *prometheus.CounterVec
	generateLatency *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	inFlight        prometheus.Gauge
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lottoseq",
			Name:      "training_loss",
			Help:      "Latest epoch loss per model and split.",
		}, []string{"model", "split"}),
		hitRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lottoseq",
			Name:      "validation_hit_rate",
			Help:      "Share of validation targets found in the top-k predictions.",
		}, []string{"model"}),
		learningRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lottoseq",
			Name:      "learning_rate",
			Help:      "Learning rate used for the latest epoch.",
		}, []string{"model"}),
		epochs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottoseq",
			Name:      "training_epochs_total",
			Help:      "Completed training epochs.",
		}, []string{"model"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottoseq",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints written.",
		}, []string{"model"}),
		generatedSets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottoseq",
			Name:      "generated_sets_total",
			Help:      "Number sets produced.",
		}, []string{"variant"}),
		generateErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottoseq",
			Name:      "generate_errors_total",
			Help:      "Failed generation requests.",
		}, []string{"variant"}),
		generateLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lottoseq",
			Name:      "generate_duration_seconds",
			Help:      "Time to serve one generation request.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"variant"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottoseq",
			Name:      "cache_lookups_total",
			Help:      "Model and window cache lookups.",
		}, []string{"cache", "result"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lottoseq",
			Name:      "requests_in_flight",
			Help:      "Generation requests currently being served.",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEpoch records one finished epoch. valLoss and hitRate are skipped
// when negative.
func (m *Metrics) ObserveEpoch(modelName string, trainLoss, valLoss, hitRate, lr float64) {
	if m == nil {
		return
	}
	m.epochs.WithLabelValues(modelName).Inc()
	m.loss.WithLabelValues(modelName, "train").Set(trainLoss)
	if valLoss >= 0 {
		m.loss.WithLabelValues(modelName, "val").Set(valLoss)
	}
	if hitRate >= 0 {
		m.hitRate.WithLabelValues(modelName).Set(hitRate)
	}
	m.learningRate.WithLabelValues(modelName).Set(lr)
}

func (m *Metrics) CheckpointSaved(modelName string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(modelName).Inc()
}

// ObserveGenerate records one generation request.
func (m *Metrics) ObserveGenerate(variant string, sets int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.generateLatency.WithLabelValues(variant).Observe(took.Seconds())
	if err != nil {
		m.generateErrors.WithLabelValues(variant).Inc()
		return
	}
	m.generatedSets.WithLabelValues(variant).Add(float64(sets))
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
