package monitoring

import (
	"time"

	"ratepilot/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	// Gauges
	targetBitrate *prometheus.GaugeVec
	qualityScore  prometheus.Gauge
	qualityLevel  prometheus.Gauge

	// Counters
	bitrateChanges *prometheus.CounterVec
	skippedCycles  *prometheus.CounterVec
	sinkErrors     *prometheus.CounterVec

	// Histograms
	cycleDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		targetBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratepilot_target_bitrate_bps",
			Help: "Bitrate last selected by each engine in bits per second",
		}, []string{"engine"}),

		qualityScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratepilot_network_quality_score",
			Help: "Rolling network quality score (0-1)",
		}),

		qualityLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratepilot_network_quality_level",
			Help: "Network quality class (0 unknown, 1 very poor ... 5 excellent)",
		}),

		bitrateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratepilot_bitrate_changes_total",
			Help: "Total number of applied bitrate changes",
		}, []string{"engine", "direction", "reason"}),

		skippedCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratepilot_skipped_cycles_total",
			Help: "Total number of control cycles skipped",
		}, []string{"engine", "reason"}),

		sinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratepilot_sink_errors_total",
			Help: "Total number of failed bitrate applications",
		}, []string{"engine"}),

		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratepilot_cycle_duration_seconds",
			Help:    "Duration of control cycles",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"engine"}),
	}
}

func (p *PrometheusCollector) RecordBitrateChange(engine string, from, to int, reason string) {
	direction := "up"
	if to < from {
		direction = "down"
	}
	p.bitrateChanges.WithLabelValues(engine, direction, reason).Inc()
	p.targetBitrate.WithLabelValues(engine).Set(float64(to))
}

func (p *PrometheusCollector) RecordQuality(score float64, level domain.QualityLevel) {
	p.qualityScore.Set(score)
	p.qualityLevel.Set(float64(level))
}

func (p *PrometheusCollector) RecordCycle(engine string, duration time.Duration) {
	p.cycleDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordSkippedCycle(engine, reason string) {
	p.skippedCycles.WithLabelValues(engine, reason).Inc()
}

func (p *PrometheusCollector) RecordSinkError(engine string) {
	p.sinkErrors.WithLabelValues(engine).Inc()
}
