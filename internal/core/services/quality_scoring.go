package services

import (
	"math"
	"time"

	"ratepilot/internal/core/domain"

	"github.com/gammazero/deque"
)

const (
	DefaultSampleWindowSize   = 30
	DefaultSampleWindowMaxAge = 30 * time.Second
)

const (
	bandwidthScoreFullKbps = 10_000
	latencyScoreZeroMs     = 200
	lossScoreZeroPct       = 5

	bandwidthWeight = 0.5
	latencyWeight   = 0.3
	lossWeight      = 0.2
)

// ScoreSample returns the 0-1 composite quality score of a sample.
func ScoreSample(s domain.NetworkSample) float64 {
	bandwidth := math.Min(float64(s.BandwidthKbps)/bandwidthScoreFullKbps, 1)
	latency := math.Max(1-s.LatencyMs/latencyScoreZeroMs, 0)
	loss := math.Max(1-s.PacketLossPct/lossScoreZeroPct, 0)
	return bandwidthWeight*bandwidth + latencyWeight*latency + lossWeight*loss
}

// ClassifyScore maps a rolling score onto a quality level.
func ClassifyScore(score float64) domain.QualityLevel {
	switch {
	case score >= 0.9:
		return domain.QualityExcellent
	case score >= 0.7:
		return domain.QualityGood
	case score >= 0.5:
		return domain.QualityFair
	case score >= 0.3:
		return domain.QualityPoor
	default:
		return domain.QualityVeryPoor
	}
}

// FallbackLatencyMs estimates latency by link type when the observer has no
// measurement.
func FallbackLatencyMs(transport domain.TransportType, metered bool) float64 {
	switch transport {
	case domain.TransportWiFi:
		return 20
	case domain.TransportCellular:
		if metered {
			return 100
		}
		return 30
	case domain.TransportEthernet:
		return 10
	default:
		return 150
	}
}

// SampleWindow is a bounded ring of recent samples. Scoring only considers
// samples younger than maxAge.
type SampleWindow struct {
	samples  deque.Deque[domain.NetworkSample]
	capacity int
	maxAge   time.Duration
}

// NewSampleWindow keeps at most capacity samples; only samples younger than
// maxAge are scored.
func NewSampleWindow(capacity int, maxAge time.Duration) *SampleWindow {
	if capacity <= 0 {
		capacity = DefaultSampleWindowSize
	}
	if maxAge <= 0 {
		maxAge = DefaultSampleWindowMaxAge
	}
	w := &SampleWindow{capacity: capacity, maxAge: maxAge}
	w.samples.SetBaseCap(capacity)
	return w
}

// Add appends a sample, evicting the oldest when full.
func (w *SampleWindow) Add(s domain.NetworkSample) {
	for w.samples.Len() >= w.capacity {
		w.samples.PopFront()
	}
	w.samples.PushBack(s)
}

func (w *SampleWindow) Len() int {
	return w.samples.Len()
}

func (w *SampleWindow) Clear() {
	w.samples.Clear()
}

// Latest returns the most recently added sample.
func (w *SampleWindow) Latest() (domain.NetworkSample, bool) {
	if w.samples.Len() == 0 {
		return domain.NetworkSample{}, false
	}
	return w.samples.Back(), true
}

// AverageScore is the mean score of stored samples younger than maxAge at
// now. ok is false when no sample qualifies.
func (w *SampleWindow) AverageScore(now time.Time) (avg float64, ok bool) {
	var (
		sum float64
		n   int
	)
	for i := 0; i < w.samples.Len(); i++ {
		s := w.samples.At(i)
		if now.Sub(s.Timestamp) >= w.maxAge {
			continue
		}
		sum += ScoreSample(s)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
