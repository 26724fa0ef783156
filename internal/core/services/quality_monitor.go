package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"
	apperrors "ratepilot/pkg/errors"
	"ratepilot/pkg/periodic"
	"ratepilot/pkg/tracing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const qualityEngine = "quality_monitor"

const (
	maxLadderStepsPerAdjustment = 2
	poorQualityIndex            = 2
)

// QualityMonitorConfig configures a NetworkQualityMonitor.
type QualityMonitorConfig struct {
	Ladder       []int
	Cooldown     time.Duration
	PollInterval time.Duration
	WindowSize   int
	WindowMaxAge time.Duration
	// DefaultBitrate is used when the settings bus has no target bitrate yet.
	DefaultBitrate int
	// ClampAboveLadder maps a current bitrate above every rung to the top
	// rung instead of rung 0.
	ClampAboveLadder bool
}

func DefaultQualityMonitorConfig() QualityMonitorConfig {
	return QualityMonitorConfig{
		Ladder:           DefaultBitrateLadder,
		Cooldown:         5 * time.Second,
		PollInterval:     2 * time.Second,
		WindowSize:       DefaultSampleWindowSize,
		WindowMaxAge:     DefaultSampleWindowMaxAge,
		DefaultBitrate:   2_000_000,
		ClampAboveLadder: true,
	}
}

// NetworkQualityMonitor scores OS-reported link capability, classifies it
// and walks a bitrate ladder toward the class's target, at most two rungs
// per adjustment and no more than once per cooldown.
type NetworkQualityMonitor struct {
	cfg      QualityMonitorConfig
	ladder   *BitrateLadder
	bus      ports.SettingsBus
	observer ports.NetworkObserver
	logger   *zap.SugaredLogger
	metrics  ports.MetricsRecorder
	tracer   trace.Tracer
	now      func() time.Time

	mu             sync.Mutex
	window         *SampleWindow
	quality        domain.QualityLevel
	score          float64
	currentBitrate int
	lastAdjustment time.Time
	listeners      []func(from, to domain.QualityLevel)

	// stopped drops samples and adjustments that arrive after Stop.
	stopped bool

	task   *periodic.Task
	cancel context.CancelFunc
}

// NewNetworkQualityMonitor validates the configuration and reads the
// starting bitrate from the settings bus.
func NewNetworkQualityMonitor(
	cfg QualityMonitorConfig,
	bus ports.SettingsBus,
	observer ports.NetworkObserver,
	logger *zap.SugaredLogger,
) (*NetworkQualityMonitor, error) {
	ladder, err := NewBitrateLadder(cfg.Ladder)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidConfig, "invalid quality ladder")
	}
	if cfg.Cooldown <= 0 {
		return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("cooldown must be > 0, got %s", cfg.Cooldown))
	}
	if cfg.PollInterval <= 0 {
		return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("poll interval must be > 0, got %s", cfg.PollInterval))
	}
	if bus == nil {
		return nil, apperrors.NewInvalidConfigError("settings bus must not be nil")
	}

	m := &NetworkQualityMonitor{
		cfg:      cfg,
		ladder:   ladder,
		bus:      bus,
		observer: observer,
		logger:   logger,
		metrics:  noopMetrics{},
		tracer:   tracing.Tracer("quality"),
		now:      time.Now,
		window:   NewSampleWindow(cfg.WindowSize, cfg.WindowMaxAge),
		quality:  domain.QualityUnknown,
	}

	initial, ok := bus.Get(ports.KeyTargetBitrate)
	if !ok || initial <= 0 {
		initial = cfg.DefaultBitrate
	}
	m.currentBitrate = ladder.At(m.ladderIndex(initial))
	return m, nil
}

// SetMetrics replaces the metrics recorder. nil restores the no-op recorder.
func (m *NetworkQualityMonitor) SetMetrics(r ports.MetricsRecorder) {
	if r == nil {
		r = noopMetrics{}
	}
	m.metrics = r
}

// SetClock overrides the time source.
func (m *NetworkQualityMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// SetTracer overrides the tracer used for sample spans.
func (m *NetworkQualityMonitor) SetTracer(t trace.Tracer) {
	m.tracer = t
}

// OnQualityChange registers a listener called after every classification
// change. Listeners run on the goroutine that delivered the sample, with the
// monitor locked, and must not call back into the monitor.
func (m *NetworkQualityMonitor) OnQualityChange(fn func(from, to domain.QualityLevel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start begins polling the observer and watching it for capability events.
func (m *NetworkQualityMonitor) Start(ctx context.Context) error {
	if m.observer == nil {
		return apperrors.NewInvalidConfigError("network observer must not be nil")
	}

	m.mu.Lock()
	if m.task != nil {
		m.mu.Unlock()
		return fmt.Errorf("quality monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopped = false
	m.cancel = cancel
	m.task = periodic.New(0, m.cfg.PollInterval, m.pollCycle)
	task := m.task
	m.mu.Unlock()

	task.Start(ctx)
	go func() {
		if err := m.observer.Watch(ctx, m); err != nil && ctx.Err() == nil {
			m.logger.Warnw("network observer watch ended", "error", err)
		}
	}()

	m.logger.Infow("network quality monitor started",
		"bitrate", m.CurrentBitrate(),
		"poll_interval", m.cfg.PollInterval,
		"cooldown", m.cfg.Cooldown,
	)
	return nil
}

// Stop cancels polling and watching. A poll already in flight finishes
// without touching the window or the bus.
func (m *NetworkQualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if m.task == nil {
		return
	}
	m.task.Stop()
	m.cancel()
	m.task = nil
	m.cancel = nil
	m.logger.Infow("network quality monitor stopped", "bitrate", m.currentBitrate, "quality", m.quality)
}

func (m *NetworkQualityMonitor) pollCycle(ctx context.Context) {
	if err := m.Poll(ctx); err != nil {
		m.logger.Debugw("network poll failed", "error", err)
	}
}

// Poll samples the observer once and runs an adjustment cycle.
func (m *NetworkQualityMonitor) Poll(ctx context.Context) error {
	c, err := m.observer.Poll(ctx)
	if err != nil {
		m.metrics.RecordSkippedCycle(qualityEngine, "poll_failed")
		m.adjustOnly(ctx)
		return err
	}
	m.process(ctx, c)
	return nil
}

// OnCapabilityChanged ingests an observer event. Safe to call from any
// goroutine.
func (m *NetworkQualityMonitor) OnCapabilityChanged(c domain.Capability) {
	m.process(context.Background(), c)
}

// OnLinkLost drops straight to the lowest rung regardless of cooldown and
// forgets the samples of the lost link.
func (m *NetworkQualityMonitor) OnLinkLost() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	now := m.now()
	from := m.currentBitrate
	m.window.Clear()
	m.score = 0
	m.setQualityLocked(domain.QualityUnknown)

	m.currentBitrate = m.ladder.Lowest()
	m.lastAdjustment = now
	m.metrics.RecordBitrateChange(qualityEngine, from, m.currentBitrate, "link_lost")
	m.logger.Warnw("network link lost, forcing lowest bitrate", "from", from, "to", m.currentBitrate)
	m.publishLocked(context.Background(), ports.KeyTargetBitrate, m.currentBitrate)
}

// CurrentBitrate returns the last selected ladder rung.
func (m *NetworkQualityMonitor) CurrentBitrate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBitrate
}

// Quality returns the current classification.
func (m *NetworkQualityMonitor) Quality() domain.QualityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// AverageScore returns the last computed rolling score.
func (m *NetworkQualityMonitor) AverageScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// Ladder returns the configured bitrate ladder.
func (m *NetworkQualityMonitor) Ladder() *BitrateLadder {
	return m.ladder
}

// toSample fills in the latency heuristic when the observer has no
// measurement.
func toSample(c domain.Capability, now time.Time) domain.NetworkSample {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = now
	}
	latency := c.LatencyMs
	if !c.LatencyMeasured {
		latency = FallbackLatencyMs(c.Transport, c.Metered)
	}
	return domain.NetworkSample{
		Timestamp:     ts,
		BandwidthKbps: c.BandwidthKbps,
		LatencyMs:     latency,
		PacketLossPct: c.PacketLossPct,
		Transport:     c.Transport,
	}
}

func (m *NetworkQualityMonitor) process(ctx context.Context, c domain.Capability) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		m.logger.Debugw("dropping network sample after stop")
		return
	}
	ctx, span := m.tracer.Start(ctx, "quality.sample")
	defer span.End()

	now := m.now()
	sample := toSample(c, now)
	m.window.Add(sample)

	if avg, ok := m.window.AverageScore(now); ok {
		m.score = avg
		level := ClassifyScore(avg)
		m.metrics.RecordQuality(avg, level)
		m.setQualityLocked(level)
		span.SetAttributes(tracing.QualityScoreKey.Float64(avg), tracing.QualityLevelKey.String(level.String()))
	}
	m.adjustLocked(ctx, now)
}

func (m *NetworkQualityMonitor) adjustOnly(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(ctx, m.now())
}

// Adjust runs one ladder-selection cycle. It reports whether the bitrate
// changed.
func (m *NetworkQualityMonitor) Adjust(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(ctx, m.now())
}

func (m *NetworkQualityMonitor) adjustLocked(ctx context.Context, now time.Time) bool {
	if m.stopped {
		return false
	}
	start := now
	defer func() { m.metrics.RecordCycle(qualityEngine, m.now().Sub(start)) }()

	if !m.lastAdjustment.IsZero() && now.Sub(m.lastAdjustment) < m.cfg.Cooldown {
		return false
	}
	target := m.TargetBitrate(m.currentBitrate, m.quality)
	if target == m.currentBitrate {
		return false
	}

	from := m.currentBitrate
	m.currentBitrate = target
	m.lastAdjustment = now

	m.metrics.RecordBitrateChange(qualityEngine, from, target, m.quality.String())
	m.logger.Infow("quality monitor bitrate change",
		"from", from,
		"to", target,
		"quality", m.quality,
		"score", m.score,
	)
	m.publishLocked(ctx, ports.KeyTargetBitrate, target)
	return true
}

// TargetBitrate selects the ladder rung for a quality class, moving at most
// two rungs away from the rung of current.
func (m *NetworkQualityMonitor) TargetBitrate(current int, quality domain.QualityLevel) int {
	last := m.ladder.Len() - 1
	currentIndex := m.ladderIndex(current)

	var target int
	switch quality {
	case domain.QualityExcellent:
		target = last
	case domain.QualityGood:
		target = last - 1
	case domain.QualityFair:
		target = m.ladder.Len() / 2
	case domain.QualityPoor:
		target = poorQualityIndex
	case domain.QualityVeryPoor:
		target = 0
	default:
		target = currentIndex
	}

	target = clampInt(target, currentIndex-maxLadderStepsPerAdjustment, currentIndex+maxLadderStepsPerAdjustment)
	target = clampInt(target, 0, last)
	return m.ladder.At(target)
}

// ladderIndex is the first rung at or above bitrate. A bitrate above every
// rung maps to the top rung, or to rung 0 when ClampAboveLadder is off.
func (m *NetworkQualityMonitor) ladderIndex(bitrate int) int {
	if i, ok := m.ladder.IndexAtOrAbove(bitrate); ok {
		return i
	}
	if m.cfg.ClampAboveLadder {
		return m.ladder.Len() - 1
	}
	return 0
}

func (m *NetworkQualityMonitor) setQualityLocked(level domain.QualityLevel) {
	if level == m.quality {
		return
	}
	from := m.quality
	m.quality = level

	m.logger.Infow("network quality changed", "from", from, "to", level, "score", m.score)
	for _, fn := range m.listeners {
		fn(from, level)
	}
	m.publishLocked(context.Background(), ports.KeyNetworkQuality, int(level))
}

func (m *NetworkQualityMonitor) publishLocked(ctx context.Context, key string, value int) {
	if err := m.bus.Publish(ctx, key, value); err != nil {
		m.logger.Warnw("failed to publish setting", "key", key, "value", value, "error", err)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
