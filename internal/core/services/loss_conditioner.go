package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"
	apperrors "ratepilot/pkg/errors"
	"ratepilot/pkg/periodic"
	"ratepilot/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const conditionerEngine = "conditioner"

type connectionLoss struct {
	baseline  domain.LossSnapshot
	last      domain.LossSnapshot
	transport uint64
	pending   *pendingRead
}

type pendingRead struct {
	loss      domain.LossSnapshot
	transport uint64
}

// LossConditioner reacts to packet-loss deltas reported by the active
// transport and applies the strategy's bitrate decisions to the sink.
type LossConditioner struct {
	sink     ports.BitrateSink
	strategy LossStrategy
	logger   *zap.SugaredLogger
	metrics  ports.MetricsRecorder
	tracer   trace.Tracer
	now      func() time.Time

	checkDelay    time.Duration
	checkInterval time.Duration

	mu          sync.Mutex
	configured  int
	started     bool
	generation  uint64
	sessionID   string
	startedAt   time.Time
	connections map[domain.ConnectionID]*connectionLoss
	retired     domain.LossSnapshot
	task        *periodic.Task

	sinkErrLog rate.Sometimes
}

// NewLossConditioner creates a conditioner for the given strategy. The
// session is created by Start and destroyed by Stop.
func NewLossConditioner(
	sink ports.BitrateSink,
	strategy LossStrategy,
	initBitrate int,
	logger *zap.SugaredLogger,
) (*LossConditioner, error) {
	if sink == nil {
		return nil, apperrors.NewInvalidConfigError("bitrate sink must not be nil")
	}
	if strategy == nil {
		return nil, apperrors.NewInvalidConfigError("loss strategy must not be nil")
	}
	if initBitrate <= 0 {
		return nil, apperrors.WrapError(domain.ErrInvalidBitrate, apperrors.ErrCodeInvalidConfig,
			fmt.Sprintf("initial bitrate must be > 0, got %d", initBitrate))
	}
	delay, interval := strategy.Timing()
	return &LossConditioner{
		sink:          sink,
		strategy:      strategy,
		logger:        logger,
		metrics:       noopMetrics{},
		tracer:        tracing.Tracer("conditioner"),
		now:           time.Now,
		checkDelay:    delay,
		checkInterval: interval,
		configured:    initBitrate,
		connections:   make(map[domain.ConnectionID]*connectionLoss),
		sinkErrLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// SetMetrics sets the recorder for bitrate changes and cycle statistics
func (c *LossConditioner) SetMetrics(m ports.MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// SetClock replaces the time source
func (c *LossConditioner) SetClock(now func() time.Time) {
	c.now = now
}

// SetTracer overrides the tracer used for check-cycle spans.
func (c *LossConditioner) SetTracer(t trace.Tracer) {
	c.tracer = t
}

// SetCheckTiming overrides the strategy's check cadence. Zero keeps the
// strategy default.
func (c *LossConditioner) SetCheckTiming(delay, interval time.Duration) {
	if delay > 0 {
		c.checkDelay = delay
	}
	if interval > 0 {
		c.checkInterval = interval
	}
}

// Start seeds the session histories, applies the starting bitrate and arms
// the periodic check. A sink failure is returned and leaves the conditioner
// stopped.
func (c *LossConditioner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return domain.ErrAlreadyStarted
	}

	now := c.now()
	loss, err := c.readLossLocked()
	if err != nil {
		c.logger.Warnw("failed to read loss counters at start, seeding from last known values", "error", err)
		loss = c.lastKnownLossLocked()
	}

	bitrate := c.strategy.Seed(now, c.configured, loss)
	if err := c.sink.ChangeBitrate(bitrate); err != nil {
		c.metrics.RecordSinkError(conditionerEngine)
		return apperrors.WrapError(err, apperrors.ErrCodeSinkFailure, "failed to apply starting bitrate")
	}
	c.commitLossLocked()

	c.started = true
	c.generation++
	c.sessionID = uuid.NewString()
	c.startedAt = now

	gen := c.generation
	c.task = periodic.New(c.checkDelay, c.checkInterval, func(ctx context.Context) {
		c.runCycle(ctx, gen)
	})
	c.task.Start(ctx)

	c.logger.Infow("loss conditioner started",
		"session_id", c.sessionID,
		"strategy", c.strategy.Kind(),
		"bitrate", bitrate,
		"connections", len(c.connections),
	)
	return nil
}

// Stop cancels pending checks and clears the session. A check already in
// flight completes without touching the sink.
func (c *LossConditioner) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.started = false
	c.task.Stop()
	c.task = nil

	c.logger.Infow("loss conditioner stopped",
		"session_id", c.sessionID,
		"bitrate", c.strategy.Bitrate(),
		"uptime", c.now().Sub(c.startedAt),
	)

	c.sessionID = ""
	c.connections = make(map[domain.ConnectionID]*connectionLoss)
	c.retired = domain.LossSnapshot{}
}

// AddConnection registers a transport connection. Its counters at this
// moment become the baseline so that earlier loss is not attributed to the
// session.
func (c *LossConditioner) AddConnection(id domain.ConnectionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.connections[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, id)
	}
	base, transport, err := c.readConnection(id)
	if err != nil {
		return fmt.Errorf("failed to read baseline for connection %s: %w", id, err)
	}
	c.connections[id] = &connectionLoss{baseline: base, last: base, transport: transport}

	c.logger.Debugw("connection added", "connection_id", id, "session_id", c.sessionID)
	return nil
}

// RemoveConnection unregisters a connection, keeping the loss it accrued so
// that session totals never go backwards.
func (c *LossConditioner) RemoveConnection(id domain.ConnectionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.connections[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownConnection, id)
	}
	c.retired = c.retired.Add(conn.last.Sub(conn.baseline))
	delete(c.connections, id)

	c.logger.Debugw("connection removed", "connection_id", id, "session_id", c.sessionID)
	return nil
}

// ChangeBitrate reconfigures the initial (full speed) bitrate. A running
// session is reseeded and the new starting bitrate applied immediately.
func (c *LossConditioner) ChangeBitrate(bps int) error {
	if bps <= 0 {
		return apperrors.WrapError(domain.ErrInvalidBitrate, apperrors.ErrCodeInvalidConfig,
			fmt.Sprintf("bitrate must be > 0, got %d", bps))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.configured
	c.configured = bps
	if !c.started {
		return nil
	}

	loss, err := c.readLossLocked()
	if err != nil {
		loss = c.lastKnownLossLocked()
	}
	from := c.strategy.Bitrate()
	bitrate := c.strategy.Seed(c.now(), bps, loss)
	if err := c.sink.ChangeBitrate(bitrate); err != nil {
		c.metrics.RecordSinkError(conditionerEngine)
		return apperrors.WrapError(err, apperrors.ErrCodeSinkFailure, "failed to apply reconfigured bitrate")
	}
	c.commitLossLocked()
	c.metrics.RecordBitrateChange(conditionerEngine, from, bitrate, "reconfigured")

	c.logger.Infow("conditioner bitrate reconfigured",
		"session_id", c.sessionID,
		"configured_from", previous,
		"configured_to", bps,
		"bitrate", bitrate,
	)
	return nil
}

// CurrentBitrate returns the session bitrate and false when no session is
// running.
func (c *LossConditioner) CurrentBitrate() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0, false
	}
	return c.strategy.Bitrate(), true
}

// Running reports whether a session is active.
func (c *LossConditioner) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Snapshot returns a read-only view of the current session.
func (c *LossConditioner) Snapshot() (domain.SessionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return domain.SessionSnapshot{}, domain.ErrNotStarted
	}
	snap := domain.SessionSnapshot{
		SessionID: c.sessionID,
		StartedAt: c.startedAt,
	}
	c.strategy.Describe(&snap)
	for id, conn := range c.connections {
		snap.Connections = append(snap.Connections, id)
		snap.TransportLost += conn.transport
	}
	sort.Slice(snap.Connections, func(i, j int) bool { return snap.Connections[i] < snap.Connections[j] })
	return snap, nil
}

// Check runs one check cycle synchronously. It panics when the session has
// not been started, since there is no history to evaluate against.
func (c *LossConditioner) Check(ctx context.Context) {
	c.mu.Lock()
	started := c.started
	gen := c.generation
	c.mu.Unlock()

	if !started {
		panic("loss conditioner checked before Start")
	}
	c.runCycle(ctx, gen)
}

func (c *LossConditioner) runCycle(ctx context.Context, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.generation != gen {
		return
	}

	_, span := c.tracer.Start(ctx, "conditioner.check", trace.WithAttributes(
		tracing.SessionIDKey.String(c.sessionID),
		tracing.StrategyKey.String(string(c.strategy.Kind())),
	))
	defer span.End()

	now := c.now()
	defer func() { c.metrics.RecordCycle(conditionerEngine, c.now().Sub(now)) }()

	loss, err := c.readLossLocked()
	if err != nil {
		c.metrics.RecordSkippedCycle(conditionerEngine, "signal_failure")
		tracing.Fail(span, err)
		c.sinkErrLog.Do(func() {
			c.logger.Warnw("skipping check cycle, loss counters unavailable",
				"session_id", c.sessionID,
				"error", err,
			)
		})
		return
	}
	c.commitLossLocked()

	from := c.strategy.Bitrate()
	next, reason, changed := c.strategy.Evaluate(now, loss)
	c.strategy.Trim(now.Add(-historyHorizon))

	span.SetAttributes(
		tracing.LossTotalKey.Int64(int64(loss.Total())),
		tracing.BitrateKey.Int(c.strategy.Bitrate()),
	)
	if !changed {
		return
	}

	c.metrics.RecordBitrateChange(conditionerEngine, from, next, reason)
	c.logger.Infow("conditioner bitrate change",
		"session_id", c.sessionID,
		"strategy", c.strategy.Kind(),
		"from", from,
		"to", next,
		"reason", reason,
		"audio_lost", loss.AudioLost,
		"video_lost", loss.VideoLost,
	)
	if err := c.sink.ChangeBitrate(next); err != nil {
		c.metrics.RecordSinkError(conditionerEngine)
		tracing.Fail(span, err)
		c.logger.Errorw("failed to apply bitrate", "session_id", c.sessionID, "bitrate", next, "error", err)
	}
}

// readLossLocked reads every connection without mutating state. Reads are
// staged in pending so that a failure midway leaves the session untouched.
func (c *LossConditioner) readLossLocked() (domain.LossSnapshot, error) {
	total := c.retired
	for id, conn := range c.connections {
		cur, transport, err := c.readConnection(id)
		if err != nil {
			return domain.LossSnapshot{}, err
		}
		conn.pending = &pendingRead{loss: cur, transport: transport}
		total = total.Add(cur.Sub(conn.baseline))
	}
	return total, nil
}

func (c *LossConditioner) commitLossLocked() {
	for _, conn := range c.connections {
		if conn.pending != nil {
			conn.last = conn.pending.loss
			conn.transport = conn.pending.transport
			conn.pending = nil
		}
	}
}

func (c *LossConditioner) lastKnownLossLocked() domain.LossSnapshot {
	total := c.retired
	for _, conn := range c.connections {
		conn.pending = nil
		total = total.Add(conn.last.Sub(conn.baseline))
	}
	return total
}

func (c *LossConditioner) readConnection(id domain.ConnectionID) (domain.LossSnapshot, uint64, error) {
	audio, err := c.sink.AudioPacketsLost(id)
	if err != nil {
		return domain.LossSnapshot{}, 0, wrapSignalError(id, err)
	}
	video, err := c.sink.VideoPacketsLost(id)
	if err != nil {
		return domain.LossSnapshot{}, 0, wrapSignalError(id, err)
	}
	transport, err := c.sink.TransportPacketsLost(id)
	if err != nil {
		return domain.LossSnapshot{}, 0, wrapSignalError(id, err)
	}
	return domain.LossSnapshot{AudioLost: audio, VideoLost: video}, transport, nil
}

func wrapSignalError(id domain.ConnectionID, err error) error {
	if errors.Is(err, domain.ErrSessionInvalid) {
		return apperrors.WrapError(err, apperrors.ErrCodeSessionInvalid,
			fmt.Sprintf("connection %s no longer valid", id))
	}
	return fmt.Errorf("read loss counters for %s: %w", id, err)
}
