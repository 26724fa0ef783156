package simulation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/pkg/periodic"

	"go.uber.org/zap"
)

const (
	packetSizeBits = 1200 * 8
	audioShare     = 0.1
)

// CapacityStep changes the simulated link capacity At after Run starts.
type CapacityStep struct {
	At          time.Duration
	CapacityBps int
}

type Config struct {
	Connections    int
	CapacityBps    int
	BackgroundLoss float64
	Tick           time.Duration
	Schedule       []CapacityStep
	Seed           int64
}

type counters struct {
	audio     uint64
	video     uint64
	transport uint64
	// fractional losses carried between ticks
	carry float64
}

// LossySink is a BitrateSink backed by a simulated link: whatever the
// encoder sends above capacity is lost, plus a background loss rate.
type LossySink struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	bitrate  int
	capacity int
	conns    map[domain.ConnectionID]*counters
	rng      *rand.Rand
	elapsed  time.Duration
	schedule []CapacityStep
	invalid  map[domain.ConnectionID]bool

	task *periodic.Task
}

func NewLossySink(cfg Config, logger *zap.SugaredLogger) *LossySink {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	schedule := make([]CapacityStep, len(cfg.Schedule))
	copy(schedule, cfg.Schedule)
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].At < schedule[j].At })

	s := &LossySink{
		cfg:      cfg,
		logger:   logger,
		capacity: cfg.CapacityBps,
		conns:    make(map[domain.ConnectionID]*counters),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		schedule: schedule,
		invalid:  make(map[domain.ConnectionID]bool),
	}
	for i := 0; i < cfg.Connections; i++ {
		s.conns[domain.ConnectionID(fmt.Sprintf("sim-%d", i))] = &counters{}
	}
	return s
}

// Connections returns the simulated connection IDs in order.
func (s *LossySink) Connections() []domain.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]domain.ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *LossySink) ChangeBitrate(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidBitrate, bps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bps
	return nil
}

// SetBitrate lets the sink stand in for an encoder.
func (s *LossySink) SetBitrate(bps int) error {
	return s.ChangeBitrate(bps)
}

func (s *LossySink) Bitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

func (s *LossySink) SetCapacity(bps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = bps
	s.logger.Infow("simulated capacity changed", "capacity_bps", bps)
}

func (s *LossySink) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Invalidate makes every further read for id fail, as a torn-down
// transport would.
func (s *LossySink) Invalidate(id domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[id] = true
}

func (s *LossySink) AudioPacketsLost(id domain.ConnectionID) (uint64, error) {
	c, err := s.read(id)
	return c.audio, err
}

func (s *LossySink) VideoPacketsLost(id domain.ConnectionID) (uint64, error) {
	c, err := s.read(id)
	return c.video, err
}

func (s *LossySink) TransportPacketsLost(id domain.ConnectionID) (uint64, error) {
	c, err := s.read(id)
	return c.transport, err
}

func (s *LossySink) read(id domain.ConnectionID) (counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || s.invalid[id] {
		return counters{}, fmt.Errorf("%w: %s", domain.ErrSessionInvalid, id)
	}
	return *c, nil
}

// Advance moves simulated time forward by dt, accruing loss on every
// connection and applying any due capacity steps.
func (s *LossySink) Advance(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.elapsed += dt
	for len(s.schedule) > 0 && s.schedule[0].At <= s.elapsed {
		s.capacity = s.schedule[0].CapacityBps
		s.logger.Infow("simulated capacity step", "elapsed", s.elapsed, "capacity_bps", s.capacity)
		s.schedule = s.schedule[1:]
	}

	if s.bitrate <= 0 {
		return
	}
	sent := float64(s.bitrate) * dt.Seconds() / packetSizeBits
	lossRate := s.cfg.BackgroundLoss
	if s.capacity > 0 && s.bitrate > s.capacity {
		lossRate += float64(s.bitrate-s.capacity) / float64(s.bitrate)
	}
	lossRate = math.Min(lossRate, 1)

	for _, c := range s.conns {
		// +/-20% noise per connection
		expected := sent*lossRate*(0.8+0.4*s.rng.Float64()) + c.carry
		lost := math.Floor(expected)
		c.carry = expected - lost

		audio := uint64(math.Round(lost * audioShare))
		video := uint64(lost) - audio
		c.audio += audio
		c.video += video
		c.transport += uint64(lost)
	}
}

// Run advances the simulation in real time until ctx is done or Stop is
// called.
func (s *LossySink) Run(ctx context.Context) {
	s.mu.Lock()
	if s.task != nil {
		s.mu.Unlock()
		return
	}
	tick := s.cfg.Tick
	s.task = periodic.New(tick, tick, func(context.Context) { s.Advance(tick) })
	task := s.task
	s.mu.Unlock()

	task.Start(ctx)
}

func (s *LossySink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
}
