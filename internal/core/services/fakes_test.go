package services

import (
	"context"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSink struct {
	mu        sync.Mutex
	applied   []int
	audio     map[domain.ConnectionID]uint64
	video     map[domain.ConnectionID]uint64
	transport map[domain.ConnectionID]uint64
	readErr   error
	changeErr error
	reads     int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		audio:     make(map[domain.ConnectionID]uint64),
		video:     make(map[domain.ConnectionID]uint64),
		transport: make(map[domain.ConnectionID]uint64),
	}
}

func (s *fakeSink) ChangeBitrate(bps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changeErr != nil {
		return s.changeErr
	}
	s.applied = append(s.applied, bps)
	return nil
}

func (s *fakeSink) AudioPacketsLost(id domain.ConnectionID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.audio[id], nil
}

func (s *fakeSink) VideoPacketsLost(id domain.ConnectionID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.video[id], nil
}

func (s *fakeSink) TransportPacketsLost(id domain.ConnectionID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.transport[id], nil
}

func (s *fakeSink) setLoss(id domain.ConnectionID, audio, video uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio[id] = audio
	s.video[id] = video
	s.transport[id] = audio + video
}

func (s *fakeSink) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *fakeSink) appliedBitrates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int, len(s.applied))
	copy(cp, s.applied)
	return cp
}

func (s *fakeSink) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type published struct {
	key   string
	value int
}

type fakeBus struct {
	mu      sync.Mutex
	values  map[string]int
	history []published
}

func newFakeBus() *fakeBus {
	return &fakeBus{values: make(map[string]int)}
}

func (b *fakeBus) Get(key string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *fakeBus) Publish(_ context.Context, key string, value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	b.history = append(b.history, published{key: key, value: value})
	return nil
}

func (b *fakeBus) Subscribe(func(string, int)) func() {
	return func() {}
}

func (b *fakeBus) published(key string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, p := range b.history {
		if p.key == key {
			out = append(out, p.value)
		}
	}
	return out
}

func loss(audio, video uint64) domain.LossSnapshot {
	return domain.LossSnapshot{AudioLost: audio, VideoLost: video}
}
