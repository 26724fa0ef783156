package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLadderStep_StartsAtRungTwo(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()

	bitrate := s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	assert.Equal(t, 2, s.StepIndex())
	assert.Equal(t, 1_000_000, bitrate)

	delay, interval := s.Timing()
	assert.Equal(t, 2*time.Second, delay)
	assert.Equal(t, 2*time.Second, interval)
}

func TestLadderStep_DropMergeWindow(t *testing.T) {
	assert.Equal(t, 28*time.Second, ladderStepDropMergeWindow)
}

func TestLadderStep_StepDownOnLoss(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()
	s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	// tolerance at 1 Mbps is 1_000_000/300_000 = 3.33 packets
	clock.Advance(2 * time.Second)
	_, _, ok := s.Evaluate(clock.Now(), loss(0, 3))
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	next, reason, ok := s.Evaluate(clock.Now(), loss(0, 4))
	require.True(t, ok)
	assert.Equal(t, reasonLoss, reason)
	assert.Equal(t, 1, s.StepIndex())
	assert.Equal(t, 750_000, next)
}

func TestLadderStep_IgnoresLossWithinNormalizationDelay(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()
	s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	clock.Advance(1999 * time.Millisecond)
	_, _, ok := s.Evaluate(clock.Now(), loss(100, 100))
	assert.False(t, ok)
	assert.Equal(t, 2, s.StepIndex())
	assert.Equal(t, 1, s.loss.Len())
}

func TestLadderStep_IgnoresLossAtBottomRung(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()
	s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	lost := uint64(0)
	for s.StepIndex() > 0 {
		clock.Advance(3 * time.Second)
		lost += 100
		_, _, ok := s.Evaluate(clock.Now(), loss(0, lost))
		require.True(t, ok)
	}
	assert.Equal(t, 600_000, s.Bitrate())

	records := s.loss.Len()
	clock.Advance(3 * time.Second)
	_, _, ok := s.Evaluate(clock.Now(), loss(0, lost+100))
	assert.False(t, ok)
	assert.Equal(t, records, s.loss.Len())
}

func TestLadderStep_ClimbsWithoutDrops(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()
	s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	var steps []int
	for i := 0; i < 6; i++ {
		clock.Advance(2 * time.Second)
		if next, reason, ok := s.Evaluate(clock.Now(), loss(0, 0)); ok {
			assert.Equal(t, reasonRecovery, reason)
			steps = append(steps, next)
		}
	}
	assert.Equal(t, []int{1_350_000, 1_800_000, 2_340_000, 3_000_000}, steps)
	assert.Equal(t, 6, s.StepIndex())
}

func TestLadderStep_RecoveryBlockedAfterDrop(t *testing.T) {
	clock := newFakeClock()
	s := NewLadderStepStrategy()
	s.Seed(clock.Now(), 3_000_000, loss(0, 0))

	clock.Advance(2 * time.Second)
	_, _, ok := s.Evaluate(clock.Now(), loss(0, 10))
	require.True(t, ok)
	require.Equal(t, 1, s.StepIndex())

	for elapsed := 2 * time.Second; elapsed < 15*time.Second; elapsed += 2 * time.Second {
		clock.Advance(2 * time.Second)
		_, _, ok = s.Evaluate(clock.Now(), loss(0, 10))
		assert.False(t, ok, "recovery must wait 15s after a drop (elapsed %s)", elapsed)
	}

	clock.Advance(2 * time.Second)
	_, _, ok = s.Evaluate(clock.Now(), loss(0, 10))
	assert.True(t, ok)
	assert.Equal(t, 2, s.StepIndex())
}

// ladderWithHistory builds a ladder-step strategy whose bitrate history is
// the given sequence of (offset, bitrate) pairs relative to base.
func ladderWithHistory(base time.Time, entries ...struct {
	at      time.Duration
	bitrate int
}) *LadderStepStrategy {
	s := NewLadderStepStrategy()
	s.fullSpeed = 3_000_000
	s.stepIndex = 2
	for _, e := range entries {
		s.bitrates.Append(base.Add(e.at), e.bitrate)
	}
	return s
}

type entry = struct {
	at      time.Duration
	bitrate int
}

func TestLadderStep_CanTryToRecover(t *testing.T) {
	base := newFakeClock().Now()

	tests := []struct {
		name    string
		history []entry
		now     time.Duration
		want    bool
	}{
		{
			name:    "no history",
			history: []entry{{0, 1_000_000}},
			now:     time.Second,
			want:    true,
		},
		{
			name:    "single recent drop blocks",
			history: []entry{{0, 1_350_000}, {10 * time.Second, 1_000_000}},
			now:     24 * time.Second,
			want:    false,
		},
		{
			name:    "single drop released after 15s",
			history: []entry{{0, 1_350_000}, {10 * time.Second, 1_000_000}},
			now:     25 * time.Second,
			want:    true,
		},
		{
			name: "second distinct drop blocks for 60s",
			history: []entry{
				{0, 1_350_000},
				{10 * time.Second, 1_000_000},
				{30 * time.Second, 1_350_000},
				{50 * time.Second, 1_000_000},
			},
			now:  69 * time.Second,
			want: false,
		},
		{
			name: "second distinct drop released after 60s",
			history: []entry{
				{0, 1_350_000},
				{10 * time.Second, 1_000_000},
				{30 * time.Second, 1_350_000},
				{50 * time.Second, 1_000_000},
			},
			now:  70 * time.Second,
			want: true,
		},
		{
			name: "drops within merge window count once",
			history: []entry{
				{0, 1_350_000},
				{10 * time.Second, 1_000_000},
				{30 * time.Second, 750_000},
			},
			now:  45 * time.Second,
			want: true,
		},
		{
			name: "third distinct drop blocks for 180s",
			history: []entry{
				{0, 1_350_000},
				{10 * time.Second, 1_000_000},
				{40 * time.Second, 1_350_000},
				{50 * time.Second, 1_000_000},
				{80 * time.Second, 1_350_000},
				{90 * time.Second, 1_000_000},
			},
			now:  189 * time.Second,
			want: false,
		},
		{
			name: "third distinct drop released after 180s",
			history: []entry{
				{0, 1_350_000},
				{10 * time.Second, 1_000_000},
				{40 * time.Second, 1_350_000},
				{50 * time.Second, 1_000_000},
				{80 * time.Second, 1_350_000},
				{90 * time.Second, 1_000_000},
			},
			now:  190 * time.Second,
			want: true,
		},
		{
			name: "increases are not drops",
			history: []entry{
				{0, 1_000_000},
				{5 * time.Second, 1_350_000},
				{10 * time.Second, 1_800_000},
			},
			now:  11 * time.Second,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ladderWithHistory(base, tt.history...)
			assert.Equal(t, tt.want, s.CanTryToRecover(base.Add(tt.now)))
		})
	}
}
