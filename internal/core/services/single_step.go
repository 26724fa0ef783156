package services

import (
	"math"
	"time"

	"ratepilot/internal/core/domain"
)

const (
	singleStepCheckDelay         = 1000 * time.Millisecond
	singleStepCheckInterval      = 500 * time.Millisecond
	singleStepNormalizationDelay = 1500 * time.Millisecond
	singleStepLossWindow         = 10 * time.Second
	singleStepLossTolerance      = 4
	singleStepRecoveryInterval   = 60 * time.Second
	singleStepMinDivisor         = 4
)

// SingleStepStrategy divides the bitrate by ~sqrt(2) on sustained loss and
// multiplies it back after a quiet recovery interval, bounded by
// [init/4, init].
type SingleStepStrategy struct {
	initBitrate int
	minBitrate  int

	loss     LossHistory
	bitrates BitrateHistory
}

// NewSingleStepStrategy returns an unseeded strategy; Seed must run first.
func NewSingleStepStrategy() *SingleStepStrategy {
	return &SingleStepStrategy{}
}

// Kind returns StrategySingleStep.
func (s *SingleStepStrategy) Kind() domain.StrategyKind {
	return domain.StrategySingleStep
}

// Timing returns the 1 s start delay and 500 ms check interval.
func (s *SingleStepStrategy) Timing() (time.Duration, time.Duration) {
	return singleStepCheckDelay, singleStepCheckInterval
}

// Seed starts a session at the configured bitrate with a floor of a quarter
// of it.
func (s *SingleStepStrategy) Seed(now time.Time, configured int, loss domain.LossSnapshot) int {
	s.initBitrate = configured
	s.minBitrate = configured / singleStepMinDivisor
	s.loss.Reset()
	s.bitrates.Reset()
	s.loss.Append(now, loss)
	s.bitrates.Append(now, configured)
	return configured
}

// Evaluate divides the bitrate by about sqrt(2) on sustained loss and
// multiplies it back after a clean recovery interval.
func (s *SingleStepStrategy) Evaluate(now time.Time, loss domain.LossSnapshot) (int, string, bool) {
	prevLoss, ok := s.loss.Last()
	if !ok {
		panic("single-step conditioner evaluated before Seed")
	}
	prevBitrate, ok := s.bitrates.Last()
	if !ok {
		panic("single-step conditioner evaluated before Seed")
	}
	lastChange := laterOf(prevBitrate.Timestamp, prevLoss.Timestamp)

	if loss != prevLoss.Loss {
		if prevBitrate.Bitrate <= s.minBitrate || now.Sub(prevBitrate.Timestamp) < singleStepNormalizationDelay {
			return 0, "", false
		}
		s.loss.Append(now, loss)

		estimateFrom := laterOf(prevBitrate.Timestamp.Add(singleStepNormalizationDelay), now.Add(-singleStepLossWindow))
		if s.loss.LossSince(estimateFrom) < singleStepLossTolerance {
			return 0, "", false
		}
		next := int(math.Round(float64(prevBitrate.Bitrate) * 1000 / 1414))
		if next < s.minBitrate {
			next = s.minBitrate
		}
		s.bitrates.Append(now, next)
		return next, reasonLoss, true
	}

	if prevBitrate.Bitrate != s.initBitrate && now.Sub(lastChange) >= singleStepRecoveryInterval {
		next := int(math.Round(float64(prevBitrate.Bitrate) * 1415 / 1000))
		if next > s.initBitrate {
			next = s.initBitrate
		}
		s.bitrates.Append(now, next)
		return next, reasonRecovery, true
	}
	return 0, "", false
}

// Bitrate returns the newest recorded bitrate.
func (s *SingleStepStrategy) Bitrate() int {
	last, _ := s.bitrates.Last()
	return last.Bitrate
}

// Trim drops history older than before, keeping one baseline record.
func (s *SingleStepStrategy) Trim(before time.Time) {
	s.loss.Trim(before)
	s.bitrates.Trim(before)
}

// Describe fills the strategy fields of snap.
func (s *SingleStepStrategy) Describe(snap *domain.SessionSnapshot) {
	snap.Strategy = s.Kind()
	snap.CurrentBitrate = s.Bitrate()
	snap.MinBitrate = s.minBitrate
	snap.InitBitrate = s.initBitrate
	snap.StepIndex = -1
	snap.LossRecords = s.loss.Len()
	snap.BitrateRecords = s.bitrates.Len()
}
