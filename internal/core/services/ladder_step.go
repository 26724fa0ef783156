package services

import (
	"math"
	"time"

	"ratepilot/internal/core/domain"
)

const (
	ladderStepCheckDelay         = 2000 * time.Millisecond
	ladderStepCheckInterval      = 2000 * time.Millisecond
	ladderStepStartIndex         = 2
	ladderStepNormalizationDelay = 2000 * time.Millisecond
	ladderStepLossWindow         = 10 * time.Second
	// Loss tolerance is currentBitrate / ladderStepLossDivisor packets.
	ladderStepLossDivisor = 300_000
)

var ladderStepRecoveryIntervals = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	180 * time.Second,
}

// Drops closer together than this count as one drop event when gating
// recovery.
var ladderStepDropMergeWindow = time.Duration(len(stepFractions)) * ladderStepNormalizationDelay * 2

// LadderStepStrategy walks a fixed fractional ladder of the configured full
// speed, one rung per decision, with recovery gated by recent drops.
type LadderStepStrategy struct {
	fractions []float64
	fullSpeed int
	stepIndex int

	loss     LossHistory
	bitrates BitrateHistory
}

// NewLadderStepStrategy returns an unseeded strategy over the fractional
// step ladder.
func NewLadderStepStrategy() *LadderStepStrategy {
	if err := validateFractions(stepFractions); err != nil {
		panic(err)
	}
	return &LadderStepStrategy{fractions: stepFractions}
}

// Kind returns StrategyLadderStep.
func (s *LadderStepStrategy) Kind() domain.StrategyKind {
	return domain.StrategyLadderStep
}

// Timing returns the 2 s start delay and 2 s check interval.
func (s *LadderStepStrategy) Timing() (time.Duration, time.Duration) {
	return ladderStepCheckDelay, ladderStepCheckInterval
}

// Seed takes configured as full speed and starts on the third step.
func (s *LadderStepStrategy) Seed(now time.Time, configured int, loss domain.LossSnapshot) int {
	s.fullSpeed = configured
	s.stepIndex = ladderStepStartIndex
	s.loss.Reset()
	s.bitrates.Reset()
	s.loss.Append(now, loss)
	bitrate := s.rung(s.stepIndex)
	s.bitrates.Append(now, bitrate)
	return bitrate
}

func (s *LadderStepStrategy) rung(i int) int {
	return int(math.Round(float64(s.fullSpeed) * s.fractions[i]))
}

// Evaluate moves one step down once loss reaches the tolerance, or one step up
// when CanTryToRecover allows it.
func (s *LadderStepStrategy) Evaluate(now time.Time, loss domain.LossSnapshot) (int, string, bool) {
	prevLoss, ok := s.loss.Last()
	if !ok {
		panic("ladder-step conditioner evaluated before Seed")
	}
	prevBitrate, ok := s.bitrates.Last()
	if !ok {
		panic("ladder-step conditioner evaluated before Seed")
	}
	current := prevBitrate.Bitrate

	if loss != prevLoss.Loss {
		if s.stepIndex == 0 || now.Sub(prevBitrate.Timestamp) < ladderStepNormalizationDelay {
			return 0, "", false
		}
		s.loss.Append(now, loss)

		estimateFrom := laterOf(prevBitrate.Timestamp.Add(ladderStepNormalizationDelay), now.Add(-ladderStepLossWindow))
		lost := s.loss.LossSince(estimateFrom)
		if float64(lost) < float64(current)/ladderStepLossDivisor {
			return 0, "", false
		}
		s.stepIndex--
		next := s.rung(s.stepIndex)
		s.bitrates.Append(now, next)
		return next, reasonLoss, true
	}

	if current < s.fullSpeed && s.stepIndex < len(s.fractions)-1 && s.CanTryToRecover(now) {
		s.stepIndex++
		next := s.rung(s.stepIndex)
		s.bitrates.Append(now, next)
		return next, reasonRecovery, true
	}
	return 0, "", false
}

// CanTryToRecover scans the bitrate history newest to oldest. Each distinct
// drop event k (drops within the merge window are one event) blocks
// recovery until ladderStepRecoveryIntervals[k] has elapsed since it.
func (s *LadderStepStrategy) CanTryToRecover(now time.Time) bool {
	maxInterval := ladderStepRecoveryIntervals[len(ladderStepRecoveryIntervals)-1]

	events := 0
	var (
		lastDrop time.Time
		haveDrop bool
	)
	for i := s.bitrates.Len() - 1; i >= 1; i-- {
		cur := s.bitrates.At(i)
		elapsed := now.Sub(cur.Timestamp)
		if elapsed > maxInterval {
			break
		}
		if cur.Bitrate >= s.bitrates.At(i-1).Bitrate {
			continue
		}
		if haveDrop && lastDrop.Sub(cur.Timestamp) <= ladderStepDropMergeWindow {
			lastDrop = cur.Timestamp
			continue
		}
		if elapsed < ladderStepRecoveryIntervals[events] {
			return false
		}
		lastDrop = cur.Timestamp
		haveDrop = true
		events++
		if events >= len(ladderStepRecoveryIntervals) {
			break
		}
	}
	return true
}

// StepIndex returns the current index into the fractional ladder.
func (s *LadderStepStrategy) StepIndex() int {
	return s.stepIndex
}

// Bitrate returns the newest recorded bitrate.
func (s *LadderStepStrategy) Bitrate() int {
	last, _ := s.bitrates.Last()
	return last.Bitrate
}

// Trim drops history older than before, keeping one baseline record.
func (s *LadderStepStrategy) Trim(before time.Time) {
	s.loss.Trim(before)
	s.bitrates.Trim(before)
}

// Describe fills the strategy fields of snap, including the step index.
func (s *LadderStepStrategy) Describe(snap *domain.SessionSnapshot) {
	snap.Strategy = s.Kind()
	snap.CurrentBitrate = s.Bitrate()
	snap.MinBitrate = s.rung(0)
	snap.InitBitrate = s.fullSpeed
	snap.StepIndex = s.stepIndex
	snap.LossRecords = s.loss.Len()
	snap.BitrateRecords = s.bitrates.Len()
}
