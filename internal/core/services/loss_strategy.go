package services

import (
	"fmt"
	"time"

	"ratepilot/internal/core/domain"
)

// LossStrategy maps packet-loss observations to bitrate decisions for one
// conditioner session. Implementations are not safe for concurrent use; the
// LossConditioner serializes every call.
type LossStrategy interface {
	Kind() domain.StrategyKind
	// Timing returns the delay before the first check and the interval
	// between checks.
	Timing() (delay, interval time.Duration)
	// Seed resets the session at now for the configured bitrate and returns
	// the bitrate to apply first.
	Seed(now time.Time, configured int, loss domain.LossSnapshot) int
	// Evaluate runs one check cycle. When ok is set the returned bitrate has
	// already been recorded in the strategy's history.
	Evaluate(now time.Time, loss domain.LossSnapshot) (bitrate int, reason string, ok bool)
	Bitrate() int
	Trim(before time.Time)
	Describe(s *domain.SessionSnapshot)
}

// NewLossStrategy returns a fresh strategy of the given kind.
func NewLossStrategy(kind domain.StrategyKind) (LossStrategy, error) {
	switch kind {
	case domain.StrategySingleStep:
		return NewSingleStepStrategy(), nil
	case domain.StrategyLadderStep:
		return NewLadderStepStrategy(), nil
	default:
		return nil, fmt.Errorf("unknown conditioner strategy %q", kind)
	}
}

const (
	reasonLoss     = "loss"
	reasonRecovery = "recovery"
)
