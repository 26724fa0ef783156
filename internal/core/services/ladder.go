package services

import (
	"fmt"

	"ratepilot/internal/core/domain"
)

// DefaultBitrateLadder is the reference ladder in bits per second.
var DefaultBitrateLadder = []int{
	200_000,
	500_000,
	1_000_000,
	2_000_000,
	4_000_000,
	8_000_000,
	12_000_000,
}

// BitrateLadder is an immutable, strictly increasing list of allowed bitrates.
type BitrateLadder struct {
	rungs []int
}

// NewBitrateLadder copies rungs and rejects ladders that are shorter than
// two rungs or not strictly increasing.
func NewBitrateLadder(rungs []int) (*BitrateLadder, error) {
	if len(rungs) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 rungs, got %d", domain.ErrInvalidLadder, len(rungs))
	}
	for i, r := range rungs {
		if r <= 0 {
			return nil, fmt.Errorf("%w: rung %d is %d, must be > 0", domain.ErrInvalidLadder, i, r)
		}
		if i > 0 && r <= rungs[i-1] {
			return nil, fmt.Errorf("%w: rung %d (%d) is not above rung %d (%d)", domain.ErrInvalidLadder, i, r, i-1, rungs[i-1])
		}
	}
	cp := make([]int, len(rungs))
	copy(cp, rungs)
	return &BitrateLadder{rungs: cp}, nil
}

// MustBitrateLadder panics on an invalid ladder. Use for static ladders only.
func MustBitrateLadder(rungs []int) *BitrateLadder {
	l, err := NewBitrateLadder(rungs)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of rungs.
func (l *BitrateLadder) Len() int {
	return len(l.rungs)
}

// At returns rung i.
func (l *BitrateLadder) At(i int) int {
	return l.rungs[i]
}

// Lowest returns the first rung.
func (l *BitrateLadder) Lowest() int {
	return l.rungs[0]
}

// Highest returns the last rung.
func (l *BitrateLadder) Highest() int {
	return l.rungs[len(l.rungs)-1]
}

// Rungs returns a copy of the rungs.
func (l *BitrateLadder) Rungs() []int {
	cp := make([]int, len(l.rungs))
	copy(cp, l.rungs)
	return cp
}

// IndexAtOrAbove returns the first index whose rung is >= bitrate.
func (l *BitrateLadder) IndexAtOrAbove(bitrate int) (int, bool) {
	for i, r := range l.rungs {
		if r >= bitrate {
			return i, true
		}
	}
	return 0, false
}

// stepFractions are the rungs of the ladder-step conditioner as fractions
// of the configured full speed.
var stepFractions = []float64{0.2, 0.25, 1.0 / 3, 0.45, 0.6, 0.78, 1.0}

func validateFractions(fractions []float64) error {
	if len(fractions) < 2 {
		return fmt.Errorf("%w: need at least 2 fractions, got %d", domain.ErrInvalidLadder, len(fractions))
	}
	for i, f := range fractions {
		if f <= 0 || f > 1 {
			return fmt.Errorf("%w: fraction %d (%v) outside (0, 1]", domain.ErrInvalidLadder, i, f)
		}
		if i > 0 && f <= fractions[i-1] {
			return fmt.Errorf("%w: fraction %d (%v) is not above fraction %d (%v)", domain.ErrInvalidLadder, i, f, i-1, fractions[i-1])
		}
	}
	return nil
}
