package services

import (
	"testing"

	"ratepilot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitrateLadder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rungs []int
	}{
		{name: "empty", rungs: nil},
		{name: "single rung", rungs: []int{1_000_000}},
		{name: "not increasing", rungs: []int{500_000, 500_000, 1_000_000}},
		{name: "decreasing", rungs: []int{2_000_000, 1_000_000}},
		{name: "non-positive", rungs: []int{0, 1_000_000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBitrateLadder(tt.rungs)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidLadder)
		})
	}
}

func TestBitrateLadder_IndexAtOrAbove(t *testing.T) {
	l := MustBitrateLadder(DefaultBitrateLadder)

	i, ok := l.IndexAtOrAbove(2_000_000)
	assert.True(t, ok)
	assert.Equal(t, 3, i)

	i, ok = l.IndexAtOrAbove(1_500_000)
	assert.True(t, ok)
	assert.Equal(t, 3, i)

	i, ok = l.IndexAtOrAbove(1)
	assert.True(t, ok)
	assert.Equal(t, 0, i)

	_, ok = l.IndexAtOrAbove(20_000_000)
	assert.False(t, ok)
}

func TestBitrateLadder_CopiesInput(t *testing.T) {
	rungs := []int{100, 200, 300}
	l := MustBitrateLadder(rungs)
	rungs[0] = 999

	assert.Equal(t, 100, l.Lowest())
	assert.Equal(t, 300, l.Highest())

	out := l.Rungs()
	out[1] = 0
	assert.Equal(t, 200, l.At(1))
}

func TestMustBitrateLadder_Panics(t *testing.T) {
	assert.Panics(t, func() { MustBitrateLadder([]int{1}) })
}

func TestStepFractions_Valid(t *testing.T) {
	require.NoError(t, validateFractions(stepFractions))
	assert.Len(t, stepFractions, 7)
	assert.Error(t, validateFractions([]float64{0.5, 0.4}))
	assert.Error(t, validateFractions([]float64{0.5, 1.5}))
}
