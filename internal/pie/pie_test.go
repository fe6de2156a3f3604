package pie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNextPie(t *testing.T) {
	tests := []struct {
		name    string
		initial float64
		total   float64
		growth  float64
		clamp   bool
		want    float64
	}{
		{"partial extraction", 1000, 300, 1.7, true, 1190},
		{"over extraction clamps", 1000, 1200, 1.7, true, 0},
		{"over extraction unclamped", 1000, 1200, 1.5, false, -300},
		{"nothing extracted", 1000, 0, 1.5, true, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeNextPie(tt.initial, tt.total, tt.growth, tt.clamp), 1e-9)
		})
	}
}

func TestApplyRisk(t *testing.T) {
	assert.Equal(t, 0.0, ApplyRisk(1190, true))
	assert.Equal(t, 1190.0, ApplyRisk(1190, false))
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 750.0, Remaining(1000, 100, 150))
	assert.Equal(t, 1000.0, Remaining(1000))
}

func TestRecordExtraction(t *testing.T) {
	a := NewAccountant(DefaultPolicy(), 1.5, 2)
	pool := NewPool(1000)

	require.NoError(t, a.RecordExtraction(pool, 1, Period1, 100))
	require.NoError(t, a.RecordExtraction(pool, 2, Period1, 150))
	assert.Equal(t, 250.0, pool.TotalExtractionT1)

	// Period 2 is never accumulated.
	require.NoError(t, a.RecordExtraction(pool, 1, Period2, 300))
	assert.Equal(t, 250.0, pool.TotalExtractionT1)

	// Re-recording a slot replaces its contribution.
	require.NoError(t, a.RecordExtraction(pool, 2, Period1, 50))
	assert.Equal(t, 150.0, pool.TotalExtractionT1)
}

func TestRecordExtractionRejectsBadInput(t *testing.T) {
	a := NewAccountant(DefaultPolicy(), 1.5, 2)
	pool := NewPool(1000)

	assert.ErrorIs(t, a.RecordExtraction(pool, 3, Period1, 10), ErrInvalidSlot)
	assert.ErrorIs(t, a.RecordExtraction(pool, 1, Period1, -1), ErrNegativeExtraction)
	assert.Zero(t, pool.TotalExtractionT1)
}

func TestSettlePeriod1AtSync(t *testing.T) {
	a := NewAccountant(Policy{Clamp: true, RiskTiming: AtSync}, 1.7, 2)

	pool := NewPool(1000)
	pool.TotalExtractionT1 = 300
	a.SettlePeriod1(pool, func() bool { return false })
	assert.InDelta(t, 1190, pool.PieSizeT2, 1e-9)
	assert.True(t, pool.RiskApplied)

	pool = NewPool(1000)
	pool.TotalExtractionT1 = 300
	a.SettlePeriod1(pool, func() bool { return true })
	assert.Zero(t, pool.PieSizeT2)
	assert.True(t, pool.Destroyed)
}

func TestDeferredRiskAppliedOnce(t *testing.T) {
	a := NewAccountant(Policy{Clamp: true, RiskTiming: AtDecisionEntry}, 1.5, 2)
	pool := NewPool(1000)
	pool.TotalExtractionT1 = 200

	draws := 0
	destroyed := func() bool { draws++; return true }

	a.SettlePeriod1(pool, destroyed)
	assert.Equal(t, 0, draws)
	assert.InDelta(t, 1200, pool.PieSizeT2, 1e-9)

	assert.True(t, a.ApplyDeferredRisk(pool, destroyed))
	assert.False(t, a.ApplyDeferredRisk(pool, destroyed))
	assert.Equal(t, 1, draws)
	assert.Zero(t, pool.PieSizeT2)
}

func TestParseRiskTiming(t *testing.T) {
	rt, err := ParseRiskTiming("decision_entry")
	require.NoError(t, err)
	assert.Equal(t, AtDecisionEntry, rt)

	rt, err = ParseRiskTiming("")
	require.NoError(t, err)
	assert.Equal(t, AtSync, rt)

	_, err = ParseRiskTiming("later")
	assert.Error(t, err)
}
