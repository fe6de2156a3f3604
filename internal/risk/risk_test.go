package risk

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

type fixedSource struct {
	values []float64
	calls  int
}

func (f *fixedSource) Float64() float64 {
	v := f.values[f.calls%len(f.values)]
	f.calls++
	return v
}

func TestRiskForRange(t *testing.T) {
	tables := map[string]Table{
		"constant":  Constant(0.5),
		"by_marker": ByMarker{P: 0.5},
		"catalog": Catalog{
			Probabilities: map[string]float64{"bargain_risk": 0.5, "baseline_norisk": 0},
			Default:       DefaultProbability,
		},
	}
	codes := []string{"bargain_risk", "bargain_norisk", "baseline_risk", "baseline_norisk", "weird"}

	for name, table := range tables {
		t.Run(name, func(t *testing.T) {
			for _, code := range codes {
				p := table.RiskFor(code)
				assert.GreaterOrEqual(t, p, 0.0, code)
				assert.LessOrEqual(t, p, 1.0, code)
			}
		})
	}
}

func TestNoRiskMarker(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"baseline_norisk", true},
		{"bargain-no-risk", true},
		{"No Risk", true},
		{"bargain_risk", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNoRisk(tt.code))
		})
	}

	table := ByMarker{P: 0.5}
	assert.Equal(t, 0.0, table.RiskFor("baseline_norisk"))
	assert.Equal(t, 0.5, table.RiskFor("baseline_risk"))
}

func TestOutOfRangeProbabilitiesAreClamped(t *testing.T) {
	assert.Equal(t, 1.0, Constant(3).RiskFor("x"))
	assert.Equal(t, 0.0, Constant(-1).RiskFor("x"))
	assert.Equal(t, 1.0, ByMarker{P: 2}.RiskFor("bargain_risk"))
}

func TestCatalogUnknownFallsBack(t *testing.T) {
	var reported string
	c := Catalog{
		Probabilities: map[string]float64{"known": 0.2},
		Default:       0.5,
		OnUnknown:     func(code string, _ float64) { reported = code },
	}

	assert.Equal(t, 0.2, c.RiskFor("known"))
	assert.Empty(t, reported)
	assert.Equal(t, 0.5, c.RiskFor("mystery"))
	assert.Equal(t, "mystery", reported)
}

func TestCatalogNoRiskMarkerWins(t *testing.T) {
	var reported []string
	c := Catalog{
		Probabilities: map[string]float64{"pilot_norisk": 0.5},
		Default:       0.5,
		OnUnknown:     func(code string, _ float64) { reported = append(reported, code) },
	}

	assert.Zero(t, c.RiskFor("pilot_norisk"))
	assert.Zero(t, c.RiskFor("Other-No-Risk"))
	assert.Empty(t, reported)
}

func TestResolve(t *testing.T) {
	src := &fixedSource{values: []float64{0.1, 0.9}}
	r := NewResolver(Constant(0.5), src, testLogger())

	require.True(t, r.Resolve(0.5))
	require.False(t, r.Resolve(0.5))
	assert.Equal(t, 2, src.calls)
}

func TestResolveDegenerateProbabilitiesStillDraw(t *testing.T) {
	src := &fixedSource{values: []float64{0}}
	r := NewResolver(Constant(0), src, testLogger())

	assert.False(t, r.Resolve(0))
	assert.True(t, r.Resolve(1))
	assert.Equal(t, 2, src.calls)
}
