package treatment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/risk"
)

func TestDefaultCatalogRisks(t *testing.T) {
	c := DefaultCatalog()
	for _, code := range c.Codes() {
		tr, err := c.Lookup(code)
		require.NoError(t, err)
		if risk.IsNoRisk(code) {
			assert.Zero(t, tr.Risk, code)
		} else {
			assert.Equal(t, 0.5, tr.Risk, code)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := DefaultCatalog().Lookup("treatment_z")
	assert.ErrorIs(t, err, ErrUnknownTreatment)
}

func TestFixedAssigner(t *testing.T) {
	tr, err := Fixed{Code: "bargain_norisk"}.Assign(DefaultCatalog(), nil)
	require.NoError(t, err)
	assert.Equal(t, RegimeBargaining, tr.Regime)
	assert.Zero(t, tr.RiskPercent())
}

func TestRandomAssignerIsSeeded(t *testing.T) {
	c := DefaultCatalog()

	first, err := Random{}.Assign(c, randutil.NewShared(5))
	require.NoError(t, err)
	second, err := Random{}.Assign(c, randutil.NewShared(5))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	only, err := Random{Codes: []string{"baseline_risk"}}.Assign(c, randutil.NewShared(1))
	require.NoError(t, err)
	assert.Equal(t, "baseline_risk", only.Code)
}

func TestCatalogDefaultsRegime(t *testing.T) {
	c := NewCatalog(Treatment{Code: "custom", Risk: 0.3})
	tr, err := c.Lookup("custom")
	require.NoError(t, err)
	assert.Equal(t, RegimeIndependent, tr.Regime)
	assert.Equal(t, map[string]float64{"custom": 0.3}, c.Probabilities())
}
