package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/pie"
	"github.com/lox/cprbargain/internal/risk"
	"github.com/lox/cprbargain/internal/treatment"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 4, cfg.Participants)
	assert.Equal(t, 8, cfg.Session.Rounds)
	assert.Equal(t, 180*time.Second, cfg.DecisionTimeout)
}

func TestExampleConfigFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "cprbarg.hcl"))
	require.NoError(t, err)

	want := DefaultConfig()
	want.Treatments = []treatment.Treatment{{
		Code:        "bargain_highrisk",
		Description: "Bargaining under doubled depletion risk",
		Risk:        0.4,
		Regime:      treatment.RegimeBargaining,
	}}
	assert.Equal(t, want, cfg)

	_, err = cfg.Catalog().Lookup("bargain_highrisk")
	require.NoError(t, err)
}

func TestParseConfig(t *testing.T) {
	src := `
server {
  address = ":9000"
}

session {
  participants  = 6
  rounds        = 4
  matching      = "partner"
  treatment     = "slow_decay"
  seed          = 42
  bound_period1 = true
}

resource {
  initial_pie = 500
  growth_rate = 2
  clamp       = false
  risk_timing = "decision_entry"
  risk_table       = "marker"
  risk_probability = 0.3
}

timeouts {
  decision_seconds   = 60
  feedback_seconds   = 20
  bargaining_seconds = 90
}

treatment "slow_decay" {
  description = "Low depletion risk"
  risk        = 0.1
  regime      = "bargaining"
}
`
	cfg, err := ParseConfig([]byte(src), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, 6, cfg.Participants)
	assert.Equal(t, 4, cfg.Session.Rounds)
	assert.Equal(t, matching.ModeRotating, cfg.Session.Matching)
	assert.True(t, cfg.Session.BoundPeriod1)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int64(42), *cfg.Seed)
	assert.Equal(t, 500.0, cfg.Session.InitialPie)
	assert.Equal(t, 2.0, cfg.Session.GrowthRate)
	assert.Equal(t, pie.Policy{Clamp: false, RiskTiming: pie.AtDecisionEntry}, cfg.Session.Policy)
	assert.Equal(t, 60*time.Second, cfg.DecisionTimeout)
	assert.Equal(t, 20*time.Second, cfg.FeedbackTimeout)
	assert.Equal(t, 90*time.Second, cfg.BargainingTimeout)
	assert.Equal(t, risk.ByMarker{P: 0.3}, cfg.Table())

	got, err := cfg.Catalog().Lookup("slow_decay")
	require.NoError(t, err)
	assert.Equal(t, 0.1, got.Risk)
	assert.Equal(t, treatment.RegimeBargaining, got.Regime)

	assigned, err := cfg.Assigner().Assign(cfg.Catalog(), nil)
	require.NoError(t, err)
	assert.Equal(t, "slow_decay", assigned.Code)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"odd participants", `session { participants = 3 }`},
		{"bad risk table", `resource { risk_table = "dice" }`},
		{"risk probability out of range", `resource { risk_probability = 2 }`},
		{"no-risk treatment with risk", `treatment "pilot_norisk" { risk = 0.5 }`},
		{"negative bargaining timeout", `timeouts { bargaining_seconds = -1 }`},
		{"unknown matching", `session { matching = "random" }`},
		{"bad risk timing", `resource { risk_timing = "later" }`},
		{"risk out of range", `treatment "x" { risk = 1.5 }`},
		{"bad assignment", `session { assignment = "coin" }`},
		{"syntax", `session {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.src), "bad.hcl")
			assert.Error(t, err)
		})
	}
}

func TestRandomAssignmentAcceptsAnyTreatment(t *testing.T) {
	cfg, err := ParseConfig([]byte(`session { assignment = "random" }`), "random.hcl")
	require.NoError(t, err)
	assert.IsType(t, treatment.Random{}, cfg.Assigner())
}

func TestUnknownFixedTreatmentIsAccepted(t *testing.T) {
	cfg, err := ParseConfig([]byte(`session { treatment = "pilot_risk" }`), "pilot.hcl")
	require.NoError(t, err)
	assert.Equal(t, "pilot_risk", cfg.Treatment)

	_, err = cfg.Catalog().Lookup("pilot_risk")
	assert.ErrorIs(t, err, treatment.ErrUnknownTreatment)
}

func TestRiskTableSelection(t *testing.T) {
	tests := []struct {
		src  string
		want risk.Table
	}{
		{``, nil},
		{`resource { risk_table = "catalog" }`, nil},
		{`resource { risk_table = "marker" }`, risk.ByMarker{P: risk.DefaultProbability}},
		{`resource {
  risk_table       = "constant"
  risk_probability = 0.25
}`, risk.Constant(0.25)},
	}
	for _, tt := range tests {
		cfg, err := ParseConfig([]byte(tt.src), "risk.hcl")
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, cfg.Table(), tt.src)
	}
}
