package experiment

import (
	"fmt"
	"math"

	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/pie"
)

// Config holds the per-session experiment parameters.
type Config struct {
	Rounds     int
	InitialPie float64
	GrowthRate float64
	Policy     pie.Policy
	Matching   matching.Mode
	// BoundPeriod1 applies the half-pie bound to period-1 decisions as well.
	// Off by default: only period 2 is bounded.
	BoundPeriod1 bool
}

// DefaultConfig returns the standard session parameters.
func DefaultConfig() Config {
	return Config{
		Rounds:     8,
		InitialPie: 1000,
		GrowthRate: 1.5,
		Policy:     pie.DefaultPolicy(),
		Matching:   matching.ModeStranger,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Rounds < 1 {
		return &ConfigurationError{Field: "rounds", Reason: fmt.Sprintf("must be at least 1, got %d", c.Rounds)}
	}
	if c.InitialPie <= 0 || math.IsInf(c.InitialPie, 0) || math.IsNaN(c.InitialPie) {
		return &ConfigurationError{Field: "initial_pie", Reason: fmt.Sprintf("must be positive, got %v", c.InitialPie)}
	}
	if c.GrowthRate < 0 || math.IsInf(c.GrowthRate, 0) || math.IsNaN(c.GrowthRate) {
		return &ConfigurationError{Field: "growth_rate", Reason: fmt.Sprintf("must not be negative, got %v", c.GrowthRate)}
	}
	if _, err := matching.ParseMode(string(c.Matching)); err != nil {
		return &ConfigurationError{Field: "matching", Reason: err.Error()}
	}
	return nil
}

// GrowthPercent is the growth rate shown to participants.
func (c Config) GrowthPercent() float64 {
	return (c.GrowthRate - 1) * 100
}
