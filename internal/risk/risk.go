// Package risk maps treatments to depletion probabilities and resolves the
// Bernoulli trial that decides whether a carried-over pie is wiped out.
package risk

import (
	"strings"

	"github.com/rs/zerolog"
)

// NoRiskMarker marks treatment codes whose pie can never be destroyed.
const NoRiskMarker = "norisk"

// DefaultProbability is used for treatment codes a catalog does not know.
const DefaultProbability = 0.5

// Table returns the depletion probability for a treatment code.
type Table interface {
	RiskFor(code string) float64
}

// Source is the random source consumed by Resolve.
type Source interface {
	Float64() float64
}

// Constant applies the same probability to every treatment.
type Constant float64

// RiskFor implements Table.
func (c Constant) RiskFor(string) float64 {
	return clamp(float64(c))
}

// ByMarker returns zero for codes carrying the no-risk marker and P otherwise.
type ByMarker struct {
	P float64
}

// RiskFor implements Table.
func (m ByMarker) RiskFor(code string) float64 {
	if IsNoRisk(code) {
		return 0
	}
	return clamp(m.P)
}

// Catalog holds explicit per-treatment probabilities. Codes carrying the
// no-risk marker are always zero, whatever the table says. Unknown codes fall
// back to Default and are reported through OnUnknown.
type Catalog struct {
	Probabilities map[string]float64
	Default       float64
	OnUnknown     func(code string, fallback float64)
}

// RiskFor implements Table.
func (c Catalog) RiskFor(code string) float64 {
	if IsNoRisk(code) {
		return 0
	}
	if p, ok := c.Probabilities[code]; ok {
		return clamp(p)
	}
	if c.OnUnknown != nil {
		c.OnUnknown(code, clamp(c.Default))
	}
	return clamp(c.Default)
}

// IsNoRisk reports whether code carries the no-risk marker. Case, dashes,
// underscores and spaces are ignored.
func IsNoRisk(code string) bool {
	normalised := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(code))
	return strings.Contains(normalised, NoRiskMarker)
}

func clamp(p float64) float64 {
	switch {
	case p != p: // NaN
		return 0
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Resolver answers risk questions for a session.
type Resolver struct {
	table  Table
	source Source
	logger zerolog.Logger
}

// NewResolver creates a resolver over table drawing from source.
func NewResolver(table Table, source Source, logger zerolog.Logger) *Resolver {
	return &Resolver{
		table:  table,
		source: source,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// RiskFor returns the depletion probability for the treatment code.
func (r *Resolver) RiskFor(code string) float64 {
	return r.table.RiskFor(code)
}

// Resolve draws once from the source and reports whether the resource is
// destroyed. A draw is consumed even for degenerate probabilities so that a
// seeded session replays identically whatever the treatment.
func (r *Resolver) Resolve(p float64) bool {
	draw := r.source.Float64()
	destroyed := draw < clamp(p)
	r.logger.Debug().
		Float64("probability", p).
		Float64("draw", draw).
		Bool("destroyed", destroyed).
		Msg("Resolved depletion risk")
	return destroyed
}

// LogUnknown returns an OnUnknown hook that warns through logger.
func LogUnknown(logger zerolog.Logger) func(string, float64) {
	return func(code string, fallback float64) {
		logger.Warn().
			Str("treatment", code).
			Float64("fallback", fallback).
			Msg("Unknown treatment code, using default risk")
	}
}
