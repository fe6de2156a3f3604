// Package strategy provides automated participants.
package strategy

import (
	"fmt"
	"math"
	rand "math/rand/v2"
	"slices"
	"strings"

	"github.com/lox/cprbargain/internal/experiment"
)

// Strategy picks an extraction and a guess of the partner's extraction.
type Strategy interface {
	Name() string
	Decide(d experiment.DecisionVars, history []experiment.FeedbackVars) (extract, guess float64)
}

// Random extracts a uniform amount up to the bound.
type Random struct {
	rng *rand.Rand
}

// NewRandom creates a random strategy driven by rng.
func NewRandom(rng *rand.Rand) *Random {
	return &Random{rng: rng}
}

func (r *Random) Name() string { return "random" }

func (r *Random) Decide(d experiment.DecisionVars, _ []experiment.FeedbackVars) (float64, float64) {
	limit := math.Max(0, d.MaxExtraction)
	return cents(r.rng.Float64() * limit), cents(r.rng.Float64() * limit)
}

// Greedy always takes the maximum allowed and expects the partner to do the same.
type Greedy struct{}

func (Greedy) Name() string { return "greedy" }

func (Greedy) Decide(d experiment.DecisionVars, _ []experiment.FeedbackVars) (float64, float64) {
	limit := math.Max(0, d.MaxExtraction)
	return limit, limit
}

// Cooperative takes a fixed fraction of the current pie.
type Cooperative struct {
	Fraction float64
}

func (c Cooperative) Name() string { return "cooperative" }

func (c Cooperative) Decide(d experiment.DecisionVars, _ []experiment.FeedbackVars) (float64, float64) {
	amount := clamp(c.Fraction*d.TotalResource, d.MaxExtraction)
	return amount, amount
}

// Reciprocal starts cooperatively then mirrors the partner's last extraction.
type Reciprocal struct {
	Start Cooperative
}

func (r Reciprocal) Name() string { return "reciprocal" }

func (r Reciprocal) Decide(d experiment.DecisionVars, history []experiment.FeedbackVars) (float64, float64) {
	if len(history) == 0 {
		return r.Start.Decide(d, history)
	}
	amount := clamp(history[len(history)-1].OtherExtraction, d.MaxExtraction)
	return amount, amount
}

var names = []string{"cooperative", "greedy", "random", "reciprocal"}

// Names lists the strategies New accepts.
func Names() []string {
	return slices.Clone(names)
}

// New returns the named strategy.
func New(name string, rng *rand.Rand) (Strategy, error) {
	switch strings.ToLower(name) {
	case "random":
		return NewRandom(rng), nil
	case "greedy":
		return Greedy{}, nil
	case "cooperative":
		return Cooperative{Fraction: 0.1}, nil
	case "reciprocal":
		return Reciprocal{Start: Cooperative{Fraction: 0.1}}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q (want one of %s)", name, strings.Join(names, ", "))
}

func clamp(v, limit float64) float64 {
	return cents(math.Min(math.Max(0, limit), math.Max(0, v)))
}

// cents truncates so a submission never exceeds the bound.
func cents(v float64) float64 {
	return math.Floor(v*100) / 100
}
