// Package pie does the resource accounting for a pair: period-1 extraction
// totals, the growth of what is left and the effect of a depletion draw.
package pie

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Period identifies one of the two extraction periods of a round.
type Period int

const (
	Period1 Period = 1
	Period2 Period = 2
)

func (p Period) String() string {
	return fmt.Sprintf("t%d", int(p))
}

// RiskTiming selects when the depletion draw is applied to the period-2 pie.
type RiskTiming int

const (
	// AtSync applies risk on the period-1 barrier, so the period-2 pie is
	// final before either player sees feedback.
	AtSync RiskTiming = iota
	// AtDecisionEntry sets the period-2 pie deterministically at the barrier
	// and applies risk when the pair first enters the period-2 decision.
	AtDecisionEntry
)

func (r RiskTiming) String() string {
	switch r {
	case AtSync:
		return "sync"
	case AtDecisionEntry:
		return "decision_entry"
	}
	return fmt.Sprintf("RiskTiming(%d)", int(r))
}

// ParseRiskTiming parses the configuration spelling of a RiskTiming.
func ParseRiskTiming(s string) (RiskTiming, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return AtSync, nil
	case "decision_entry", "entry":
		return AtDecisionEntry, nil
	}
	return AtSync, fmt.Errorf("unknown risk timing %q", s)
}

// Policy captures the two divergent pie-update rules.
type Policy struct {
	// Clamp floors the remaining resource at zero before growth is applied.
	// Without it an over-extracted pie carries a negative size forward.
	Clamp      bool
	RiskTiming RiskTiming
}

// DefaultPolicy clamps and applies risk at the period-1 barrier.
func DefaultPolicy() Policy {
	return Policy{Clamp: true, RiskTiming: AtSync}
}

var (
	ErrNegativeExtraction = errors.New("extraction must not be negative")
	ErrInvalidSlot        = errors.New("invalid player slot")
)

// ComputeNextPie returns the period-2 pie before risk.
func ComputeNextPie(initial, totalExtracted, growth float64, clamp bool) float64 {
	remaining := initial - totalExtracted
	if clamp {
		remaining = math.Max(0, remaining)
	}
	return remaining * growth
}

// ApplyRisk returns zero when the pie was destroyed.
func ApplyRisk(size float64, destroyed bool) float64 {
	if destroyed {
		return 0
	}
	return size
}

// Remaining is the presentational pie left after the given extractions.
func Remaining(size float64, extractions ...float64) float64 {
	for _, e := range extractions {
		size -= e
	}
	return size
}

// Pool is the resource state one pair owns for one round.
type Pool struct {
	Initial           float64
	TotalExtractionT1 float64
	PieSizeT2         float64
	// Contributions holds the period-1 amount recorded per slot.
	Contributions map[int]float64
	Destroyed     bool
	RiskApplied   bool
}

// NewPool returns a pool at the start of a round.
func NewPool(initial float64) *Pool {
	return &Pool{
		Initial:       initial,
		PieSizeT2:     initial,
		Contributions: make(map[int]float64),
	}
}

// PieFor returns the pie available in period.
func (p *Pool) PieFor(period Period) float64 {
	if period == Period1 {
		return p.Initial
	}
	return p.PieSizeT2
}

// Accountant applies a Policy and growth rate to pools.
type Accountant struct {
	Policy    Policy
	Growth    float64
	GroupSize int
}

// NewAccountant creates an accountant for groups of groupSize players.
func NewAccountant(policy Policy, growth float64, groupSize int) *Accountant {
	return &Accountant{Policy: policy, Growth: growth, GroupSize: groupSize}
}

// RecordExtraction accumulates a period-1 amount into the pool. Period-2
// amounts are only ever shown in feedback and are not accumulated.
// Recording the same slot twice replaces the earlier amount.
func (a *Accountant) RecordExtraction(pool *Pool, slot int, period Period, amount float64) error {
	if slot < 1 || slot > a.GroupSize {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if amount < 0 || math.IsNaN(amount) {
		return ErrNegativeExtraction
	}
	if period != Period1 {
		return nil
	}
	if prev, ok := pool.Contributions[slot]; ok {
		pool.TotalExtractionT1 -= prev
	}
	pool.Contributions[slot] = amount
	pool.TotalExtractionT1 += amount
	return nil
}

// NextPie computes the period-2 pie from the pool's period-1 total.
func (a *Accountant) NextPie(pool *Pool) float64 {
	return ComputeNextPie(pool.Initial, pool.TotalExtractionT1, a.Growth, a.Policy.Clamp)
}

// SettlePeriod1 runs at the period-1 barrier. When risk is applied at sync
// destroyed is the outcome of the draw; otherwise it is ignored and the
// draw happens later through ApplyDeferredRisk.
func (a *Accountant) SettlePeriod1(pool *Pool, destroyed func() bool) {
	pool.PieSizeT2 = a.NextPie(pool)
	if a.Policy.RiskTiming == AtSync {
		a.applyRisk(pool, destroyed())
	}
}

// ApplyDeferredRisk applies the depletion draw once per pool under the
// AtDecisionEntry policy. It reports whether a draw was taken.
func (a *Accountant) ApplyDeferredRisk(pool *Pool, destroyed func() bool) bool {
	if a.Policy.RiskTiming != AtDecisionEntry || pool.RiskApplied {
		return false
	}
	a.applyRisk(pool, destroyed())
	return true
}

func (a *Accountant) applyRisk(pool *Pool, destroyed bool) {
	pool.Destroyed = destroyed
	pool.PieSizeT2 = ApplyRisk(pool.PieSizeT2, destroyed)
	pool.RiskApplied = true
}
