// Package treatment defines the experimental conditions a session can run
// under and how a session is assigned one.
package treatment

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lox/cprbargain/internal/risk"
)

// Regime is the bargaining regime a treatment runs under.
type Regime string

const (
	RegimeIndependent Regime = "independent"
	RegimeBargaining  Regime = "bargaining"
)

// ErrUnknownTreatment is returned for codes missing from a catalog.
var ErrUnknownTreatment = errors.New("unknown treatment")

// Treatment is an immutable experimental condition.
type Treatment struct {
	Code        string
	Description string
	Risk        float64
	Regime      Regime
}

// RiskPercent is the depletion probability formatted for display.
func (t Treatment) RiskPercent() float64 {
	return t.Risk * 100
}

// Catalog is the set of treatments a session may be assigned.
type Catalog struct {
	byCode map[string]Treatment
	order  []string
}

// NewCatalog builds a catalog. Later duplicates replace earlier entries.
func NewCatalog(treatments ...Treatment) *Catalog {
	c := &Catalog{byCode: make(map[string]Treatment)}
	for _, t := range treatments {
		if _, ok := c.byCode[t.Code]; !ok {
			c.order = append(c.order, t.Code)
		}
		if t.Regime == "" {
			t.Regime = RegimeIndependent
		}
		c.byCode[t.Code] = t
	}
	return c
}

// DefaultCatalog returns the four built-in conditions.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Treatment{Code: "baseline_risk", Description: "Independent extraction with depletion risk", Risk: risk.DefaultProbability, Regime: RegimeIndependent},
		Treatment{Code: "baseline_norisk", Description: "Independent extraction without depletion risk", Risk: 0, Regime: RegimeIndependent},
		Treatment{Code: "bargain_risk", Description: "Bargaining with depletion risk", Risk: risk.DefaultProbability, Regime: RegimeBargaining},
		Treatment{Code: "bargain_norisk", Description: "Bargaining without depletion risk", Risk: 0, Regime: RegimeBargaining},
	)
}

// Lookup returns the treatment registered under code.
func (c *Catalog) Lookup(code string) (Treatment, error) {
	t, ok := c.byCode[code]
	if !ok {
		return Treatment{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownTreatment, code, strings.Join(c.order, ", "))
	}
	return t, nil
}

// Codes returns the registered codes in registration order.
func (c *Catalog) Codes() []string {
	return slices.Clone(c.order)
}

// Probabilities returns the code to risk table for risk.Catalog.
func (c *Catalog) Probabilities() map[string]float64 {
	out := make(map[string]float64, len(c.byCode))
	for code, t := range c.byCode {
		out[code] = t.Risk
	}
	return out
}

// IntN is the random source an Assigner may draw from.
type IntN interface {
	IntN(n int) int
}

// Assigner picks the treatment a new session runs under.
type Assigner interface {
	Assign(catalog *Catalog, rng IntN) (Treatment, error)
}

// Fixed assigns an explicitly configured treatment.
type Fixed struct {
	Code string
}

// Assign implements Assigner.
func (f Fixed) Assign(catalog *Catalog, _ IntN) (Treatment, error) {
	return catalog.Lookup(f.Code)
}

// Random draws uniformly from Codes, or from the whole catalog when empty.
type Random struct {
	Codes []string
}

// Assign implements Assigner.
func (r Random) Assign(catalog *Catalog, rng IntN) (Treatment, error) {
	codes := r.Codes
	if len(codes) == 0 {
		codes = catalog.Codes()
	}
	if len(codes) == 0 {
		return Treatment{}, fmt.Errorf("%w: empty catalog", ErrUnknownTreatment)
	}
	return catalog.Lookup(codes[rng.IntN(len(codes))])
}
