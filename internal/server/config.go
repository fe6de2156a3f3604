package server

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/pie"
	"github.com/lox/cprbargain/internal/risk"
	"github.com/lox/cprbargain/internal/treatment"
)

// Assignment modes for treatments.
const (
	AssignFixed  = "fixed"
	AssignRandom = "random"
)

// Risk table variants.
const (
	RiskTableCatalog  = "catalog"
	RiskTableMarker   = "marker"
	RiskTableConstant = "constant"
)

// Config is the runtime configuration of an experiment server.
type Config struct {
	Address      string
	Participants int
	Session      experiment.Config
	Treatment    string
	Assignment   string
	Seed         *int64
	// RiskTable selects how treatment codes map to depletion probabilities.
	// The marker and constant tables use RiskProbability.
	RiskTable       string
	RiskProbability float64
	// Treatments are registered in addition to the built-in catalog.
	Treatments      []treatment.Treatment
	DecisionTimeout time.Duration
	// BargainingTimeout replaces DecisionTimeout under bargaining treatments.
	BargainingTimeout time.Duration
	// FeedbackTimeout of zero leaves feedback pages open until advanced.
	FeedbackTimeout time.Duration
}

// DefaultConfig is a four-participant demo session.
func DefaultConfig() Config {
	return Config{
		Address:           ":8080",
		Participants:      4,
		Session:           experiment.DefaultConfig(),
		Treatment:         "baseline_risk",
		Assignment:        AssignFixed,
		RiskTable:         RiskTableCatalog,
		RiskProbability:   risk.DefaultProbability,
		DecisionTimeout:   180 * time.Second,
		BargainingTimeout: 180 * time.Second,
	}
}

// Table returns the risk table sessions should use, or nil for the catalog
// table the session derives from its treatments.
func (c Config) Table() risk.Table {
	switch c.RiskTable {
	case RiskTableMarker:
		return risk.ByMarker{P: c.RiskProbability}
	case RiskTableConstant:
		return risk.Constant(c.RiskProbability)
	}
	return nil
}

// Catalog returns the built-in treatments plus any configured ones.
func (c Config) Catalog() *treatment.Catalog {
	all := []treatment.Treatment{}
	base := treatment.DefaultCatalog()
	for _, code := range base.Codes() {
		t, _ := base.Lookup(code)
		all = append(all, t)
	}
	all = append(all, c.Treatments...)
	return treatment.NewCatalog(all...)
}

// Assigner returns the treatment assignment strategy.
func (c Config) Assigner() treatment.Assigner {
	if c.Assignment == AssignRandom {
		return treatment.Random{}
	}
	return treatment.Fixed{Code: c.Treatment}
}

// Validate validates the server configuration
func (c Config) Validate() error {
	if c.Participants < matching.GroupSize || c.Participants%matching.GroupSize != 0 {
		return fmt.Errorf("participants must be a positive multiple of %d, got %d", matching.GroupSize, c.Participants)
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	switch c.Assignment {
	case AssignFixed:
		// Codes missing from the catalog run at the default risk.
		if c.Treatment == "" {
			return fmt.Errorf("fixed assignment needs a treatment")
		}
	case AssignRandom:
	default:
		return fmt.Errorf("invalid assignment %q", c.Assignment)
	}
	switch c.RiskTable {
	case RiskTableCatalog, RiskTableMarker, RiskTableConstant:
	default:
		return fmt.Errorf("invalid risk table %q", c.RiskTable)
	}
	if c.RiskProbability < 0 || c.RiskProbability > 1 {
		return fmt.Errorf("risk probability must be between 0 and 1, got %g", c.RiskProbability)
	}
	for _, t := range c.Treatments {
		if t.Risk < 0 || t.Risk > 1 {
			return fmt.Errorf("treatment %s: risk must be between 0 and 1", t.Code)
		}
		if risk.IsNoRisk(t.Code) && t.Risk != 0 {
			return fmt.Errorf("treatment %s: no-risk treatments must have risk 0, got %g", t.Code, t.Risk)
		}
	}
	if c.DecisionTimeout < 0 || c.FeedbackTimeout < 0 || c.BargainingTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// fileConfig is the HCL file layout.
type fileConfig struct {
	Server     *serverBlock     `hcl:"server,block"`
	Session    *sessionBlock    `hcl:"session,block"`
	Resource   *resourceBlock   `hcl:"resource,block"`
	Timeouts   *timeoutsBlock   `hcl:"timeouts,block"`
	Treatments []treatmentBlock `hcl:"treatment,block"`
}

type serverBlock struct {
	Address string `hcl:"address,optional"`
}

type sessionBlock struct {
	Participants int    `hcl:"participants,optional"`
	Rounds       int    `hcl:"rounds,optional"`
	Matching     string `hcl:"matching,optional"`
	Treatment    string `hcl:"treatment,optional"`
	Assignment   string `hcl:"assignment,optional"`
	Seed         *int64 `hcl:"seed,optional"`
	BoundPeriod1 bool   `hcl:"bound_period1,optional"`
}

type resourceBlock struct {
	InitialPie      float64  `hcl:"initial_pie,optional"`
	GrowthRate      float64  `hcl:"growth_rate,optional"`
	Clamp           *bool    `hcl:"clamp,optional"`
	RiskTiming      string   `hcl:"risk_timing,optional"`
	RiskTable       string   `hcl:"risk_table,optional"`
	RiskProbability *float64 `hcl:"risk_probability,optional"`
}

type timeoutsBlock struct {
	DecisionSeconds   *int `hcl:"decision_seconds,optional"`
	FeedbackSeconds   *int `hcl:"feedback_seconds,optional"`
	BargainingSeconds *int `hcl:"bargaining_seconds,optional"`
}

type treatmentBlock struct {
	Code        string  `hcl:"code,label"`
	Description string  `hcl:"description,optional"`
	Risk        float64 `hcl:"risk"`
	Regime      string  `hcl:"regime,optional"`
}

// LoadConfig loads configuration from an HCL file. A missing file yields
// the defaults.
func LoadConfig(filename string) (Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}
	return decodeConfig(file)
}

// ParseConfig parses HCL source.
func ParseConfig(src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}
	return decodeConfig(file)
}

func decodeConfig(file *hcl.File) (Config, error) {
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &fc); diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	// Apply defaults for missing values
	cfg := DefaultConfig()
	if b := fc.Server; b != nil && b.Address != "" {
		cfg.Address = b.Address
	}
	if b := fc.Session; b != nil {
		if b.Participants != 0 {
			cfg.Participants = b.Participants
		}
		if b.Rounds != 0 {
			cfg.Session.Rounds = b.Rounds
		}
		if b.Matching != "" {
			mode, err := matching.ParseMode(b.Matching)
			if err != nil {
				return Config{}, err
			}
			cfg.Session.Matching = mode
		}
		if b.Treatment != "" {
			cfg.Treatment = b.Treatment
		}
		if b.Assignment != "" {
			cfg.Assignment = b.Assignment
		}
		cfg.Seed = b.Seed
		cfg.Session.BoundPeriod1 = b.BoundPeriod1
	}
	if b := fc.Resource; b != nil {
		if b.InitialPie != 0 {
			cfg.Session.InitialPie = b.InitialPie
		}
		if b.GrowthRate != 0 {
			cfg.Session.GrowthRate = b.GrowthRate
		}
		if b.Clamp != nil {
			cfg.Session.Policy.Clamp = *b.Clamp
		}
		timing, err := pie.ParseRiskTiming(b.RiskTiming)
		if err != nil {
			return Config{}, err
		}
		cfg.Session.Policy.RiskTiming = timing
		if b.RiskTable != "" {
			cfg.RiskTable = b.RiskTable
		}
		if b.RiskProbability != nil {
			cfg.RiskProbability = *b.RiskProbability
		}
	}
	if b := fc.Timeouts; b != nil {
		if b.DecisionSeconds != nil {
			cfg.DecisionTimeout = time.Duration(*b.DecisionSeconds) * time.Second
		}
		if b.FeedbackSeconds != nil {
			cfg.FeedbackTimeout = time.Duration(*b.FeedbackSeconds) * time.Second
		}
		if b.BargainingSeconds != nil {
			cfg.BargainingTimeout = time.Duration(*b.BargainingSeconds) * time.Second
		}
	}
	for _, b := range fc.Treatments {
		regime := treatment.Regime(b.Regime)
		if regime == "" {
			regime = treatment.RegimeIndependent
		}
		cfg.Treatments = append(cfg.Treatments, treatment.Treatment{
			Code:        b.Code,
			Description: b.Description,
			Risk:        b.Risk,
			Regime:      regime,
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
