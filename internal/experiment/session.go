// Package experiment runs the round controller: it walks every player through
// the per-round page sequence, enforces the pair and population barriers and
// calls the pie, risk and matching components at the right transitions.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/pie"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/risk"
	"github.com/lox/cprbargain/internal/treatment"
)

// Decision is one player's choice for one period.
type Decision struct {
	Extract  float64
	Guess    float64
	TimedOut bool
}

// Player is a session participant.
type Player struct {
	ID        int
	PaidRound int

	stage     Stage
	decisions map[int]map[pie.Period]Decision
}

// Pair is two players matched for one round. It owns its pool exclusively.
type Pair struct {
	ID      int
	Round   int
	Members matching.Group
	Pool    *pie.Pool

	submitted map[pie.Period]map[int]Decision
}

func newPair(id, round int, members matching.Group, initial float64) *Pair {
	return &Pair{
		ID:      id,
		Round:   round,
		Members: members,
		Pool:    pie.NewPool(initial),
		submitted: map[pie.Period]map[int]Decision{
			pie.Period1: {},
			pie.Period2: {},
		},
	}
}

// Option configures a Session.
type Option func(*Session)

// WithMonitor attaches a monitor.
func WithMonitor(m SessionMonitor) Option {
	return func(s *Session) { s.monitor = m }
}

// WithID sets the session identifier.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithTreatments sets the catalog and assignment strategy.
func WithTreatments(catalog *treatment.Catalog, assigner treatment.Assigner) Option {
	return func(s *Session) {
		s.catalog = catalog
		s.assigner = assigner
	}
}

// WithRiskTable overrides the risk table derived from the catalog.
func WithRiskTable(table risk.Table) Option {
	return func(s *Session) { s.riskTable = table }
}

// WithMatcher overrides the matcher selected by Config.Matching.
func WithMatcher(m matching.Matcher) Option {
	return func(s *Session) { s.matcher = m }
}

// Session is the round controller for one population.
type Session struct {
	id         string
	cfg        Config
	rng        *randutil.Shared
	logger     zerolog.Logger
	catalog    *treatment.Catalog
	assigner   treatment.Assigner
	riskTable  risk.Table
	treatment  treatment.Treatment
	riskP      float64
	resolver   *risk.Resolver
	accountant *pie.Accountant
	matcher    matching.Matcher
	monitor    SessionMonitor

	mu         sync.Mutex
	dispatchMu sync.Mutex
	order      []int
	players    map[int]*Player
	round      int
	pairs      []*Pair
	pairOf     map[int]*Pair
	complete   bool
}

// NewSession creates a session for players (in round-1 order) and computes
// the first round's pairing. Draws from rng happen in a fixed order:
// treatment, matcher seed, paid rounds.
func NewSession(cfg Config, players []int, rng *randutil.Shared, logger zerolog.Logger, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(players) == 0 || len(players)%matching.GroupSize != 0 {
		return nil, &ConfigurationError{
			Field:  "participants",
			Reason: fmt.Sprintf("%d players cannot be split into groups of %d", len(players), matching.GroupSize),
			Err:    matching.ErrPopulationSize,
		}
	}
	seen := make(map[int]bool, len(players))
	for _, id := range players {
		if seen[id] {
			return nil, &ConfigurationError{Field: "participants", Reason: fmt.Sprintf("duplicate player id %d", id)}
		}
		seen[id] = true
	}

	s := &Session{
		cfg:     cfg,
		rng:     rng,
		order:   slices.Clone(players),
		players: make(map[int]*Player, len(players)),
		pairOf:  make(map[int]*Pair, len(players)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.Must(uuid.NewV7()).String()
	}
	s.logger = logger.With().Str("component", "session").Str("session_id", s.id).Logger()
	if s.monitor == nil {
		s.monitor = NullSessionMonitor{}
	}
	if s.catalog == nil {
		s.catalog = treatment.DefaultCatalog()
	}
	if s.assigner == nil {
		s.assigner = treatment.Fixed{Code: "baseline_risk"}
	}

	if s.riskTable == nil {
		s.riskTable = risk.Catalog{
			Probabilities: s.catalog.Probabilities(),
			Default:       risk.DefaultProbability,
			OnUnknown:     risk.LogUnknown(s.logger),
		}
	}
	s.resolver = risk.NewResolver(s.riskTable, rng, logger)

	t, err := s.assigner.Assign(s.catalog, rng)
	if err != nil {
		// A fixed code the catalog lacks still runs, at the risk table's
		// fallback probability.
		fixed, ok := s.assigner.(treatment.Fixed)
		if !ok || fixed.Code == "" || !errors.Is(err, treatment.ErrUnknownTreatment) {
			return nil, &ConfigurationError{Field: "treatment", Reason: err.Error(), Err: err}
		}
		t = treatment.Treatment{Code: fixed.Code, Description: "Unregistered treatment", Regime: treatment.RegimeIndependent}
	}
	s.riskP = s.resolver.RiskFor(t.Code)
	t.Risk = s.riskP
	s.treatment = t
	s.accountant = pie.NewAccountant(cfg.Policy, cfg.GrowthRate, matching.GroupSize)

	matcherSeed := rng.Int64()
	if s.matcher == nil {
		mode, err := matching.ParseMode(string(cfg.Matching))
		if err != nil {
			return nil, &ConfigurationError{Field: "matching", Reason: err.Error(), Err: err}
		}
		if s.matcher, err = matching.New(mode, matcherSeed); err != nil {
			return nil, &ConfigurationError{Field: "matching", Reason: err.Error(), Err: err}
		}
	}

	for _, id := range s.order {
		s.players[id] = &Player{
			ID:        id,
			PaidRound: rng.IntN(cfg.Rounds) + 1,
			decisions: make(map[int]map[pie.Period]Decision),
		}
	}

	s.round = 1
	if err := s.startRoundLocked(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("treatment", t.Code).
		Float64("risk", s.riskP).
		Str("matching", string(cfg.Matching)).
		Int("players", len(players)).
		Int("rounds", cfg.Rounds).
		Msg("Session created")
	return s, nil
}

// Start announces every player's first stage to the monitor.
func (s *Session) Start() {
	s.mu.Lock()
	var ev events
	for _, id := range s.order {
		ev.stage(s.stageEventLocked(s.players[id]))
	}
	s.release(ev)
}

// events queues monitor notifications produced while holding the lock.
type events []func(SessionMonitor)

func (e *events) stage(se StageEvent) {
	*e = append(*e, func(m SessionMonitor) { m.OnStageEntered(se) })
}

func (e *events) add(fn func(SessionMonitor)) {
	*e = append(*e, fn)
}

// release unlocks the session and dispatches queued events in order.
func (s *Session) release(ev events) {
	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()
	for _, fn := range ev {
		fn(s.monitor)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Treatment returns the assigned treatment.
func (s *Session) Treatment() treatment.Treatment { return s.treatment }

// RiskProbability returns the depletion probability in effect.
func (s *Session) RiskProbability() float64 { return s.riskP }

// Players returns the player IDs in round-1 order.
func (s *Session) Players() []int { return slices.Clone(s.order) }

// Round returns the current round number.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Complete reports whether the last round has ended.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Stage returns the player's current stage.
func (s *Session) Stage(player int) (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[player]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	return p.stage, nil
}

// Pairing returns the current round's groups.
func (s *Session) Pairing() []matching.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]matching.Group, len(s.pairs))
	for i, pr := range s.pairs {
		out[i] = slices.Clone(pr.Members)
	}
	return out
}

// FormFields returns the input fields the player must fill in now, or nil
// outside decision stages.
func (s *Session) FormFields(player int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[player]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	if p.stage.Kind() != KindDecision {
		return nil, nil
	}
	slot := s.pairOf[player].Members.Slot(player)
	return FieldsFor(slot, p.stage.Period()).Names(), nil
}

// Submit delivers a player's decision for the current decision stage.
// values is keyed by the player's field names. A *ValidationError leaves
// every piece of state untouched.
func (s *Session) Submit(player int, values map[string]float64) error {
	s.mu.Lock()
	var ev events
	err := s.submitLocked(&ev, player, values, false)
	s.release(ev)
	return err
}

// Advance leaves a feedback stage.
func (s *Session) Advance(player int) error {
	s.mu.Lock()
	var ev events
	err := s.advanceLocked(&ev, player)
	s.release(ev)
	return err
}

// Timeout signals that the page timer for (round, stage) expired. Stale
// signals for a stage the player already left are ignored and report false.
// A timed-out decision counts as zero extraction and zero guess.
func (s *Session) Timeout(player, round int, stage Stage) (bool, error) {
	s.mu.Lock()
	var ev events
	applied, err := s.timeoutLocked(&ev, player, round, stage)
	s.release(ev)
	return applied, err
}

func (s *Session) timeoutLocked(ev *events, player, round int, stage Stage) (bool, error) {
	if s.complete {
		return false, nil
	}
	p, ok := s.players[player]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	if s.round != round || p.stage != stage {
		return false, nil
	}

	s.logger.Info().Int("player", player).Int("round", round).Str("stage", string(stage)).Msg("Page timeout")
	switch stage.Kind() {
	case KindDecision:
		return true, s.submitLocked(ev, player, nil, true)
	case KindFeedback:
		return true, s.advanceLocked(ev, player)
	}
	return false, nil
}

// Validate returns the rejection reason for values, or "" when they would
// be accepted. It has no side effects.
func (s *Session) Validate(player int, values map[string]float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, pair, err := s.decisionContextLocked(player)
	if err != nil {
		return "", err
	}
	slot := pair.Members.Slot(player)
	if _, err := s.parseLocked(pair, slot, p.stage.Period(), values); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Session) decisionContextLocked(player int) (*Player, *Pair, error) {
	if s.complete {
		return nil, nil, ErrSessionComplete
	}
	p, ok := s.players[player]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	if p.stage.Kind() != KindDecision {
		return nil, nil, fmt.Errorf("%w: %s is not a decision stage", ErrWrongStage, p.stage)
	}
	return p, s.pairOf[player], nil
}

// maxExtractionLocked is the bound applied to a decision in period. It is
// never below zero so that a zero extraction is always acceptable.
func (s *Session) maxExtractionLocked(pair *Pair, period pie.Period) float64 {
	return math.Max(0, pair.Pool.PieFor(period)/2)
}

func (s *Session) parseLocked(pair *Pair, slot int, period pie.Period, values map[string]float64) (Decision, error) {
	fields := FieldsFor(slot, period)
	extract, ok := values[fields.Extract]
	if !ok {
		return Decision{}, &ValidationError{Field: fields.Extract, Reason: "Please enter how much you want to extract."}
	}
	guess, ok := values[fields.Guess]
	if !ok {
		return Decision{}, &ValidationError{Field: fields.Guess, Reason: "Please enter your guess of the other participant's extraction."}
	}

	for _, f := range []struct {
		name  string
		value float64
	}{{fields.Extract, extract}, {fields.Guess, guess}} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return Decision{}, &ValidationError{Field: f.name, Reason: "Please enter a number."}
		}
		if f.value < 0 {
			return Decision{}, &ValidationError{Field: f.name, Reason: "Values cannot be negative."}
		}
	}

	if period == pie.Period2 || s.cfg.BoundPeriod1 {
		limit := s.maxExtractionLocked(pair, period)
		if extract > limit {
			return Decision{}, &ValidationError{
				Field:  fields.Extract,
				Reason: fmt.Sprintf("You cannot extract more than %s, half of the current resource.", formatAmount(limit)),
			}
		}
		if guess > limit {
			return Decision{}, &ValidationError{
				Field:  fields.Guess,
				Reason: fmt.Sprintf("Your guess cannot exceed %s, half of the current resource.", formatAmount(limit)),
			}
		}
	}
	return Decision{Extract: extract, Guess: guess}, nil
}

func (s *Session) submitLocked(ev *events, player int, values map[string]float64, timedOut bool) error {
	p, pair, err := s.decisionContextLocked(player)
	if err != nil {
		return err
	}
	slot := pair.Members.Slot(player)
	period := p.stage.Period()
	if _, done := pair.submitted[period][slot]; done {
		return ErrAlreadySubmitted
	}

	d := Decision{TimedOut: true}
	if !timedOut {
		if d, err = s.parseLocked(pair, slot, period, values); err != nil {
			s.logger.Debug().Int("player", player).Err(err).Msg("Decision rejected")
			return err
		}
	}
	if err := s.accountant.RecordExtraction(pair.Pool, slot, period, d.Extract); err != nil {
		return err
	}

	pair.submitted[period][slot] = d
	if p.decisions[s.round] == nil {
		p.decisions[s.round] = make(map[pie.Period]Decision, 2)
	}
	p.decisions[s.round][period] = d

	de := DecisionEvent{
		SessionID: s.id,
		Round:     s.round,
		Pair:      pair.ID,
		Player:    player,
		Slot:      slot,
		Period:    period,
		Decision:  d,
	}
	ev.add(func(m SessionMonitor) { m.OnDecisionRecorded(de) })

	if period == pie.Period1 {
		s.enterStageLocked(ev, p, StagePeriod1Wait)
	} else {
		s.enterStageLocked(ev, p, StagePeriod2Wait)
	}

	if len(pair.submitted[period]) == len(pair.Members) {
		s.syncPairLocked(ev, pair, period)
	}
	return nil
}

func (s *Session) drawRisk() bool {
	return s.resolver.Resolve(s.riskP)
}

func (s *Session) syncPairLocked(ev *events, pair *Pair, period pie.Period) {
	pe := PairEvent{
		SessionID: s.id,
		Round:     s.round,
		Pair:      pair.ID,
		Members:   slices.Clone(pair.Members),
		Period:    period,
	}

	var next Stage
	switch period {
	case pie.Period1:
		s.accountant.SettlePeriod1(pair.Pool, s.drawRisk)
		pe.TotalExtraction = pair.Pool.TotalExtractionT1
		pe.PieSize = pair.Pool.Initial
		pe.Remaining = pie.Remaining(pair.Pool.Initial, pair.Pool.TotalExtractionT1)
		pe.NextPieSize = pair.Pool.PieSizeT2
		if pair.Pool.RiskApplied {
			s.queueRiskLocked(ev, pair)
		}
		next = StageFeedback1
	default:
		var total float64
		for _, d := range pair.submitted[pie.Period2] {
			total += d.Extract
		}
		pe.TotalExtraction = total
		pe.PieSize = pair.Pool.PieSizeT2
		pe.Remaining = pie.Remaining(pair.Pool.PieSizeT2, total)
		next = StageFeedback2
	}

	s.logger.Debug().
		Int("round", s.round).
		Int("pair", pair.ID).
		Str("period", period.String()).
		Float64("total_extraction", pe.TotalExtraction).
		Float64("next_pie", pe.NextPieSize).
		Msg("Pair synchronised")
	ev.add(func(m SessionMonitor) { m.OnPairResolved(pe) })

	for _, id := range pair.Members {
		s.enterStageLocked(ev, s.players[id], next)
	}
}

func (s *Session) queueRiskLocked(ev *events, pair *Pair) {
	re := RiskEvent{
		SessionID:   s.id,
		Round:       s.round,
		Pair:        pair.ID,
		Probability: s.riskP,
		Destroyed:   pair.Pool.Destroyed,
		PieSize:     pair.Pool.PieSizeT2,
	}
	ev.add(func(m SessionMonitor) { m.OnRiskResolved(re) })
}

func (s *Session) advanceLocked(ev *events, player int) error {
	if s.complete {
		return ErrSessionComplete
	}
	p, ok := s.players[player]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}

	switch p.stage {
	case StageFeedback1:
		pair := s.pairOf[player]
		if s.accountant.ApplyDeferredRisk(pair.Pool, s.drawRisk) {
			s.queueRiskLocked(ev, pair)
		}
		s.enterStageLocked(ev, p, StagePeriod2)
		return nil
	case StageFeedback2:
		s.enterStageLocked(ev, p, StageRoundWait)
		for _, id := range s.order {
			if s.players[id].stage != StageRoundWait {
				return nil
			}
		}
		return s.endRoundLocked(ev)
	}
	return fmt.Errorf("%w: %s is not a feedback stage", ErrWrongStage, p.stage)
}

func (s *Session) endRoundLocked(ev *events) error {
	finished := s.round
	re := RoundEvent{SessionID: s.id, Round: finished}

	if finished >= s.cfg.Rounds {
		s.complete = true
		ev.add(func(m SessionMonitor) { m.OnRoundEnded(re) })
		for _, id := range s.order {
			s.enterStageLocked(ev, s.players[id], StageDone)
		}
		summary := s.summaryLocked()
		ev.add(func(m SessionMonitor) { m.OnSessionComplete(summary) })
		s.logger.Info().Int("rounds", finished).Msg("Session complete")
		return nil
	}

	s.round++
	if err := s.startRoundLocked(); err != nil {
		return err
	}
	re.NextRound = s.round
	for _, pr := range s.pairs {
		re.Pairing = append(re.Pairing, slices.Clone(pr.Members))
	}
	ev.add(func(m SessionMonitor) { m.OnRoundEnded(re) })
	s.logger.Info().Int("round", s.round).Msg("Round started")

	for _, id := range s.order {
		ev.stage(s.stageEventLocked(s.players[id]))
	}
	return nil
}

// startRoundLocked computes the pairing for s.round, creates fresh pairs
// with the initial pie and no extraction, and puts every player on the
// period-1 decision. Stage changes are announced by the caller.
func (s *Session) startRoundLocked() error {
	groups, err := s.matcher.Pairing(s.order, s.round)
	if err != nil {
		return &ConfigurationError{Field: "matching", Reason: err.Error(), Err: err}
	}

	s.pairs = make([]*Pair, len(groups))
	clear(s.pairOf)
	for i, g := range groups {
		pr := newPair(i+1, s.round, g, s.cfg.InitialPie)
		s.pairs[i] = pr
		for _, id := range g {
			s.pairOf[id] = pr
		}
	}
	for _, id := range s.order {
		s.players[id].stage = StagePeriod1
	}
	return nil
}

func (s *Session) enterStageLocked(ev *events, p *Player, stage Stage) {
	p.stage = stage
	ev.stage(s.stageEventLocked(p))
}
