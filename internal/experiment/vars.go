package experiment

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/lox/cprbargain/internal/pie"
)

// DecisionVars is the display data for a decision page.
type DecisionVars struct {
	Round         int        `json:"round"`
	Period        pie.Period `json:"period"`
	Slot          int        `json:"slot"`
	Fields        FieldSet   `json:"fields"`
	TotalResource float64    `json:"total_resource"`
	MaxExtraction float64    `json:"max_extraction"`
	GrowthPercent float64    `json:"growth_percent"`
	RiskPercent   float64    `json:"risk_percent"`
	Treatment     string     `json:"treatment"`
}

// FeedbackVars is the display data for a feedback page.
type FeedbackVars struct {
	Round           int        `json:"round"`
	Period          pie.Period `json:"period"`
	YourExtraction  float64    `json:"your_extraction"`
	OtherExtraction float64    `json:"other_extraction"`
	TotalExtraction float64    `json:"total_extraction"`
	RemainingPie    float64    `json:"remaining_pie"`
	PartnerTimedOut bool       `json:"partner_timed_out,omitempty"`
	Message         string     `json:"message"`
}

// View is everything a page needs to render a player's current stage.
type View struct {
	Player   int           `json:"player"`
	Round    int           `json:"round"`
	Rounds   int           `json:"rounds"`
	Stage    Stage         `json:"stage"`
	Kind     string        `json:"kind"`
	Decision *DecisionVars `json:"decision,omitempty"`
	Feedback *FeedbackVars `json:"feedback,omitempty"`
}

// View returns the player's current page data.
func (s *Session) View(player int) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[player]
	if !ok {
		return View{}, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	return s.viewLocked(p), nil
}

// DecisionVars returns the decision page data for the player's current
// decision stage.
func (s *Session) DecisionVars(player int) (DecisionVars, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[player]
	if !ok {
		return DecisionVars{}, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	if p.stage.Kind() != KindDecision {
		return DecisionVars{}, fmt.Errorf("%w: %s is not a decision stage", ErrWrongStage, p.stage)
	}
	return s.decisionVarsLocked(p), nil
}

// FeedbackVars returns the feedback page data for the player's current
// feedback stage.
func (s *Session) FeedbackVars(player int) (FeedbackVars, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[player]
	if !ok {
		return FeedbackVars{}, fmt.Errorf("%w: %d", ErrUnknownPlayer, player)
	}
	if p.stage.Kind() != KindFeedback {
		return FeedbackVars{}, fmt.Errorf("%w: %s is not a feedback stage", ErrWrongStage, p.stage)
	}
	return s.feedbackVarsLocked(p), nil
}

func (s *Session) viewLocked(p *Player) View {
	v := View{
		Player: p.ID,
		Round:  s.round,
		Rounds: s.cfg.Rounds,
		Stage:  p.stage,
		Kind:   p.stage.Kind().String(),
	}
	switch p.stage.Kind() {
	case KindDecision:
		dv := s.decisionVarsLocked(p)
		v.Decision = &dv
	case KindFeedback:
		fv := s.feedbackVarsLocked(p)
		v.Feedback = &fv
	}
	return v
}

func (s *Session) stageEventLocked(p *Player) StageEvent {
	return StageEvent{
		SessionID: s.id,
		Player:    p.ID,
		Round:     s.round,
		Stage:     p.stage,
		View:      s.viewLocked(p),
	}
}

func (s *Session) decisionVarsLocked(p *Player) DecisionVars {
	pair := s.pairOf[p.ID]
	slot := pair.Members.Slot(p.ID)
	period := p.stage.Period()
	return DecisionVars{
		Round:         s.round,
		Period:        period,
		Slot:          slot,
		Fields:        FieldsFor(slot, period),
		TotalResource: pair.Pool.PieFor(period),
		MaxExtraction: s.maxExtractionLocked(pair, period),
		GrowthPercent: s.cfg.GrowthPercent(),
		RiskPercent:   s.riskP * 100,
		Treatment:     s.treatment.Code,
	}
}

func (s *Session) feedbackVarsLocked(p *Player) FeedbackVars {
	pair := s.pairOf[p.ID]
	period := p.stage.Period()

	var mine, other Decision
	for slot, d := range pair.submitted[period] {
		if pair.Members[slot-1] == p.ID {
			mine = d
		} else {
			other = d
		}
	}
	total := mine.Extract + other.Extract
	remaining := pie.Remaining(pair.Pool.PieFor(period), mine.Extract, other.Extract)

	return FeedbackVars{
		Round:           s.round,
		Period:          period,
		YourExtraction:  mine.Extract,
		OtherExtraction: other.Extract,
		TotalExtraction: total,
		RemainingPie:    remaining,
		PartnerTimedOut: other.TimedOut,
		Message: fmt.Sprintf("You have extracted: %s.\nThe other participant has extracted: %s.\nRemaining pie: %s.",
			formatAmount(mine.Extract), formatAmount(other.Extract), formatAmount(remaining)),
	}
}

// PlayerSummary is one player's end-of-session record.
type PlayerSummary struct {
	Player       int     `json:"player"`
	PaidRound    int     `json:"paid_round"`
	ExtractionT1 float64 `json:"extraction_t1"`
	ExtractionT2 float64 `json:"extraction_t2"`
	Timeouts     int     `json:"timeouts"`
}

// Summary is the end-of-session report.
type Summary struct {
	SessionID string          `json:"session_id"`
	Treatment string          `json:"treatment"`
	Rounds    int             `json:"rounds"`
	Players   []PlayerSummary `json:"players"`
}

// Summary returns the per-player paid-round report. It can be called at any
// time; rounds not yet played report zero extraction.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) summaryLocked() Summary {
	out := Summary{
		SessionID: s.id,
		Treatment: s.treatment.Code,
		Rounds:    s.cfg.Rounds,
		Players:   make([]PlayerSummary, 0, len(s.order)),
	}
	for _, id := range s.order {
		p := s.players[id]
		ps := PlayerSummary{Player: id, PaidRound: p.PaidRound}
		paid := p.decisions[p.PaidRound]
		ps.ExtractionT1 = paid[pie.Period1].Extract
		ps.ExtractionT2 = paid[pie.Period2].Extract
		for _, byPeriod := range p.decisions {
			for _, d := range byPeriod {
				if d.TimedOut {
					ps.Timeouts++
				}
			}
		}
		out.Players = append(out.Players, ps)
	}
	return out
}

// PairState is a read-only copy of a pair.
type PairState struct {
	ID                int     `json:"id"`
	Members           []int   `json:"members"`
	TotalExtractionT1 float64 `json:"total_extraction_t1"`
	PieSizeT2         float64 `json:"pie_size_t2"`
	RiskApplied       bool    `json:"risk_applied"`
	Destroyed         bool    `json:"destroyed"`
}

// State is a read-only copy of the session.
type State struct {
	SessionID string        `json:"session_id"`
	Treatment string        `json:"treatment"`
	Round     int           `json:"round"`
	Complete  bool          `json:"complete"`
	Pairs     []PairState   `json:"pairs"`
	Stages    map[int]Stage `json:"stages"`
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		SessionID: s.id,
		Treatment: s.treatment.Code,
		Round:     s.round,
		Complete:  s.complete,
		Pairs:     make([]PairState, 0, len(s.pairs)),
		Stages:    make(map[int]Stage, len(s.players)),
	}
	for _, pr := range s.pairs {
		st.Pairs = append(st.Pairs, PairState{
			ID:                pr.ID,
			Members:           slices.Clone(pr.Members),
			TotalExtractionT1: pr.Pool.TotalExtractionT1,
			PieSizeT2:         pr.Pool.PieSizeT2,
			RiskApplied:       pr.Pool.RiskApplied,
			Destroyed:         pr.Pool.Destroyed,
		})
	}
	for id, p := range s.players {
		st.Stages[id] = p.stage
	}
	return st
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
