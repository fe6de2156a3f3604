package experiment

import (
	"fmt"

	"github.com/lox/cprbargain/internal/pie"
)

// Stage is a page in the per-round sequence.
type Stage string

const (
	StagePeriod1     Stage = "period1"
	StagePeriod1Wait Stage = "period1_wait"
	StageFeedback1   Stage = "feedback1"
	StagePeriod2     Stage = "period2"
	StagePeriod2Wait Stage = "period2_wait"
	StageFeedback2   Stage = "feedback2"
	StageRoundWait   Stage = "round_wait"
	// StageDone follows the last round and is not part of the page sequence.
	StageDone Stage = "done"
)

var pageSequence = []Stage{
	StagePeriod1,
	StagePeriod1Wait,
	StageFeedback1,
	StagePeriod2,
	StagePeriod2Wait,
	StageFeedback2,
	StageRoundWait,
}

// PageSequence returns the ordered stages every round walks through.
func PageSequence() []Stage {
	out := make([]Stage, len(pageSequence))
	copy(out, pageSequence)
	return out
}

// Kind classifies a stage.
type Kind int

const (
	KindDecision Kind = iota
	KindWait
	KindFeedback
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindDecision:
		return "decision"
	case KindWait:
		return "wait"
	case KindFeedback:
		return "feedback"
	case KindTerminal:
		return "terminal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kind returns the stage classification.
func (s Stage) Kind() Kind {
	switch s {
	case StagePeriod1, StagePeriod2:
		return KindDecision
	case StagePeriod1Wait, StagePeriod2Wait, StageRoundWait:
		return KindWait
	case StageFeedback1, StageFeedback2:
		return KindFeedback
	}
	return KindTerminal
}

// Period returns the extraction period the stage belongs to, or 0 for
// stages outside a period.
func (s Stage) Period() pie.Period {
	switch s {
	case StagePeriod1, StagePeriod1Wait, StageFeedback1:
		return pie.Period1
	case StagePeriod2, StagePeriod2Wait, StageFeedback2:
		return pie.Period2
	}
	return 0
}

// FieldSet names the form fields a slot fills in for one period.
type FieldSet struct {
	Extract string `json:"extract"`
	Guess   string `json:"guess"`
}

// Names returns the field names in display order.
func (f FieldSet) Names() []string {
	return []string{f.Extract, f.Guess}
}

// FieldsFor returns the fields of slot in period.
func FieldsFor(slot int, period pie.Period) FieldSet {
	return FieldSet{
		Extract: fmt.Sprintf("extract_me_p%d_t%d", slot, int(period)),
		Guess:   fmt.Sprintf("guess_other_p%d_t%d", slot, int(period)),
	}
}
