package experiment

import "github.com/lox/cprbargain/internal/pie"

// SessionMonitor receives notifications about session progress. Calls are
// made in order, outside the session lock, from the goroutine that caused
// the transition. Monitors must not block for long.
type SessionMonitor interface {
	// OnStageEntered is called whenever a player moves to a new stage.
	OnStageEntered(e StageEvent)

	// OnDecisionRecorded is called after a decision is accepted or defaulted.
	OnDecisionRecorded(e DecisionEvent)

	// OnPairResolved is called when both members of a pair pass a barrier.
	OnPairResolved(e PairEvent)

	// OnRiskResolved is called after the depletion draw for a pair.
	OnRiskResolved(e RiskEvent)

	// OnRoundEnded is called when the population barrier releases.
	OnRoundEnded(e RoundEvent)

	// OnSessionComplete is called once after the last round.
	OnSessionComplete(summary Summary)
}

// StageEvent describes a player's stage change.
type StageEvent struct {
	SessionID string
	Player    int
	Round     int
	Stage     Stage
	View      View
}

// DecisionEvent describes a recorded decision.
type DecisionEvent struct {
	SessionID string
	Round     int
	Pair      int
	Player    int
	Slot      int
	Period    pie.Period
	Decision  Decision
}

// PairEvent describes a pair crossing a period barrier.
type PairEvent struct {
	SessionID string
	Round     int
	Pair      int
	Members   []int
	Period    pie.Period
	// TotalExtraction is persisted for period 1 and transient for period 2.
	TotalExtraction float64
	PieSize         float64
	Remaining       float64
	// NextPieSize is the period-2 pie as known at the period-1 barrier.
	NextPieSize float64
}

// RiskEvent describes a depletion draw.
type RiskEvent struct {
	SessionID   string
	Round       int
	Pair        int
	Probability float64
	Destroyed   bool
	PieSize     float64
}

// RoundEvent describes the end of a round.
type RoundEvent struct {
	SessionID string
	Round     int
	NextRound int
	Pairing   [][]int
}

// NullSessionMonitor is a no-op implementation.
type NullSessionMonitor struct{}

func (NullSessionMonitor) OnStageEntered(StageEvent)         {}
func (NullSessionMonitor) OnDecisionRecorded(DecisionEvent) {}
func (NullSessionMonitor) OnPairResolved(PairEvent)         {}
func (NullSessionMonitor) OnRiskResolved(RiskEvent)         {}
func (NullSessionMonitor) OnRoundEnded(RoundEvent)          {}
func (NullSessionMonitor) OnSessionComplete(Summary)        {}

// MultiSessionMonitor fans events out to several monitors.
type MultiSessionMonitor struct {
	monitors []SessionMonitor
}

// NewMultiSessionMonitor builds a composite monitor, pruning nil entries and
// returning a NullSessionMonitor when none remain.
func NewMultiSessionMonitor(monitors ...SessionMonitor) SessionMonitor {
	filtered := make([]SessionMonitor, 0, len(monitors))
	for _, monitor := range monitors {
		if monitor != nil {
			filtered = append(filtered, monitor)
		}
	}

	switch len(filtered) {
	case 0:
		return NullSessionMonitor{}
	case 1:
		return filtered[0]
	default:
		return MultiSessionMonitor{monitors: filtered}
	}
}

func (m MultiSessionMonitor) OnStageEntered(e StageEvent) {
	for _, monitor := range m.monitors {
		monitor.OnStageEntered(e)
	}
}

func (m MultiSessionMonitor) OnDecisionRecorded(e DecisionEvent) {
	for _, monitor := range m.monitors {
		monitor.OnDecisionRecorded(e)
	}
}

func (m MultiSessionMonitor) OnPairResolved(e PairEvent) {
	for _, monitor := range m.monitors {
		monitor.OnPairResolved(e)
	}
}

func (m MultiSessionMonitor) OnRiskResolved(e RiskEvent) {
	for _, monitor := range m.monitors {
		monitor.OnRiskResolved(e)
	}
}

func (m MultiSessionMonitor) OnRoundEnded(e RoundEvent) {
	for _, monitor := range m.monitors {
		monitor.OnRoundEnded(e)
	}
}

func (m MultiSessionMonitor) OnSessionComplete(summary Summary) {
	for _, monitor := range m.monitors {
		monitor.OnSessionComplete(summary)
	}
}
