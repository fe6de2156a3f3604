package server

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/pie"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
	destroyedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	survivedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	completeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

// PrettyPrintMonitor writes a readable transcript of pair outcomes.
type PrettyPrintMonitor struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewPrettyPrintMonitor creates a monitor writing to writer, or stdout.
func NewPrettyPrintMonitor(writer io.Writer) *PrettyPrintMonitor {
	if writer == nil {
		writer = os.Stdout
	}
	return &PrettyPrintMonitor{writer: writer}
}

func (p *PrettyPrintMonitor) OnStageEntered(experiment.StageEvent)         {}
func (p *PrettyPrintMonitor) OnDecisionRecorded(experiment.DecisionEvent) {}

// OnPairResolved prints the pair's totals at each barrier.
func (p *PrettyPrintMonitor) OnPairResolved(e experiment.PairEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("round %d pair %d %v %s: extracted %s of %s, remaining %s",
		e.Round, e.Pair, e.Members, e.Period, amount(e.TotalExtraction), amount(e.PieSize), amount(e.Remaining))
	if e.Period == pie.Period1 {
		line += dimStyle.Render(fmt.Sprintf(" (next pie %s)", amount(e.NextPieSize)))
	}
	fmt.Fprintln(p.writer, line)
}

// OnRiskResolved prints the depletion draw.
func (p *PrettyPrintMonitor) OnRiskResolved(e experiment.RiskEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := survivedStyle.Render("survived")
	if e.Destroyed {
		outcome = destroyedStyle.Render("destroyed")
	}
	fmt.Fprintf(p.writer, "round %d pair %d risk %s%%: %s\n", e.Round, e.Pair, amount(e.Probability*100), outcome)
}

// OnRoundEnded prints a round header.
func (p *PrettyPrintMonitor) OnRoundEnded(e experiment.RoundEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.NextRound == 0 {
		return
	}
	pairs := make([]string, len(e.Pairing))
	for i, g := range e.Pairing {
		pairs[i] = fmt.Sprint(g)
	}
	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, headerStyle.Render(fmt.Sprintf("=== Round %d ===", e.NextRound))+" "+dimStyle.Render(strings.Join(pairs, " ")))
}

// OnSessionComplete prints the payment table.
func (p *PrettyPrintMonitor) OnSessionComplete(summary experiment.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, completeStyle.Render("=== SESSION COMPLETED ==="))
	fmt.Fprintln(p.writer, RenderSummary(summary))
}

// RenderSummary formats the end-of-session report as a table.
func RenderSummary(summary experiment.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s, treatment %s, %d rounds\n", summary.SessionID, summary.Treatment, summary.Rounds)

	header := lipgloss.NewStyle().Bold(true).Width(12)
	cell := lipgloss.NewStyle().Width(12)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		header.Render("player"), header.Render("paid round"), header.Render("period 1"),
		header.Render("period 2"), header.Render("timeouts")))
	for _, ps := range summary.Players {
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			cell.Render(strconv.Itoa(ps.Player)), cell.Render(strconv.Itoa(ps.PaidRound)),
			cell.Render(amount(ps.ExtractionT1)), cell.Render(amount(ps.ExtractionT2)),
			cell.Render(strconv.Itoa(ps.Timeouts))))
	}
	return b.String()
}

func amount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ experiment.SessionMonitor = (*PrettyPrintMonitor)(nil)
