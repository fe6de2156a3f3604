// Package tui is the terminal front end for a human participant.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/pie"
	"github.com/lox/cprbargain/internal/protocol"
)

// Sender delivers the participant's input to the server.
type Sender interface {
	Submit(values map[string]float64) error
	Advance() error
}

// StageMsg carries a new page.
type StageMsg struct{ Stage protocol.Stage }

// RejectedMsg reports a failed submission.
type RejectedMsg struct{ Rejected protocol.Rejected }

// CompleteMsg carries the end-of-session report.
type CompleteMsg struct{ Summary experiment.Summary }

// DisconnectedMsg reports that the connection ended.
type DisconnectedMsg struct{ Err error }

// inputStep tracks which of the two decision values is being typed.
type inputStep int

const (
	stepExtract inputStep = iota
	stepGuess
)

// Model is the Bubble Tea model for a participant.
type Model struct {
	sender Sender
	logger *log.Logger

	logViewport viewport.Model
	input       textinput.Model

	entries []string
	current *protocol.Stage
	step    inputStep
	extract float64
	summary *experiment.Summary

	width, height int
	quitting      bool
}

// NewModel creates a participant model sending through sender.
func NewModel(sender Sender, logger *log.Logger) *Model {
	vp := viewport.New(10, 5)
	vp.SetContent("")

	ti := textinput.New()
	ti.Placeholder = "Waiting for the session to start"
	ti.Focus()
	ti.CharLimit = 20
	ti.Width = 40
	ti.PromptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	ti.Prompt = "> "

	return &Model{
		sender:      sender,
		logger:      logger.WithPrefix("tui"),
		logViewport: vp,
		input:       ti,
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// Entries returns the log lines shown so far.
func (m *Model) Entries() []string {
	return append([]string(nil), m.entries...)
}

// Summary returns the session report once it has arrived.
func (m *Model) Summary() (experiment.Summary, bool) {
	if m.summary == nil {
		return experiment.Summary{}, false
	}
	return *m.summary, true
}

func (m *Model) addEntry(format string, args ...any) {
	m.entries = append(m.entries, fmt.Sprintf(format, args...))
	m.logViewport.SetContent(strings.Join(m.entries, "\n"))
	m.logViewport.GotoBottom()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logger.Debug("Updating dimensions", "width", m.width, "height", m.height)

	case StageMsg:
		m.enterStage(msg.Stage)

	case RejectedMsg:
		m.addEntry("%s", ErrorStyle.Render(msg.Rejected.Reason))
		m.step = stepExtract
		m.input.Placeholder = "How much do you want to extract?"

	case CompleteMsg:
		m.summary = &msg.Summary
		m.current = nil
		m.addEntry("%s", HeaderStyle.Render(" Session complete "))
		for _, ps := range msg.Summary.Players {
			m.addEntry("Player %d: paid round %d, extracted %s then %s",
				ps.Player, ps.PaidRound, amount(ps.ExtractionT1), amount(ps.ExtractionT2))
		}
		m.input.Placeholder = "Press esc to quit"

	case DisconnectedMsg:
		if msg.Err != nil {
			m.addEntry("%s", ErrorStyle.Render("Disconnected: "+msg.Err.Error()))
		} else if m.summary == nil {
			m.addEntry("%s", WarningStyle.Render("Disconnected"))
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			value := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if value == "/quit" {
				m.quitting = true
				return m, tea.Quit
			}
			m.handleInput(value)
			return m, nil
		case "pgup":
			m.logViewport.HalfPageUp()
		case "pgdown":
			m.logViewport.HalfPageDown()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.logViewport, cmd = m.logViewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) enterStage(st protocol.Stage) {
	m.current = &st
	m.step = stepExtract

	switch st.Stage.Kind() {
	case experiment.KindDecision:
		d := st.Decision
		if d == nil {
			m.logger.Warn("Decision page without data", "stage", st.Stage)
			return
		}
		if d.Period == pie.Period1 {
			m.addEntry("%s", HeaderStyle.Render(fmt.Sprintf(" Round %d of %d ", st.Round, st.Rounds)))
		}
		m.addEntry("Period %d: the resource holds %s. Growth %s%%, risk %s%%.",
			d.Period, ResourceStyle.Render(amount(d.TotalResource)), amount(d.GrowthPercent), amount(d.RiskPercent))
		m.addEntry("You may extract up to %s.", amount(d.MaxExtraction))
		m.input.Placeholder = "How much do you want to extract?"
	case experiment.KindWait:
		m.addEntry("%s", InfoStyle.Render("Waiting for the other participant..."))
		m.input.Placeholder = "Waiting"
	case experiment.KindFeedback:
		if st.Feedback != nil {
			for _, line := range strings.Split(st.Feedback.Message, "\n") {
				m.addEntry("%s", line)
			}
			if st.Feedback.PartnerTimedOut {
				m.addEntry("%s", WarningStyle.Render("The other participant did not answer in time."))
			}
		}
		m.input.Placeholder = "Press enter to continue"
	}
}

func (m *Model) handleInput(value string) {
	if m.current == nil {
		return
	}
	st := m.current

	switch st.Stage.Kind() {
	case experiment.KindDecision:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			m.addEntry("%s", ErrorStyle.Render("Please enter a number."))
			return
		}
		if len(st.Fields) != 2 {
			m.logger.Error("Decision page without fields", "stage", st.Stage)
			return
		}
		if m.step == stepExtract {
			m.extract = v
			m.step = stepGuess
			m.input.Placeholder = "How much do you think the other participant extracts?"
			return
		}
		m.addEntry("%s", PromptStyle.Render(fmt.Sprintf("Submitted: extract %s, guess %s", amount(m.extract), amount(v))))
		if err := m.sender.Submit(map[string]float64{st.Fields[0]: m.extract, st.Fields[1]: v}); err != nil {
			m.logger.Error("Submit failed", "error", err)
			m.addEntry("%s", ErrorStyle.Render("Submit failed: "+err.Error()))
		}
		m.step = stepExtract

	case experiment.KindFeedback:
		if err := m.sender.Advance(); err != nil {
			m.logger.Error("Advance failed", "error", err)
			m.addEntry("%s", ErrorStyle.Render("Advance failed: "+err.Error()))
		}
	}
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	sidebar := m.renderSidebar()
	sidebarWidth := max(25, lipgloss.Width(sidebar))
	inputPane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#04B575")).
		Width(max(1, m.width-2)).
		Render(m.input.View())

	logHeight := max(1, m.height-lipgloss.Height(inputPane)-2)
	m.logViewport.Width = max(1, m.width-sidebarWidth-4)
	m.logViewport.Height = logHeight

	logPane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#626262")).
		Render(m.logViewport.View())
	sidebarPane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#626262")).
		Width(sidebarWidth).
		Height(logHeight).
		Render(sidebar)

	return lipgloss.JoinVertical(lipgloss.Top, lipgloss.JoinHorizontal(lipgloss.Top, logPane, sidebarPane), inputPane)
}

func (m *Model) renderSidebar() string {
	var b strings.Builder
	if m.current == nil {
		b.WriteString(InfoStyle.Render("No active page"))
		return b.String()
	}
	st := m.current
	fmt.Fprintf(&b, "Player %d\n", st.Player)
	fmt.Fprintf(&b, "Round %d/%d\n", st.Round, st.Rounds)
	b.WriteString(WarningStyle.Render(string(st.Stage)))
	if st.TimeoutSeconds > 0 && !st.Deadline.IsZero() {
		fmt.Fprintf(&b, "\nDeadline %s", st.Deadline.Local().Format("15:04:05"))
	}
	return b.String()
}

func amount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
