package shared

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// DisableColor makes lipgloss render plain text, for piping transcripts to files.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}
