package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/protocol"
	"github.com/lox/cprbargain/sdk/client"
)

// Bridge forwards client callbacks into the Bubble Tea program. Replies
// come from the model, so every callback answers with an empty Response.
type Bridge struct {
	send func(tea.Msg)
}

// NewBridge creates a bridge delivering messages through send, normally
// (*tea.Program).Send.
func NewBridge(send func(tea.Msg)) *Bridge {
	return &Bridge{send: send}
}

func (b *Bridge) OnStage(_ *client.State, st protocol.Stage) (client.Response, error) {
	b.send(StageMsg{Stage: st})
	return client.Response{}, nil
}

func (b *Bridge) OnRejected(_ *client.State, r protocol.Rejected) (client.Response, error) {
	b.send(RejectedMsg{Rejected: r})
	return client.Response{}, nil
}

func (b *Bridge) OnSessionComplete(_ *client.State, summary experiment.Summary) error {
	b.send(CompleteMsg{Summary: summary})
	return nil
}

var _ client.Handler = (*Bridge)(nil)
