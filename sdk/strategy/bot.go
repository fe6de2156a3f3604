package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/protocol"
	"github.com/lox/cprbargain/sdk/client"
)

// maxRetries bounds resubmissions after a rejection before falling back to zero.
const maxRetries = 3

// Bot adapts a Strategy to client.Handler. Feedback pages are left at once.
type Bot struct {
	strategy Strategy
	logger   zerolog.Logger
	retries  int
	summary  *experiment.Summary
}

// NewBot wraps s.
func NewBot(s Strategy, logger zerolog.Logger) *Bot {
	return &Bot{strategy: s, logger: logger}
}

// Summary returns the end-of-session report once received.
func (b *Bot) Summary() (experiment.Summary, bool) {
	if b.summary == nil {
		return experiment.Summary{}, false
	}
	return *b.summary, true
}

func (b *Bot) OnStage(state *client.State, st protocol.Stage) (client.Response, error) {
	switch st.Stage.Kind() {
	case experiment.KindDecision:
		if st.Decision == nil || len(st.Fields) != 2 {
			return client.Response{}, fmt.Errorf("decision page for round %d without fields", st.Round)
		}
		b.retries = 0
		extract, guess := b.strategy.Decide(*st.Decision, state.Feedback)
		b.logger.Debug().
			Int("round", st.Round).
			Str("stage", string(st.Stage)).
			Float64("extract", extract).
			Float64("guess", guess).
			Msg("Deciding")
		return submission(st.Fields, extract, guess), nil
	case experiment.KindFeedback:
		return client.Response{Advance: true}, nil
	}
	return client.Response{}, nil
}

func (b *Bot) OnRejected(state *client.State, r protocol.Rejected) (client.Response, error) {
	st := state.Current
	if st.Decision == nil || len(st.Fields) != 2 {
		return client.Response{}, nil
	}
	b.retries++
	if b.retries > maxRetries {
		b.logger.Warn().Str("reason", r.Reason).Msg("Giving up, submitting zero")
		return submission(st.Fields, 0, 0), nil
	}
	extract, guess := b.strategy.Decide(*st.Decision, state.Feedback)
	return submission(st.Fields, extract, guess), nil
}

func (b *Bot) OnSessionComplete(_ *client.State, summary experiment.Summary) error {
	b.summary = &summary
	return nil
}

func submission(fields []string, extract, guess float64) client.Response {
	return client.Response{Submit: map[string]float64{fields[0]: extract, fields[1]: guess}}
}

// Run connects a strategy bot and plays until the session completes or ctx
// is cancelled.
func Run(ctx context.Context, s Strategy, serverURL, name string, logger zerolog.Logger) (*Bot, error) {
	bot := NewBot(s, logger.With().Str("strategy", s.Name()).Logger())
	c := client.New(name, bot, logger)
	if err := c.Connect(ctx, serverURL); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	logger.Info().Str("name", name).Str("strategy", s.Name()).Msg("Bot connected")
	return bot, c.Run(ctx)
}

var _ client.Handler = (*Bot)(nil)
