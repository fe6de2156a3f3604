package main

import (
	"fmt"
	"time"

	"github.com/lox/cprbargain/cmd/cprbarg/shared"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/sdk/config"
	"github.com/lox/cprbargain/sdk/strategy"
)

// BotCmd joins a running server with an automated strategy. Unset flags fall
// back to the CPRBARG_* environment variables.
type BotCmd struct {
	Strategy string `arg:"" optional:"" help:"Strategy to play (random, greedy, cooperative, reciprocal)"`
	Server   string `help:"Server websocket URL"`
	Name     string `help:"Join name (defaults to <strategy>-NNNN)"`
	Seed     int64  `help:"Seed for the strategy (0 for random)"`
	Debug    bool   `help:"Enable debug logging"`
}

func (c *BotCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)

	env, err := config.FromEnv()
	if err != nil {
		return err
	}
	if c.Strategy == "" {
		c.Strategy = env.Strategy
	}
	if c.Server == "" {
		c.Server = env.ServerURL
	}
	if c.Name == "" {
		c.Name = env.Name
	}
	if c.Seed == 0 {
		c.Seed = env.Seed
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}

	rng := randutil.New(c.Seed)
	s, err := strategy.New(c.Strategy, rng)
	if err != nil {
		return err
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s-%04d", s.Name(), rng.IntN(10000))
	}

	ctx := shared.SetupSignalHandlerWithLogger(logger)
	bot, err := strategy.Run(ctx, s, c.Server, c.Name, logger)
	if err != nil {
		return err
	}
	if summary, ok := bot.Summary(); ok {
		logger.Info().Str("session_id", summary.SessionID).Int("players", len(summary.Players)).Msg("Session complete")
	}
	return nil
}
