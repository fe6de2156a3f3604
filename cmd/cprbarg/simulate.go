package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/cprbargain/cmd/cprbarg/shared"
	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/server"
	"github.com/lox/cprbargain/sdk/spawner"
	"github.com/lox/cprbargain/sdk/strategy"
)

// SimulateCmd starts a server on a random port and fills it with bots.
type SimulateCmd struct {
	Config       string   `short:"c" default:"cprbarg.hcl" help:"Path to HCL configuration file"`
	Spec         string   `default:"greedy:2,cooperative:2" help:"Bot specification (e.g. greedy:2,random:1,reciprocal:1)"`
	BotCmd       []string `help:"External participant command, reading CPRBARG_* variables (repeatable)"`
	Count        int      `default:"1" help:"Copies of each --bot-cmd to start"`
	Rounds       int      `help:"Number of rounds (overrides config)"`
	Matching     string   `help:"Matching mode, stranger or rotating (overrides config)"`
	Treatment    string   `help:"Treatment code (overrides config)"`
	Seed         int64    `help:"Seed for deterministic runs (0 for random)"`
	Pretty       bool     `default:"true" negatable:"" help:"Print pair outcomes as they happen"`
	NoColor      bool     `help:"Disable colored output"`
	WriteSummary string   `help:"Write the session summary as JSON to this file"`
	History      bool     `help:"Record the session (see HISTORY_DB_* environment variables)"`
	LogLevel     string   `default:"warn" enum:"debug,info,warn,error" help:"Log level"`
}

type botSpec struct {
	strategy string
	count    int
}

func parseSpec(spec string) ([]botSpec, error) {
	var out []botSpec
	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, countStr, found := strings.Cut(part, ":")
		count := 1
		if found {
			n, err := strconv.Atoi(countStr)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid count in %q", part)
			}
			count = n
		}
		if _, err := strategy.New(name, randutil.New(0)); err != nil {
			return nil, err
		}
		out = append(out, botSpec{strategy: name, count: count})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty bot specification")
	}
	return out, nil
}

func (c *SimulateCmd) Run() error {
	logger := shared.NewLogger(os.Stderr, shared.ParseLevel(c.LogLevel))

	var specs []botSpec
	if c.Spec != "" || len(c.BotCmd) == 0 {
		parsed, err := parseSpec(c.Spec)
		if err != nil {
			return err
		}
		specs = parsed
	}
	total := 0
	for _, s := range specs {
		total += s.count
	}
	total += len(c.BotCmd) * max(1, c.Count)

	cfg, err := server.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	cfg.Participants = total
	if c.Rounds > 0 {
		cfg.Session.Rounds = c.Rounds
	}
	if c.Matching != "" {
		mode, err := matching.ParseMode(c.Matching)
		if err != nil {
			return err
		}
		cfg.Session.Matching = mode
	}
	if c.Treatment != "" {
		cfg.Treatment = c.Treatment
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cfg.Seed = &seed
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := shared.SetupSignalHandlerWithLogger(logger)

	if c.NoColor {
		shared.DisableColor()
	}
	opts := []server.Option{server.WithConfig(cfg)}
	if c.Pretty {
		opts = append(opts, server.WithMonitor(server.NewPrettyPrintMonitor(os.Stdout)))
	}
	if c.History {
		store, err := openHistory(ctx, logger)
		if err != nil {
			return err
		}
		if store != nil {
			defer func() { _ = store.Close() }()
			opts = append(opts, server.WithHistory(store))
		}
	}
	s := server.NewServer(logger, randutil.NewShared(seed), opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	wsURL := fmt.Sprintf("ws://%s/ws", listener.Addr())
	logger.Info().Str("url", wsURL).Int("bots", total).Int64("seed", seed).Msg("Starting simulation")

	g, gctx := errgroup.WithContext(ctx)
	external := spawner.New(wsURL, seed, logger)
	g.Go(func() error {
		defer external.StopAll()
		return runUntilComplete(gctx, logger, s, func() error { return s.Serve(listener) }, 500*time.Millisecond)
	})
	for _, command := range c.BotCmd {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			continue
		}
		if err := external.Spawn(gctx, spawner.BotSpec{Command: parts[0], Args: parts[1:], Count: c.Count}); err != nil {
			return err
		}
	}
	g.Go(func() error {
		if err := external.Wait(); err != nil {
			logger.Warn().Err(err).Msg("External participant failed")
		}
		return nil
	})

	botSeeds := randutil.Derive(seed, 0)
	n := 0
	for _, spec := range specs {
		for range spec.count {
			n++
			strat, err := strategy.New(spec.strategy, randutil.New(botSeeds.Int64()))
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s-%d", spec.strategy, n)
			g.Go(func() error {
				_, err := strategy.Run(gctx, strat, wsURL, name, logger)
				return err
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if sess := s.Session(); sess != nil && !c.Pretty {
		fmt.Println(server.RenderSummary(sess.Summary()))
	}
	return writeSummary(logger, s, c.WriteSummary)
}
