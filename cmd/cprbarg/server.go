package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/cprbargain/cmd/cprbarg/shared"
	"github.com/lox/cprbargain/internal/fileutil"
	"github.com/lox/cprbargain/internal/history"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/server"
)

// ServerCmd runs one session and exits once it completes.
type ServerCmd struct {
	Config       string        `short:"c" default:"cprbarg.hcl" help:"Path to HCL configuration file"`
	Addr         string        `help:"Server address (overrides config)"`
	Participants int           `help:"Population size (overrides config)"`
	Treatment    string        `help:"Treatment code (overrides config)"`
	Seed         *int64        `help:"Deterministic RNG seed (overrides config)"`
	Debug        bool          `help:"Enable debug logging"`
	Pretty       bool          `help:"Print pair outcomes to stdout"`
	NoColor      bool          `help:"Disable colored output"`
	WriteSummary string        `help:"Write the session summary as JSON to this file"`
	History      bool          `default:"true" negatable:"" help:"Record the session (see HISTORY_DB_* environment variables)"`
	Grace        time.Duration `default:"2s" help:"Time to let final messages flush before shutting down"`
}

func (c *ServerCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)

	cfg, err := server.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Address = c.Addr
	}
	if c.Participants != 0 {
		cfg.Participants = c.Participants
	}
	if c.Treatment != "" {
		cfg.Treatment = c.Treatment
	}
	if c.Seed != nil {
		cfg.Seed = c.Seed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := cfg.Catalog().Lookup(cfg.Treatment); err != nil && cfg.Assignment == server.AssignFixed {
		logger.Warn().Err(err).Msg("Treatment is not in the catalog, sessions will use the default risk")
	}

	ctx := shared.SetupSignalHandlerWithLogger(logger)
	rng := seededRNG(logger, cfg.Seed)

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

	s := server.NewServer(logger, rng, opts...)

	logger.Info().
		Str("address", cfg.Address).
		Int("participants", cfg.Participants).
		Int("rounds", cfg.Session.Rounds).
		Str("matching", string(cfg.Session.Matching)).
		Str("treatment", cfg.Treatment).
		Str("risk_table", cfg.RiskTable).
		Dur("decision_timeout", cfg.DecisionTimeout).
		Dur("bargaining_timeout", cfg.BargainingTimeout).
		Msg("Starting experiment server")

	if err := runUntilComplete(ctx, logger, s, func() error { return s.Start(cfg.Address) }, c.Grace); err != nil {
		return err
	}
	return writeSummary(logger, s, c.WriteSummary)
}

// writeSummary saves the summary of a started session to path, if set.
func writeSummary(logger zerolog.Logger, s *server.Server, path string) error {
	sess := s.Session()
	if path == "" || sess == nil {
		return nil
	}
	if err := fileutil.WriteJSON(path, sess.Summary()); err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("Wrote session summary")
	return nil
}

// runUntilComplete serves until the session completes or ctx is cancelled,
// then shuts the server down.
func runUntilComplete(ctx context.Context, logger zerolog.Logger, s *server.Server, serve func() error, grace time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info().Msg("Shutting down server...")
		case <-s.Done():
			logger.Info().Msg("Session complete, shutting down")
			select {
			case <-time.After(grace):
			case <-gctx.Done():
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func seededRNG(logger zerolog.Logger, seed *int64) *randutil.Shared {
	if seed != nil {
		logger.Info().Int64("seed", *seed).Msg("Using deterministic seed")
		return randutil.NewShared(*seed)
	}
	s := time.Now().UnixNano()
	logger.Info().Int64("seed", s).Msg("Using random seed")
	return randutil.NewShared(s)
}

// openHistory returns nil when recording is disabled by configuration.
func openHistory(ctx context.Context, logger zerolog.Logger) (*history.Store, error) {
	hcfg, err := history.LoadConfig()
	if err != nil {
		return nil, err
	}
	if !hcfg.Enabled() {
		logger.Info().Msg("Session history disabled")
		return nil, nil
	}
	store, err := history.Open(ctx, hcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}
