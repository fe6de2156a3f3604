package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lox/cprbargain/cmd/cprbarg/shared"
	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/history"
	"github.com/lox/cprbargain/internal/server"
)

// HistoryCmd prints a recorded session from the HISTORY_DB_* database.
type HistoryCmd struct {
	SessionID string `arg:"" optional:"" help:"Session ID to show (lists recent sessions when omitted)"`
	Limit     int    `default:"20" help:"Number of sessions to list"`
	Decisions bool   `help:"Also list every decision"`
	Debug     bool   `help:"Enable debug logging"`
}

func (c *HistoryCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)
	ctx := context.Background()

	store, err := openHistory(ctx, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("session history is disabled (HISTORY_DB_DIALECT=none)")
	}
	defer func() { _ = store.Close() }()

	if c.SessionID == "" {
		return listSessions(ctx, os.Stdout, store, c.Limit)
	}
	return printSession(ctx, os.Stdout, store, c.SessionID, c.Decisions)
}

func listSessions(ctx context.Context, w io.Writer, store *history.Store, limit int) error {
	sessions, err := store.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded")
		return nil
	}
	for _, s := range sessions {
		status := "in progress"
		if s.Completed {
			status = "completed"
		}
		fmt.Fprintf(w, "%s  %-16s %d players, %d rounds, %s\n", s.ID, s.Treatment, s.Players, s.Rounds, status)
	}
	return nil
}

func printSession(ctx context.Context, w io.Writer, store *history.Store, id string, withDecisions bool) error {
	sess, err := store.Session(ctx, id)
	if err != nil {
		return err
	}
	pairs, err := store.Pairs(ctx, id)
	if err != nil {
		return err
	}
	draws, err := store.RiskDraws(ctx, id)
	if err != nil {
		return err
	}
	payments, err := store.Payments(ctx, id)
	if err != nil {
		return err
	}

	status := "in progress"
	if sess.Completed {
		status = "completed"
	}
	fmt.Fprintf(w, "Session %s (%s): treatment %s, risk %v, %d players\n\n", sess.ID, status, sess.Treatment, sess.Risk, sess.Players)

	for _, p := range pairs {
		fmt.Fprintf(w, "round %d pair %d %v period %d: extracted %v of %v, remaining %v\n",
			p.Round, p.Pair, p.Members, p.Period, p.TotalExtraction, p.PieSize, p.Remaining)
	}
	for _, d := range draws {
		outcome := "survived"
		if d.Destroyed {
			outcome = "destroyed"
		}
		fmt.Fprintf(w, "round %d pair %d risk %v: %s\n", d.Round, d.Pair, d.Probability, outcome)
	}

	if withDecisions {
		decisions, err := store.Decisions(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		for _, d := range decisions {
			timeout := ""
			if d.TimedOut {
				timeout = " (timed out)"
			}
			fmt.Fprintf(w, "round %d period %d player %d: extract %v guess %v%s\n",
				d.Round, d.Period, d.Player, d.Extract, d.Guess, timeout)
		}
	}

	if len(payments) > 0 {
		summary := experiment.Summary{SessionID: sess.ID, Treatment: sess.Treatment, Rounds: sess.Rounds}
		for _, p := range payments {
			summary.Players = append(summary.Players, experiment.PlayerSummary{
				Player:       p.Player,
				PaidRound:    p.PaidRound,
				ExtractionT1: p.ExtractionT1,
				ExtractionT2: p.ExtractionT2,
				Timeouts:     p.Timeouts,
			})
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, server.RenderSummary(summary))
	}
	return nil
}
