package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/history"
)

func TestParseSpec(t *testing.T) {
	specs, err := parseSpec("greedy:2, random ,reciprocal:1")
	require.NoError(t, err)
	assert.Equal(t, []botSpec{{"greedy", 2}, {"random", 1}, {"reciprocal", 1}}, specs)

	for _, bad := range []string{"", "greedy:0", "greedy:x", "psychic:2"} {
		_, err := parseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestSimulateRecordsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.sqlite")
	t.Setenv("HISTORY_DB_DIALECT", "sqlite")
	t.Setenv("HISTORY_DB_PATH", dbPath)

	cmd := SimulateCmd{
		Config:   filepath.Join(t.TempDir(), "missing.hcl"),
		Spec:     "greedy:1,cooperative:1",
		Rounds:   2,
		Matching: "rotating",
		Seed:     5,
		History:  true,
		LogLevel: "error",

		WriteSummary: filepath.Join(t.TempDir(), "summary.json"),
	}
	require.NoError(t, cmd.Run())

	data, err := os.ReadFile(cmd.WriteSummary)
	require.NoError(t, err)
	var summary experiment.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Len(t, summary.Players, 2)

	ctx := context.Background()
	store, err := history.Open(ctx, history.Config{Dialect: history.DialectSQLite, Path: dbPath}, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer store.Close()

	var list bytes.Buffer
	require.NoError(t, listSessions(ctx, &list, store, 5))
	assert.Contains(t, list.String(), "completed")

	sessions, err := store.Sessions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].Players)
	assert.Equal(t, 2, sessions[0].Rounds)

	var out bytes.Buffer
	require.NoError(t, printSession(ctx, &out, store, sessions[0].ID, true))
	text := out.String()
	assert.Contains(t, text, "round 2 pair 1")
	assert.Contains(t, text, "round 1 period 1 player 1")
	assert.Contains(t, text, "Session "+sessions[0].ID+", treatment")
}

func TestListSessionsEmpty(t *testing.T) {
	ctx := context.Background()
	store, err := history.Open(ctx, history.Config{Dialect: history.DialectSQLite, Path: filepath.Join(t.TempDir(), "h.sqlite")}, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer store.Close()

	var out bytes.Buffer
	require.NoError(t, listSessions(ctx, &out, store, 5))
	assert.Equal(t, "No sessions recorded\n", out.String())
}
