package history

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/internal/risk"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{Dialect: DialectSQLite, Path: filepath.Join(t.TempDir(), "history.sqlite")}
	store, err := Open(context.Background(), cfg, testLogger(), WithClock(quartz.NewMock(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func submitAll(t *testing.T, s *experiment.Session, values map[int][2]float64) {
	t.Helper()
	for _, id := range s.Players() {
		fields, err := s.FormFields(id)
		require.NoError(t, err)
		v := values[id]
		require.NoError(t, s.Submit(id, map[string]float64{fields[0]: v[0], fields[1]: v[1]}))
	}
}

func advanceAll(t *testing.T, s *experiment.Session) {
	t.Helper()
	for _, id := range s.Players() {
		require.NoError(t, s.Advance(id))
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HISTORY_DB_DIALECT", " Postgres ")
	t.Setenv("HISTORY_DB_DSN", "postgres://localhost/cprbarg")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, cfg.Dialect)
	assert.True(t, cfg.Enabled())
	name, dsn := cfg.driver()
	assert.Equal(t, "pgx", name)
	assert.Equal(t, "postgres://localhost/cprbarg", dsn)
}

func TestConfigDefaultsAndErrors(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, cfg.Dialect)
	assert.NotEmpty(t, cfg.Path)

	assert.False(t, Config{Dialect: DialectNone}.Enabled())
	assert.Error(t, Config{Dialect: DialectPostgres}.Validate())
	assert.Error(t, Config{Dialect: "mysql"}.Validate())

	_, err = Open(context.Background(), Config{Dialect: DialectNone}, testLogger())
	assert.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite")
	cfg := Config{Dialect: DialectSQLite, Path: path}

	first, err := Open(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStoreRecordsSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cfg := experiment.DefaultConfig()
	cfg.Rounds = 1
	cfg.Matching = matching.ModeRotating
	s, err := experiment.NewSession(cfg, []int{1, 2, 3, 4}, randutil.NewShared(9), testLogger(),
		experiment.WithID("sess-1"),
		experiment.WithMonitor(store),
		experiment.WithRiskTable(risk.Constant(1)))
	require.NoError(t, err)

	require.NoError(t, store.RecordSession(ctx, SessionInfo{
		ID:        s.ID(),
		Treatment: s.Treatment().Code,
		Risk:      s.RiskProbability(),
		Rounds:    cfg.Rounds,
		Players:   4,
	}))
	s.Start()

	submitAll(t, s, map[int][2]float64{1: {100, 50}, 2: {10, 10}, 3: {150, 60}, 4: {20, 20}})
	advanceAll(t, s)
	submitAll(t, s, map[int][2]float64{})
	advanceAll(t, s)
	require.True(t, s.Complete())

	header, err := store.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "baseline_risk", header.Treatment)
	assert.Equal(t, 1.0, header.Risk)
	assert.True(t, header.Completed)

	decisions, err := store.Decisions(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, decisions, 8)
	assert.Equal(t, DecisionRow{Round: 1, Period: 1, Pair: 1, Player: 1, Slot: 1, Extract: 100, Guess: 50}, decisions[0])

	pairs, err := store.Pairs(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, pairs, 4)
	assert.Equal(t, [2]int{1, 3}, pairs[0].Members)
	assert.Equal(t, 250.0, pairs[0].TotalExtraction)
	assert.Equal(t, 750.0, pairs[0].Remaining)
	assert.Zero(t, pairs[0].NextPieSize, "destroyed by risk")

	draws, err := store.RiskDraws(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, draws, 2)
	for _, d := range draws {
		assert.True(t, d.Destroyed)
	}

	payments, err := store.Payments(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, payments, 4)
	assert.Equal(t, 1, payments[0].PaidRound)
	assert.Equal(t, 100.0, payments[0].ExtractionT1)

	sessions, err := store.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, header, sessions[0])
}
