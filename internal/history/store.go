// Package history persists session results to SQL. It plugs into a session
// as an experiment.SessionMonitor.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lox/cprbargain/internal/experiment"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

const writeTimeout = 5 * time.Second

// Store writes session events to a database.
type Store struct {
	dialect Dialect
	db      *sql.DB
	clock   quartz.Clock
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Open connects, pings and migrates the database described by cfg.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("history store is disabled")
	}

	driverName, dsn := cfg.driver()
	if cfg.Dialect == DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Dialect, err)
	}

	s := &Store{
		dialect: cfg.Dialect,
		db:      db,
		clock:   quartz.NewReal(),
		logger:  logger.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info().Str("dialect", string(cfg.Dialect)).Msg("History store ready")
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bind(pos int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (s *Store) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = s.bind(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(ph, ", "))
}

func (s *Store) migrate(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", s.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := s.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, s.clock.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		s.logger.Debug().Str("migration", base).Msg("Applied migration")
	}
	return nil
}

// SessionInfo describes a session when it is created.
type SessionInfo struct {
	ID        string
	Treatment string
	Risk      float64
	Rounds    int
	Players   int
}

// RecordSession stores the session header row.
func (s *Store) RecordSession(ctx context.Context, info SessionInfo) error {
	q := s.insertQuery("sessions", []string{"id", "treatment", "risk", "rounds", "players", "created_at"})
	if _, err := s.db.ExecContext(ctx, q, info.ID, info.Treatment, info.Risk, info.Rounds, info.Players, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("insert session %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) exec(what string, query string, args ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("record", what).Msg("Failed to persist event")
	}
}

// OnStageEntered is not persisted.
func (s *Store) OnStageEntered(experiment.StageEvent) {}

// OnDecisionRecorded stores one decision row.
func (s *Store) OnDecisionRecorded(e experiment.DecisionEvent) {
	q := s.insertQuery("decisions", []string{
		"session_id", "round", "period", "pair_id", "player", "slot", "extraction", "guess_other", "timed_out",
	})
	s.exec("decision", q, e.SessionID, e.Round, int(e.Period), e.Pair, e.Player, e.Slot,
		e.Decision.Extract, e.Decision.Guess, e.Decision.TimedOut)
}

// OnPairResolved stores the pair's totals for the period.
func (s *Store) OnPairResolved(e experiment.PairEvent) {
	var a, b int
	if len(e.Members) > 0 {
		a = e.Members[0]
	}
	if len(e.Members) > 1 {
		b = e.Members[1]
	}
	q := s.insertQuery("pair_periods", []string{
		"session_id", "round", "period", "pair_id", "member_a", "member_b",
		"total_extraction", "pie_size", "remaining", "next_pie_size",
	})
	s.exec("pair", q, e.SessionID, e.Round, int(e.Period), e.Pair, a, b,
		e.TotalExtraction, e.PieSize, e.Remaining, e.NextPieSize)
}

// OnRiskResolved stores the depletion draw outcome.
func (s *Store) OnRiskResolved(e experiment.RiskEvent) {
	q := s.insertQuery("risk_draws", []string{"session_id", "round", "pair_id", "probability", "destroyed", "pie_size"})
	s.exec("risk", q, e.SessionID, e.Round, e.Pair, e.Probability, e.Destroyed, e.PieSize)
}

// OnRoundEnded is not persisted; rounds are implied by decision rows.
func (s *Store) OnRoundEnded(experiment.RoundEvent) {}

// OnSessionComplete stores the payment rows and closes the session.
func (s *Store) OnSessionComplete(summary experiment.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.recordSummary(ctx, summary); err != nil {
		s.logger.Error().Err(err).Str("session_id", summary.SessionID).Msg("Failed to persist summary")
	}
}

func (s *Store) recordSummary(ctx context.Context, summary experiment.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	q := s.insertQuery("payments", []string{"session_id", "player", "paid_round", "extraction_t1", "extraction_t2", "timeouts"})
	for _, p := range summary.Players {
		if _, err := tx.ExecContext(ctx, q, summary.SessionID, p.Player, p.PaidRound, p.ExtractionT1, p.ExtractionT2, p.Timeouts); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert payment for player %d: %w", p.Player, err)
		}
	}
	done := fmt.Sprintf("UPDATE sessions SET completed_at = %s WHERE id = %s", s.bind(1), s.bind(2))
	if _, err := tx.ExecContext(ctx, done, s.clock.Now().UTC(), summary.SessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("complete session: %w", err)
	}
	return tx.Commit()
}

var _ experiment.SessionMonitor = (*Store)(nil)
