package history

import (
	"context"
	"database/sql"
	"fmt"
)

// DecisionRow is a stored decision.
type DecisionRow struct {
	Round    int
	Period   int
	Pair     int
	Player   int
	Slot     int
	Extract  float64
	Guess    float64
	TimedOut bool
}

// PairRow is a stored pair barrier.
type PairRow struct {
	Round           int
	Period          int
	Pair            int
	Members         [2]int
	TotalExtraction float64
	PieSize         float64
	Remaining       float64
	NextPieSize     float64
}

// RiskRow is a stored depletion draw.
type RiskRow struct {
	Round       int
	Pair        int
	Probability float64
	Destroyed   bool
	PieSize     float64
}

// PaymentRow is a stored end-of-session payment record.
type PaymentRow struct {
	Player       int
	PaidRound    int
	ExtractionT1 float64
	ExtractionT2 float64
	Timeouts     int
}

// SessionRow is a stored session header.
type SessionRow struct {
	ID        string
	Treatment string
	Risk      float64
	Rounds    int
	Players   int
	Completed bool
}

// Session returns the header row for id.
func (s *Store) Session(ctx context.Context, id string) (SessionRow, error) {
	q := fmt.Sprintf(`SELECT id, treatment, risk, rounds, players, completed_at IS NOT NULL
		FROM sessions WHERE id = %s`, s.bind(1))
	var row SessionRow
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row.ID, &row.Treatment, &row.Risk, &row.Rounds, &row.Players, &row.Completed)
	if err != nil {
		return SessionRow{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return row, nil
}

// Sessions returns up to limit session headers, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	q := fmt.Sprintf(`SELECT id, treatment, risk, rounds, players, completed_at IS NOT NULL
		FROM sessions ORDER BY created_at DESC, id LIMIT %s`, s.bind(1))
	return queryRows(ctx, s.db, q, limit, func(rows *sql.Rows) (SessionRow, error) {
		var r SessionRow
		err := rows.Scan(&r.ID, &r.Treatment, &r.Risk, &r.Rounds, &r.Players, &r.Completed)
		return r, err
	})
}

// Decisions returns every decision of a session ordered by round, period and player.
func (s *Store) Decisions(ctx context.Context, sessionID string) ([]DecisionRow, error) {
	q := fmt.Sprintf(`SELECT round, period, pair_id, player, slot, extraction, guess_other, timed_out
		FROM decisions WHERE session_id = %s ORDER BY round, period, player`, s.bind(1))
	return queryRows(ctx, s.db, q, sessionID, func(rows *sql.Rows) (DecisionRow, error) {
		var r DecisionRow
		err := rows.Scan(&r.Round, &r.Period, &r.Pair, &r.Player, &r.Slot, &r.Extract, &r.Guess, &r.TimedOut)
		return r, err
	})
}

// Pairs returns every pair barrier of a session ordered by round, period and pair.
func (s *Store) Pairs(ctx context.Context, sessionID string) ([]PairRow, error) {
	q := fmt.Sprintf(`SELECT round, period, pair_id, member_a, member_b, total_extraction, pie_size, remaining, next_pie_size
		FROM pair_periods WHERE session_id = %s ORDER BY round, period, pair_id`, s.bind(1))
	return queryRows(ctx, s.db, q, sessionID, func(rows *sql.Rows) (PairRow, error) {
		var r PairRow
		err := rows.Scan(&r.Round, &r.Period, &r.Pair, &r.Members[0], &r.Members[1],
			&r.TotalExtraction, &r.PieSize, &r.Remaining, &r.NextPieSize)
		return r, err
	})
}

// RiskDraws returns every depletion draw of a session.
func (s *Store) RiskDraws(ctx context.Context, sessionID string) ([]RiskRow, error) {
	q := fmt.Sprintf(`SELECT round, pair_id, probability, destroyed, pie_size
		FROM risk_draws WHERE session_id = %s ORDER BY round, pair_id`, s.bind(1))
	return queryRows(ctx, s.db, q, sessionID, func(rows *sql.Rows) (RiskRow, error) {
		var r RiskRow
		err := rows.Scan(&r.Round, &r.Pair, &r.Probability, &r.Destroyed, &r.PieSize)
		return r, err
	})
}

// Payments returns the payment rows of a completed session.
func (s *Store) Payments(ctx context.Context, sessionID string) ([]PaymentRow, error) {
	q := fmt.Sprintf(`SELECT player, paid_round, extraction_t1, extraction_t2, timeouts
		FROM payments WHERE session_id = %s ORDER BY player`, s.bind(1))
	return queryRows(ctx, s.db, q, sessionID, func(rows *sql.Rows) (PaymentRow, error) {
		var r PaymentRow
		err := rows.Scan(&r.Player, &r.PaidRound, &r.ExtractionT1, &r.ExtractionT2, &r.Timeouts)
		return r, err
	})
}

func queryRows[T any](ctx context.Context, db *sql.DB, q string, arg any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
