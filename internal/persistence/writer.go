package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CrashRace/internal/session"
)

const sessionColumns = 13

// SaveSessionsBatch writes records with multi-row INSERTs in one
// transaction. Rows whose session_id already exists are skipped, so a
// retried batch is idempotent.
func (s *Store) SaveSessionsBatch(ctx context.Context, records []session.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		if err := insertSessions(ctx, tx, records[start:end]); err != nil {
			return fmt.Errorf("insert sessions [%d:%d]: %w", start, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSessions(ctx context.Context, tx *sql.Tx, records []session.Record) error {
	query := `INSERT INTO crash.sessions
		(session_id, user_id, race_id, bet_amount, crash_multiplier, cash_out_multiplier,
		 is_win, profit, start_time, end_time, duration_ms, is_free_mode, ingested_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*sessionColumns)

	for i, r := range records {
		base := i * sessionColumns
		ph := make([]string, sessionColumns)
		for c := range ph {
			ph[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")

		args = append(args,
			r.SessionID, r.UserID, nullString(r.RaceID), r.BetAmount,
			r.CrashMultiplier, r.CashOutMultiplier, r.IsWin, r.Profit,
			r.StartTime, r.EndTime, r.DurationMs, r.IsFreeMode, r.IngestedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (session_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DeleteSessionsOlderThan removes sessions that ended before cutoff.
func (s *Store) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crash.sessions WHERE end_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return res.RowsAffected()
}

// LoadRaceSessions returns every durable session attributed to raceID,
// oldest first.
func (s *Store) LoadRaceSessions(ctx context.Context, raceID string) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, race_id, bet_amount, crash_multiplier, cash_out_multiplier,
		       is_win, profit, start_time, end_time, duration_ms, is_free_mode, ingested_at
		FROM crash.sessions
		WHERE race_id = $1
		ORDER BY end_time ASC, session_id ASC
	`, raceID)
	if err != nil {
		return nil, fmt.Errorf("load race sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var (
			r      session.Record
			raceID sql.NullString
		)
		if err := rows.Scan(
			&r.SessionID, &r.UserID, &raceID, &r.BetAmount, &r.CrashMultiplier, &r.CashOutMultiplier,
			&r.IsWin, &r.Profit, &r.StartTime, &r.EndTime, &r.DurationMs, &r.IsFreeMode, &r.IngestedAt,
		); err != nil {
			return nil, err
		}
		r.RaceID = raceID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
