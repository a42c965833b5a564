package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/race"
)

// SaveRace inserts a new race row. An existing row is left untouched.
func (s *Store) SaveRace(ctx context.Context, rec *race.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crash.races (race_id, start_time, end_time, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (race_id) DO NOTHING
	`, rec.RaceID, rec.StartTime, rec.EndTime, string(rec.Status))
	if err != nil {
		return fmt.Errorf("save race %s: %w", rec.RaceID, err)
	}
	return nil
}

// CompleteRace moves raceID to ENDED with its final snapshot. The write only
// lands while the row is ACTIVE (or absent, when SaveRace failed earlier), so
// a settled race is never rewritten. It reports whether this call did the
// transition.
func (s *Store) CompleteRace(ctx context.Context, raceID string, snap race.Snapshot) (bool, error) {
	board, err := json.Marshal(snap.Leaderboard)
	if err != nil {
		return false, fmt.Errorf("marshal leaderboard: %w", err)
	}
	pool, err := json.Marshal(snap.PrizePool)
	if err != nil {
		return false, fmt.Errorf("marshal prize pool: %w", err)
	}
	dist, err := json.Marshal(snap.Distribution)
	if err != nil {
		return false, fmt.Errorf("marshal distribution: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crash.races
			(race_id, start_time, end_time, status, ended_at,
			 final_leaderboard, final_prize_pool, final_prize_distribution)
		VALUES ($1, $2, $3, 'ENDED', $4, $5, $6, $7)
		ON CONFLICT (race_id) DO UPDATE SET
			status = 'ENDED',
			ended_at = EXCLUDED.ended_at,
			final_leaderboard = EXCLUDED.final_leaderboard,
			final_prize_pool = EXCLUDED.final_prize_pool,
			final_prize_distribution = EXCLUDED.final_prize_distribution
		WHERE crash.races.status = 'ACTIVE'
	`, raceID, snap.StartTime, snap.EndTime, snap.EndedAt, board, pool, dist)
	if err != nil {
		return false, fmt.Errorf("complete race %s: %w", raceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindActiveRace returns the most recently started ACTIVE race, or nil.
func (s *Store) FindActiveRace(ctx context.Context) (*race.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRace+`
		WHERE status = 'ACTIVE'
		ORDER BY start_time DESC
		LIMIT 1
	`)
	rec, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active race: %w", err)
	}
	return rec, nil
}

// GetRace loads one race; ErrRaceNotFound when absent.
func (s *Store) GetRace(ctx context.Context, raceID string) (*race.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRace+` WHERE race_id = $1`, raceID)
	rec, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get race %s: %w", raceID, err)
	}
	return rec, nil
}

// ListEndedRaces returns up to limit ENDED races, most recent first.
func (s *Store) ListEndedRaces(ctx context.Context, limit int) ([]race.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRace+`
		WHERE status = 'ENDED'
		ORDER BY start_time DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ended races: %w", err)
	}
	defer rows.Close()

	var out []race.Record
	for rows.Next() {
		rec, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const selectRace = `
	SELECT race_id, start_time, end_time, status, ended_at,
	       final_leaderboard, final_prize_pool, final_prize_distribution
	FROM crash.races`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRace(row rowScanner) (*race.Record, error) {
	var (
		rec     race.Record
		status  string
		endedAt sql.NullTime
		board   []byte
		pool    []byte
		dist    []byte
	)
	if err := row.Scan(&rec.RaceID, &rec.StartTime, &rec.EndTime, &status, &endedAt, &board, &pool, &dist); err != nil {
		return nil, err
	}
	rec.Status = race.Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}

	if len(board) > 0 {
		if err := json.Unmarshal(board, &rec.FinalLeaderboard); err != nil {
			return nil, fmt.Errorf("unmarshal leaderboard of %s: %w", rec.RaceID, err)
		}
	}
	if len(pool) > 0 {
		var p leaderboard.PrizePool
		if err := json.Unmarshal(pool, &p); err != nil {
			return nil, fmt.Errorf("unmarshal prize pool of %s: %w", rec.RaceID, err)
		}
		rec.FinalPrizePool = &p
	}
	if len(dist) > 0 {
		if err := json.Unmarshal(dist, &rec.FinalPrizeDistribution); err != nil {
			return nil, fmt.Errorf("unmarshal distribution of %s: %w", rec.RaceID, err)
		}
	}
	return &rec, nil
}
