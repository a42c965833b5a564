package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/race"
	"CrashRace/internal/session"
)

var (
	// ErrNoActiveRace is returned when a read needs the current race and
	// there is none.
	ErrNoActiveRace = errors.New("query: no active race")
	// ErrUserNotInRace is returned when the user has no sessions in the race.
	ErrUserNotInRace = errors.New("query: user has no sessions in race")
)

// Races exposes the scheduler's view of the current race.
type Races interface {
	CurrentRace() (race.Record, bool)
	NextRaceAt() time.Time
}

// History is the durable race history. persistence.Store implements it.
type History interface {
	GetRace(ctx context.Context, raceID string) (*race.Record, error)
	ListEndedRaces(ctx context.Context, limit int) ([]race.Record, error)
}

// Sessions is the read side of the session cache.
type Sessions interface {
	Query(userID string, limit int) []session.Record
	QueryGlobal(since time.Time) []session.Record
	Stats() session.Stats
}

// Service answers read requests. Live reads come from the cache through the
// engine; ENDED races are served from their settled snapshot.
type Service struct {
	races    Races
	history  History
	sessions Sessions
	engine   *leaderboard.Engine
	now      func() time.Time
}

// NewService wires the read side. history may be nil, in which case every
// race is computed live.
func NewService(races Races, history History, sessions Sessions, engine *leaderboard.Engine) *Service {
	return &Service{
		races:    races,
		history:  history,
		sessions: sessions,
		engine:   engine,
		now:      time.Now,
	}
}

// GetCurrentRace returns the ACTIVE race with a live pool.
func (s *Service) GetCurrentRace() (*CurrentRaceResponse, error) {
	cur, ok := s.races.CurrentRace()
	if !ok {
		return nil, ErrNoActiveRace
	}
	return &CurrentRaceResponse{
		RaceID:      cur.RaceID,
		StartTime:   cur.StartTime,
		EndTime:     cur.EndTime,
		RemainingMs: cur.Remaining(s.now()).Milliseconds(),
		Status:      cur.Status,
		PrizePool:   s.engine.ComputePrizePool(cur.RaceID),
	}, nil
}

// GetLeaderboard returns the top limit entries of raceID (the current race
// when empty) and, if userID is set, that user's own entry wherever it
// ranks.
func (s *Service) GetLeaderboard(ctx context.Context, raceID string, limit int, userID string) (*LeaderboardResponse, error) {
	raceID, err := s.resolve(raceID)
	if err != nil {
		return nil, err
	}

	resp := &LeaderboardResponse{RaceID: raceID, AsOf: s.now().UTC()}

	var board []leaderboard.Entry
	if ended := s.endedRace(ctx, raceID); ended != nil {
		resp.Final = true
		board = ended.FinalLeaderboard
		if ended.FinalPrizePool != nil {
			resp.PrizePool = *ended.FinalPrizePool
		}
		if ended.EndedAt != nil {
			resp.AsOf = *ended.EndedAt
		}
	} else {
		settlement := s.engine.Settle(raceID)
		board = settlement.Leaderboard
		resp.PrizePool = settlement.PrizePool
	}

	resp.TopEntries = top(board, limit)
	if userID != "" {
		if e, ok := leaderboard.Find(board, userID); ok {
			resp.UserEntry = &e
		}
	}
	return resp, nil
}

// GetUserRaceStats returns userID's aggregate entry in raceID.
func (s *Service) GetUserRaceStats(ctx context.Context, raceID, userID string) (*UserRaceStats, error) {
	raceID, err := s.resolve(raceID)
	if err != nil {
		return nil, err
	}

	if ended := s.endedRace(ctx, raceID); ended != nil {
		e, ok := leaderboard.Find(ended.FinalLeaderboard, userID)
		if !ok {
			return nil, fmt.Errorf("%w: %s in %s", ErrUserNotInRace, userID, raceID)
		}
		stats := &UserRaceStats{RaceID: raceID, Final: true, Entry: e}
		for _, p := range ended.FinalPrizeDistribution {
			if p.UserID == userID {
				stats.Prize = p.PrizeAmount
			}
		}
		return stats, nil
	}

	e, ok := s.engine.UserStats(raceID, userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUserNotInRace, userID, raceID)
	}
	return &UserRaceStats{RaceID: raceID, Entry: e}, nil
}

// GetRaceHistory returns up to limit ENDED races, most recent first.
func (s *Service) GetRaceHistory(ctx context.Context, limit int) ([]RaceSummary, error) {
	if s.history == nil {
		return []RaceSummary{}, nil
	}
	races, err := s.history.ListEndedRaces(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("race history: %w", err)
	}

	out := make([]RaceSummary, 0, len(races))
	for _, r := range races {
		sum := RaceSummary{
			RaceID:    r.RaceID,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
			EndedAt:   r.EndedAt,
			PrizePool: r.FinalPrizePool,
			Winners:   r.FinalPrizeDistribution,
		}
		if r.FinalPrizePool != nil {
			sum.ParticipantCount = r.FinalPrizePool.ParticipantCount
		}
		if sum.Winners == nil {
			sum.Winners = []leaderboard.PrizeEntry{}
		}
		out = append(out, sum)
	}
	return out, nil
}

// GetUserSessions returns the user's cached sessions, most recent first.
func (s *Service) GetUserSessions(userID string, limit int) []session.Record {
	return s.sessions.Query(userID, limit)
}

// GetStats reports cache health and the race schedule.
func (s *Service) GetStats() StatsResponse {
	resp := StatsResponse{
		Cache:      s.sessions.Stats(),
		NextRaceAt: s.races.NextRaceAt(),
	}
	if cur, ok := s.races.CurrentRace(); ok {
		resp.CurrentRaceID = cur.RaceID
	}
	if !resp.NextRaceAt.IsZero() {
		if d := resp.NextRaceAt.Sub(s.now()); d > 0 {
			resp.TimeUntilNextRace = d.Milliseconds()
		}
	}
	return resp
}

// GetGlobalStats aggregates every cached session that ended at or after
// since, across all races and free-mode play.
func (s *Service) GetGlobalStats(since time.Time) GlobalStats {
	records := s.sessions.QueryGlobal(since)

	stats := GlobalStats{Since: since, SessionCount: len(records)}
	users := make(map[string]struct{})
	var multSum float64
	for i := range records {
		r := &records[i]
		users[r.UserID] = struct{}{}
		stats.TotalBetAmount += r.BetAmount
		stats.TotalProfit += r.Profit
		if r.IsWin {
			stats.WinCount++
		}
		multSum += r.CrashMultiplier
	}
	stats.UserCount = len(users)
	if len(records) > 0 {
		stats.AvgCrashMultiplier = multSum / float64(len(records))
	}
	return stats
}

func (s *Service) resolve(raceID string) (string, error) {
	if raceID != "" {
		return raceID, nil
	}
	cur, ok := s.races.CurrentRace()
	if !ok {
		return "", ErrNoActiveRace
	}
	return cur.RaceID, nil
}

// endedRace returns the stored record when raceID is settled, else nil.
// The current race is never looked up.
func (s *Service) endedRace(ctx context.Context, raceID string) *race.Record {
	if cur, ok := s.races.CurrentRace(); ok && cur.RaceID == raceID {
		return nil
	}
	if s.history == nil {
		return nil
	}
	rec, err := s.history.GetRace(ctx, raceID)
	if err != nil || rec == nil || rec.Status != race.StatusEnded {
		return nil
	}
	return rec
}

func top(board []leaderboard.Entry, limit int) []leaderboard.Entry {
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	out := make([]leaderboard.Entry, len(board))
	copy(out, board)
	return out
}
