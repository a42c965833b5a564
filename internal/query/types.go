package query

import (
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/race"
	"CrashRace/internal/session"
)

// CurrentRaceResponse describes the ACTIVE race with its live pool.
type CurrentRaceResponse struct {
	RaceID      string                `json:"race_id"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     time.Time             `json:"end_time"`
	RemainingMs int64                 `json:"remaining_ms"`
	Status      race.Status           `json:"status"`
	PrizePool   leaderboard.PrizePool `json:"prize_pool"`
}

// LeaderboardResponse is a race's standings. Final is true when the entries
// come from the settled snapshot of an ENDED race.
type LeaderboardResponse struct {
	RaceID     string                `json:"race_id"`
	Final      bool                  `json:"final"`
	TopEntries []leaderboard.Entry   `json:"top_entries"`
	UserEntry  *leaderboard.Entry    `json:"user_entry,omitempty"`
	PrizePool  leaderboard.PrizePool `json:"prize_pool"`
	AsOf       time.Time             `json:"as_of"`
}

// UserRaceStats is one user's aggregate in a race.
type UserRaceStats struct {
	RaceID string            `json:"race_id"`
	Final  bool              `json:"final"`
	Entry  leaderboard.Entry `json:"entry"`
	Prize  int64             `json:"prize,omitempty"`
}

// RaceSummary is one ENDED race in the history listing.
type RaceSummary struct {
	RaceID           string                   `json:"race_id"`
	StartTime        time.Time                `json:"start_time"`
	EndTime          time.Time                `json:"end_time"`
	EndedAt          *time.Time               `json:"ended_at,omitempty"`
	ParticipantCount int                      `json:"participant_count"`
	PrizePool        *leaderboard.PrizePool   `json:"prize_pool,omitempty"`
	Winners          []leaderboard.PrizeEntry `json:"winners"`
}

// StatsResponse is the service's operational snapshot.
type StatsResponse struct {
	Cache             session.Stats `json:"cache"`
	CurrentRaceID     string        `json:"current_race_id,omitempty"`
	NextRaceAt        time.Time     `json:"next_race_at"`
	TimeUntilNextRace int64         `json:"time_until_next_race_ms"`
}

// GlobalStats aggregates every cached session since a point in time.
type GlobalStats struct {
	Since              time.Time `json:"since"`
	SessionCount       int       `json:"session_count"`
	UserCount          int       `json:"user_count"`
	WinCount           int       `json:"win_count"`
	TotalBetAmount     int64     `json:"total_bet_amount"`
	TotalProfit        int64     `json:"total_profit"`
	AvgCrashMultiplier float64   `json:"avg_crash_multiplier"`
}
