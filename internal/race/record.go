package race

import (
	"fmt"
	"time"

	"CrashRace/internal/leaderboard"
)

// Status is a race's lifecycle state.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

// Record is one competitive epoch. Once Status is ENDED the Final* fields
// are the settled truth and are never rewritten.
type Record struct {
	RaceID                 string                   `json:"race_id"`
	StartTime              time.Time                `json:"start_time"`
	EndTime                time.Time                `json:"end_time"`
	Status                 Status                   `json:"status"`
	EndedAt                *time.Time               `json:"ended_at,omitempty"`
	FinalLeaderboard       []leaderboard.Entry      `json:"final_leaderboard,omitempty"`
	FinalPrizePool         *leaderboard.PrizePool   `json:"final_prize_pool,omitempty"`
	FinalPrizeDistribution []leaderboard.PrizeEntry `json:"final_prize_distribution,omitempty"`
}

// Snapshot is what CompleteRace writes at finalize.
type Snapshot struct {
	StartTime    time.Time
	EndTime      time.Time
	EndedAt      time.Time
	Leaderboard  []leaderboard.Entry
	PrizePool    leaderboard.PrizePool
	Distribution []leaderboard.PrizeEntry
}

// NewRaceID derives a sortable, human-readable id from the start instant,
// e.g. race_20261014T120000_042.
func NewRaceID(start time.Time) string {
	t := start.UTC()
	return fmt.Sprintf("race_%s_%03d", t.Format("20060102T150405"), t.Nanosecond()/int(time.Millisecond))
}

// Remaining is the time left before EndTime, never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	d := r.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
