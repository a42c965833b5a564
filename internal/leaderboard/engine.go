package leaderboard

import (
	"github.com/shopspring/decimal"

	"CrashRace/internal/session"
)

// SessionSource supplies a race's records. *session.Cache implements it.
type SessionSource interface {
	SessionsForRace(raceID string) []session.Record
}

// DefaultContributionRate is the share of every bet that feeds the pool.
var DefaultContributionRate = decimal.RequireFromString("0.01")

// Engine computes standings and payouts for a race from a session source.
type Engine struct {
	source SessionSource
	rate   decimal.Decimal
}

// NewEngine binds the engine to source. A negative rate is treated as zero.
func NewEngine(source SessionSource, contributionRate decimal.Decimal) *Engine {
	if contributionRate.IsNegative() {
		contributionRate = decimal.Zero
	}
	return &Engine{source: source, rate: contributionRate}
}

// ComputeLeaderboard ranks the race's participants; limit <= 0 means all.
func (e *Engine) ComputeLeaderboard(raceID string, limit int) []Entry {
	return BuildLeaderboard(e.source.SessionsForRace(raceID), limit)
}

// ComputePrizePool returns the race's current pool state.
func (e *Engine) ComputePrizePool(raceID string) PrizePool {
	return BuildPrizePool(e.source.SessionsForRace(raceID), e.rate)
}

// ComputePrizeDistribution returns the payouts the race would make now.
func (e *Engine) ComputePrizeDistribution(raceID string) []PrizeEntry {
	return e.Settle(raceID).Distribution
}

// Settlement is a consistent leaderboard, pool and distribution taken from
// a single read of the race's records.
type Settlement struct {
	Leaderboard  []Entry
	PrizePool    PrizePool
	Distribution []PrizeEntry
}

// Remainder is the part of the pool not paid out.
func (s Settlement) Remainder() int64 {
	return s.PrizePool.TotalPool - Distributed(s.Distribution)
}

// Settle computes the full settlement of raceID.
func (e *Engine) Settle(raceID string) Settlement {
	records := e.source.SessionsForRace(raceID)
	board := BuildLeaderboard(records, 0)
	pool := BuildPrizePool(records, e.rate)
	return Settlement{
		Leaderboard:  board,
		PrizePool:    pool,
		Distribution: Distribute(board, pool),
	}
}

// UserStats returns userID's ranked entry in raceID.
func (e *Engine) UserStats(raceID, userID string) (Entry, bool) {
	return Find(e.ComputeLeaderboard(raceID, 0), userID)
}
