package leaderboard

import (
	"github.com/shopspring/decimal"

	"CrashRace/internal/session"
)

// PrizePool is the derived pool state of a race.
type PrizePool struct {
	TotalPool              int64 `json:"total_pool"`
	ContributedAmount      int64 `json:"contributed_amount"`
	ParticipantCount       int   `json:"participant_count"`
	ShouldDistributePrizes bool  `json:"should_distribute_prizes"`
}

// PrizeEntry is one payout.
type PrizeEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	PrizeAmount int64  `json:"prize_amount"`
}

// Payout tiers, in percent of the pool.
const (
	firstPlacePct  = 50
	secondPlacePct = 25
	thirdPlacePct  = 11
	sharedPct      = 14 // split evenly over populated ranks 4..10

	sharedFirstRank = 4
	sharedLastRank  = 10
)

// PaidRanks is the number of ranks the tier table can pay.
const PaidRanks = sharedLastRank

// BuildPrizePool sums the race's contributions: floor(Σ bet × rate).
// The pool is contributions only; there is no house seeding.
func BuildPrizePool(records []session.Record, rate decimal.Decimal) PrizePool {
	var totalBet int64
	users := make(map[string]struct{})
	for i := range records {
		totalBet += records[i].BetAmount
		users[records[i].UserID] = struct{}{}
	}

	contributed := decimal.NewFromInt(totalBet).Mul(rate).Floor().IntPart()
	if contributed < 0 {
		contributed = 0
	}

	return PrizePool{
		TotalPool:              contributed,
		ContributedAmount:      contributed,
		ParticipantCount:       len(users),
		ShouldDistributePrizes: contributed > 0 && len(users) >= 1,
	}
}

// Distribute applies the tier table to a full, ranked leaderboard.
// Each share is floored to the smallest unit and the remainder stays in the
// pool. Tiers with nobody ranked in them are not paid out, and entries that
// floor to zero are omitted.
func Distribute(board []Entry, pool PrizePool) []PrizeEntry {
	if !pool.ShouldDistributePrizes || len(board) == 0 {
		return nil
	}

	total := pool.TotalPool
	shared := 0
	for _, e := range board {
		if e.Rank >= sharedFirstRank && e.Rank <= sharedLastRank {
			shared++
		}
	}

	var out []PrizeEntry
	for _, e := range board {
		var amount int64
		switch {
		case e.Rank == 1:
			amount = share(total, firstPlacePct, 1)
		case e.Rank == 2:
			amount = share(total, secondPlacePct, 1)
		case e.Rank == 3:
			amount = share(total, thirdPlacePct, 1)
		case e.Rank >= sharedFirstRank && e.Rank <= sharedLastRank:
			amount = share(total, sharedPct, shared)
		}
		if amount <= 0 {
			continue
		}
		out = append(out, PrizeEntry{Rank: e.Rank, UserID: e.UserID, PrizeAmount: amount})
	}
	return out
}

// share is floor(total × pct / (100 × parts)). The product is taken in
// decimal so pools near the int64 limit do not wrap.
func share(total, pct int64, parts int) int64 {
	q, _ := decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(pct)).
		QuoRem(decimal.NewFromInt(100*int64(parts)), 0)
	return q.IntPart()
}

// Distributed sums the payouts.
func Distributed(dist []PrizeEntry) int64 {
	var sum int64
	for _, p := range dist {
		sum += p.PrizeAmount
	}
	return sum
}
