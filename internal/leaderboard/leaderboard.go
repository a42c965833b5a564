// Package leaderboard derives race standings and prize payouts from cached
// session records. Everything here is pure aggregation; the Engine only
// binds the functions to a session source and a contribution rate.
package leaderboard

import (
	"sort"
	"time"

	"CrashRace/internal/session"
)

// Entry is one user's aggregate in a race.
type Entry struct {
	Rank           int       `json:"rank"`
	UserID         string    `json:"user_id"`
	NetProfit      int64     `json:"net_profit"`
	TotalBetAmount int64     `json:"total_bet_amount"`
	SessionCount   int       `json:"session_count"`
	WinCount       int       `json:"win_count"`
	BestMultiplier float64   `json:"best_multiplier"`
	FirstSessionAt time.Time `json:"first_session_at"`
}

// Aggregate folds records into one Entry per user, unranked and unordered.
func Aggregate(records []session.Record) map[string]*Entry {
	byUser := make(map[string]*Entry)
	for i := range records {
		r := &records[i]
		e, ok := byUser[r.UserID]
		if !ok {
			e = &Entry{UserID: r.UserID, FirstSessionAt: r.EndTime}
			byUser[r.UserID] = e
		}
		e.NetProfit += r.Profit
		e.TotalBetAmount += r.BetAmount
		e.SessionCount++
		if r.IsWin {
			e.WinCount++
			if r.CashOutMultiplier > e.BestMultiplier {
				e.BestMultiplier = r.CashOutMultiplier
			}
		}
		if r.EndTime.Before(e.FirstSessionAt) {
			e.FirstSessionAt = r.EndTime
		}
	}
	return byUser
}

// BuildLeaderboard ranks users by net profit, highest first. Equal profit
// goes to whoever finished a session first; user id settles the rest so the
// order is reproducible. limit <= 0 returns every participant.
func BuildLeaderboard(records []session.Record, limit int) []Entry {
	byUser := Aggregate(records)

	board := make([]Entry, 0, len(byUser))
	for _, e := range byUser {
		board = append(board, *e)
	}

	sort.Slice(board, func(i, j int) bool {
		a, b := board[i], board[j]
		if a.NetProfit != b.NetProfit {
			return a.NetProfit > b.NetProfit
		}
		if !a.FirstSessionAt.Equal(b.FirstSessionAt) {
			return a.FirstSessionAt.Before(b.FirstSessionAt)
		}
		return a.UserID < b.UserID
	})

	for i := range board {
		board[i].Rank = i + 1
	}

	if limit > 0 && limit < len(board) {
		board = board[:limit]
	}
	return board
}

// Find returns the entry for userID, if ranked.
func Find(board []Entry, userID string) (Entry, bool) {
	for _, e := range board {
		if e.UserID == userID {
			return e, true
		}
	}
	return Entry{}, false
}
