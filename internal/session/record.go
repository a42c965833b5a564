package session

import "time"

// Record is one completed game round.
// Amounts are in the smallest currency unit. A Record is never mutated after
// Ingest returns it; flush retry state lives on the pending queue instead.
type Record struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	RaceID            string    `json:"race_id,omitempty"` // empty = not attributed to a race
	BetAmount         int64     `json:"bet_amount"`
	CrashMultiplier   float64   `json:"crash_multiplier"`
	CashOutMultiplier float64   `json:"cash_out_multiplier"` // 0 when the round was lost
	IsWin             bool      `json:"is_win"`
	Profit            int64     `json:"profit"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	DurationMs        int64     `json:"duration_ms"`
	IsFreeMode        bool      `json:"is_free_mode"`
	IngestedAt        time.Time `json:"ingested_at"`
}

// InRace reports whether the record counts toward raceID.
func (r *Record) InRace(raceID string) bool {
	return raceID != "" && r.RaceID == raceID
}

// pendingEntry is a record waiting for durable write, with its retry count.
type pendingEntry struct {
	rec     *Record
	retries int
}
