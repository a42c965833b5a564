package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CrashRace/internal/session"
)

// ErrInvalidSession marks a payload that decoded but failed validation.
var ErrInvalidSession = errors.New("invalid session event")

// --- JSON wire format ---
// Field names use snake_case to match the gameplay service. Times are unix
// milliseconds. A race_id sent by the producer is not read; the cache
// attributes every session to the race running when it arrives.

type sessionEventJSON struct {
	SessionID         string  `json:"session_id"`
	UserID            string  `json:"user_id"`
	BetAmount         int64   `json:"bet_amount"`
	CrashMultiplier   float64 `json:"crash_multiplier"`
	CashOutMultiplier float64 `json:"cash_out_multiplier"`
	IsWin             bool    `json:"is_win"`
	Profit            int64   `json:"profit"`
	StartTimeMs       int64   `json:"start_time_ms"`
	EndTimeMs         int64   `json:"end_time_ms"`
	DurationMs        int64   `json:"duration_ms"`
	IsFreeMode        bool    `json:"is_free_mode"`
}

// ParseSessionEvent decodes one finished round. It checks structure only;
// the gameplay service is trusted for outcome values.
func ParseSessionEvent(data []byte) (session.Record, error) {
	var j sessionEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return session.Record{}, fmt.Errorf("parse session event: %w", err)
	}

	if j.UserID == "" {
		return session.Record{}, fmt.Errorf("%w: missing user_id", ErrInvalidSession)
	}
	if j.EndTimeMs <= 0 {
		return session.Record{}, fmt.Errorf("%w: missing end_time_ms", ErrInvalidSession)
	}
	if j.BetAmount < 0 || (j.BetAmount == 0 && !j.IsFreeMode) {
		return session.Record{}, fmt.Errorf("%w: bet_amount must be positive, got %d", ErrInvalidSession, j.BetAmount)
	}
	if j.CrashMultiplier < 0 || j.CashOutMultiplier < 0 {
		return session.Record{}, fmt.Errorf("%w: negative multiplier", ErrInvalidSession)
	}

	end := time.UnixMilli(j.EndTimeMs).UTC()
	start := end
	if j.StartTimeMs > 0 {
		start = time.UnixMilli(j.StartTimeMs).UTC()
	}
	if start.After(end) {
		return session.Record{}, fmt.Errorf("%w: start after end", ErrInvalidSession)
	}

	duration := j.DurationMs
	if duration <= 0 {
		duration = end.Sub(start).Milliseconds()
	}

	return session.Record{
		SessionID:         j.SessionID,
		UserID:            j.UserID,
		BetAmount:         j.BetAmount,
		CrashMultiplier:   j.CrashMultiplier,
		CashOutMultiplier: j.CashOutMultiplier,
		IsWin:             j.IsWin,
		Profit:            j.Profit,
		StartTime:         start,
		EndTime:           end,
		DurationMs:        duration,
		IsFreeMode:        j.IsFreeMode,
	}, nil
}
