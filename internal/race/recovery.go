package race

import "time"

// RecoveryAction is what startup does with the durable ACTIVE race.
type RecoveryAction int

const (
	// RecoveryStartNew: no ACTIVE race on record; start one now.
	RecoveryStartNew RecoveryAction = iota
	// RecoveryAdopt: the ACTIVE race is still running; resume it.
	RecoveryAdopt
	// RecoveryFinalize: the ACTIVE race ran out while we were down; settle
	// it, then start a new one.
	RecoveryFinalize
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryStartNew:
		return "start_new"
	case RecoveryAdopt:
		return "adopt"
	case RecoveryFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// RecoveryPlan is the outcome of PlanRecovery.
type RecoveryPlan struct {
	Action    RecoveryAction
	Race      *Record
	Remaining time.Duration
}

// PlanRecovery decides startup behaviour from the clock and the durable
// ACTIVE race row alone, so it can be tested without timers or storage.
func PlanRecovery(now time.Time, active *Record) RecoveryPlan {
	if active == nil || active.Status != StatusActive {
		return RecoveryPlan{Action: RecoveryStartNew}
	}
	if active.EndTime.After(now) {
		return RecoveryPlan{
			Action:    RecoveryAdopt,
			Race:      active,
			Remaining: active.EndTime.Sub(now),
		}
	}
	return RecoveryPlan{Action: RecoveryFinalize, Race: active}
}
