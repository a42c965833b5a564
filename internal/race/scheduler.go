package race

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/observability"
	"CrashRace/internal/session"

	"github.com/rs/zerolog"
)

// Store is the durable race history. persistence.Store implements it.
type Store interface {
	FindActiveRace(ctx context.Context) (*Record, error)
	GetRace(ctx context.Context, raceID string) (*Record, error)
	SaveRace(ctx context.Context, rec *Record) error
	// CompleteRace flips raceID from ACTIVE to ENDED with snap. It reports
	// false, without error, when the race was already ENDED.
	CompleteRace(ctx context.Context, raceID string, snap Snapshot) (bool, error)
	LoadRaceSessions(ctx context.Context, raceID string) ([]session.Record, error)
}

// SessionCache is the part of the session cache the scheduler drives.
type SessionCache interface {
	SetCurrentRace(raceID string)
	ClearCurrentRace(raceID string) bool
	Warm(records []session.Record) int
}

// PrizeCreditor hands a prize to the balance service.
type PrizeCreditor interface {
	CreditPrize(ctx context.Context, userID string, amount int64, reason string) error
}

// Notifier receives race lifecycle events. Implementations must not block.
type Notifier interface {
	RaceStarted(rec Record)
	RaceEnded(rec Record)
}

// ErrUnknownRace is returned by EndRace for a race id with no record.
var ErrUnknownRace = errors.New("race: unknown race")

// Config controls race timing.
type Config struct {
	RaceDuration    time.Duration
	RaceInterval    time.Duration
	RetryDelay      time.Duration // wait before retrying a failed finalize
	FinalizeTimeout time.Duration // bound on timer-triggered finalizes
	CreditTimeout   time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production race schedule.
func DefaultConfig() Config {
	return Config{
		RaceDuration:    4 * time.Hour,
		RaceInterval:    4 * time.Hour,
		RetryDelay:      30 * time.Second,
		FinalizeTimeout: time.Minute,
		CreditTimeout:   10 * time.Second,
	}
}

// Scheduler owns the current race. It runs two timers: a one-shot that
// ends the current race at its EndTime, and a recurring one that starts
// the next race (ending the current one first) every RaceInterval. Both may
// reach EndRace for the same race; the FinalizeGuard makes that safe.
type Scheduler struct {
	cfg      Config
	store    Store
	cache    SessionCache
	engine   *leaderboard.Engine
	creditor PrizeCreditor
	notifier Notifier
	guard    *FinalizeGuard
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	// startMu serializes StartNewRace.
	startMu sync.Mutex

	mu         sync.Mutex
	current    *Record
	endTimer   *time.Timer
	nextRaceAt time.Time
	lastRaceID string

	wake    chan struct{}
	credits sync.WaitGroup
}

// NewScheduler wires a scheduler. creditor and notifier may be nil.
func NewScheduler(
	cfg Config,
	store Store,
	cache SessionCache,
	engine *leaderboard.Engine,
	creditor PrizeCreditor,
	notifier Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.RaceDuration <= 0 {
		cfg.RaceDuration = def.RaceDuration
	}
	if cfg.RaceInterval <= 0 {
		cfg.RaceInterval = def.RaceInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.CreditTimeout <= 0 {
		cfg.CreditTimeout = def.CreditTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		engine:   engine,
		creditor: creditor,
		notifier: notifier,
		guard:    NewFinalizeGuard(1024),
		metrics:  metrics,
		logger:   logger,
		now:      now,
		wake:     make(chan struct{}, 1),
	}
}

// --- Reads ---

// CurrentRace returns a copy of the ACTIVE race, if any.
func (s *Scheduler) CurrentRace() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Record{}, false
	}
	return *s.current, true
}

// NextRaceAt is when the recurring timer will next start a race.
func (s *Scheduler) NextRaceAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRaceAt
}

// --- Startup recovery ---

// Recover settles the durable ACTIVE race on process start: it adopts a
// race that is still running, finalizes one that expired while the process
// was down, and otherwise starts a new race. An unreachable store is
// treated as "no active race".
func (s *Scheduler) Recover(ctx context.Context) error {
	active, err := s.store.FindActiveRace(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("active race lookup failed, starting a fresh race")
		active = nil
	}

	now := s.now()
	plan := PlanRecovery(now, active)
	if s.metrics != nil {
		s.metrics.RaceRecoveries.WithLabelValues(plan.Action.String()).Inc()
	}

	switch plan.Action {
	case RecoveryAdopt:
		rec := *plan.Race
		s.warm(ctx, rec.RaceID)

		s.mu.Lock()
		s.current = &rec
		s.lastRaceID = rec.RaceID
		s.nextRaceAt = rec.StartTime.Add(s.cfg.RaceInterval)
		if s.nextRaceAt.Before(now) {
			s.nextRaceAt = now
		}
		s.armEndTimerLocked(rec.RaceID, plan.Remaining)
		s.mu.Unlock()
		s.cache.SetCurrentRace(rec.RaceID)
		s.wakeRun()

		s.logger.Info().
			Str("race_id", rec.RaceID).
			Dur("remaining", plan.Remaining).
			Msg("adopted active race")
		return nil

	case RecoveryFinalize:
		rec := *plan.Race
		s.warm(ctx, rec.RaceID)

		s.mu.Lock()
		s.current = &rec
		s.lastRaceID = rec.RaceID
		s.mu.Unlock()

		s.logger.Info().Str("race_id", rec.RaceID).Time("end_time", rec.EndTime).Msg("finalizing expired race")
		if err := s.EndRace(ctx, rec.RaceID); err != nil {
			s.logger.Error().Err(err).Str("race_id", rec.RaceID).Msg("finalize of expired race failed, will retry")
			s.scheduleNext(now.Add(s.cfg.RetryDelay))
			return nil
		}
	}

	if _, err := s.StartNewRace(ctx); err != nil {
		s.logger.Error().Err(err).Msg("start race failed, will retry")
		s.scheduleNext(now.Add(s.cfg.RetryDelay))
	}
	return nil
}

func (s *Scheduler) warm(ctx context.Context, raceID string) {
	records, err := s.store.LoadRaceSessions(ctx, raceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("race_id", raceID).Msg("could not warm cache from durable sessions")
		return
	}
	n := s.cache.Warm(records)
	s.logger.Info().Str("race_id", raceID).Int("sessions", n).Msg("warmed cache for race")
}

// --- Transitions ---

// StartNewRace ends the current race (if any) and starts a new one.
// If the current race cannot be finalized, no new race starts.
func (s *Scheduler) StartNewRace(ctx context.Context) (*Record, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if cur, ok := s.CurrentRace(); ok {
		if err := s.EndRace(ctx, cur.RaceID); err != nil {
			return nil, fmt.Errorf("end race %s: %w", cur.RaceID, err)
		}
		// The end timer may own the finalize; wait for it to land.
		if err := s.guard.Wait(ctx, cur.RaceID); err != nil {
			return nil, err
		}
		if still, ok := s.CurrentRace(); ok && still.RaceID == cur.RaceID {
			return nil, fmt.Errorf("race %s is still active", cur.RaceID)
		}
	}

	start := s.now()
	s.mu.Lock()
	raceID := NewRaceID(start)
	for raceID == s.lastRaceID {
		start = start.Add(time.Millisecond)
		raceID = NewRaceID(start)
	}
	s.mu.Unlock()

	rec := &Record{
		RaceID:    raceID,
		StartTime: start,
		EndTime:   start.Add(s.cfg.RaceDuration),
		Status:    StatusActive,
	}

	if err := s.store.SaveRace(ctx, rec); err != nil {
		// CompleteRace upserts, so the race is still settled durably later.
		s.logger.Warn().Err(err).Str("race_id", raceID).Msg("persist new race failed, continuing in memory")
	}

	s.mu.Lock()
	s.current = rec
	s.lastRaceID = raceID
	s.nextRaceAt = start.Add(s.cfg.RaceInterval)
	s.armEndTimerLocked(raceID, s.cfg.RaceDuration)
	out := *rec
	s.mu.Unlock()

	s.cache.SetCurrentRace(raceID)
	s.wakeRun()

	if s.metrics != nil {
		s.metrics.RacesStarted.Inc()
	}
	if s.notifier != nil {
		s.notifier.RaceStarted(out)
	}
	s.logger.Info().
		Str("race_id", raceID).
		Time("end_time", rec.EndTime).
		Msg("race started")

	return &out, nil
}

// EndRace finalizes raceID at most once. Redundant or concurrent calls for
// a race already being (or already) finalized return nil without effect.
func (s *Scheduler) EndRace(ctx context.Context, raceID string) error {
	if !s.guard.TryAcquire(raceID) {
		if s.metrics != nil {
			s.metrics.FinalizeDuplicates.Inc()
		}
		s.logger.Debug().Str("race_id", raceID).Msg("end race already handled")
		return nil
	}
	start := time.Now()

	s.mu.Lock()
	var rec *Record
	wasCurrent := s.current != nil && s.current.RaceID == raceID
	if wasCurrent {
		cp := *s.current
		rec = &cp
		s.disarmLocked()
	}
	s.mu.Unlock()

	if rec == nil {
		stored, err := s.store.GetRace(ctx, raceID)
		if err != nil || stored == nil {
			s.guard.Release(raceID)
			if err == nil {
				err = ErrUnknownRace
			}
			return fmt.Errorf("load race %s: %w", raceID, err)
		}
		if stored.Status == StatusEnded {
			s.guard.Complete(raceID)
			return nil
		}
		rec = stored
	}

	// Stop attributing new sessions to the race being settled.
	detached := s.cache.ClearCurrentRace(raceID)

	settlement := s.engine.Settle(raceID)
	endedAt := s.now()
	snap := Snapshot{
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		EndedAt:      endedAt,
		Leaderboard:  settlement.Leaderboard,
		PrizePool:    settlement.PrizePool,
		Distribution: settlement.Distribution,
	}

	transitioned, err := s.store.CompleteRace(ctx, raceID, snap)
	if err != nil {
		s.guard.Release(raceID)
		if detached {
			s.cache.SetCurrentRace(raceID)
		}
		if wasCurrent {
			s.mu.Lock()
			if s.current != nil && s.current.RaceID == raceID {
				s.armEndTimerLocked(raceID, s.cfg.RetryDelay)
			}
			s.mu.Unlock()
		}
		if s.metrics != nil {
			s.metrics.FinalizeErrors.Inc()
		}
		return fmt.Errorf("complete race %s: %w", raceID, err)
	}

	s.mu.Lock()
	if s.current != nil && s.current.RaceID == raceID {
		s.current = nil
	}
	s.mu.Unlock()
	s.guard.Complete(raceID)

	if !transitioned {
		if s.metrics != nil {
			s.metrics.FinalizeDuplicates.Inc()
		}
		s.logger.Info().Str("race_id", raceID).Msg("race already ended in store")
		return nil
	}

	ended := *rec
	ended.Status = StatusEnded
	ended.EndedAt = &endedAt
	ended.FinalLeaderboard = settlement.Leaderboard
	pool := settlement.PrizePool
	ended.FinalPrizePool = &pool
	ended.FinalPrizeDistribution = settlement.Distribution

	if s.metrics != nil {
		s.metrics.RacesFinalized.Inc()
		s.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
		s.metrics.RaceParticipants.Set(float64(pool.ParticipantCount))
		s.metrics.RacePrizePool.Set(float64(pool.TotalPool))
		s.metrics.RaceFloorRemainder.Set(float64(settlement.Remainder()))
	}
	s.logger.Info().
		Str("race_id", raceID).
		Int("participants", pool.ParticipantCount).
		Int64("prize_pool", pool.TotalPool).
		Int("winners", len(settlement.Distribution)).
		Int64("retained", settlement.Remainder()).
		Msg("race ended")

	s.creditPrizes(raceID, settlement.Distribution)
	if s.notifier != nil {
		s.notifier.RaceEnded(ended)
	}
	return nil
}

// PrizeReason is the credit reason for a payout; the balance service uses
// it as the dedup key.
func PrizeReason(raceID string, rank int) string {
	return fmt.Sprintf("race_prize:%s:rank_%d", raceID, rank)
}

// creditPrizes hands each payout to the balance service in the background.
// Failures are logged for reconciliation; the race stays ENDED regardless.
func (s *Scheduler) creditPrizes(raceID string, dist []leaderboard.PrizeEntry) {
	if s.creditor == nil {
		return
	}
	for _, p := range dist {
		s.credits.Add(1)
		go func(p leaderboard.PrizeEntry) {
			defer s.credits.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CreditTimeout)
			defer cancel()

			if err := s.creditor.CreditPrize(ctx, p.UserID, p.PrizeAmount, PrizeReason(raceID, p.Rank)); err != nil {
				if s.metrics != nil {
					s.metrics.PrizeCredits.WithLabelValues("failed").Inc()
				}
				s.logger.Error().Err(err).
					Str("race_id", raceID).
					Str("user_id", p.UserID).
					Int("rank", p.Rank).
					Int64("amount", p.PrizeAmount).
					Msg("prize credit failed, needs reconciliation")
				return
			}
			if s.metrics != nil {
				s.metrics.PrizeCredits.WithLabelValues("ok").Inc()
				s.metrics.PrizeCreditAmount.Add(float64(p.PrizeAmount))
			}
		}(p)
	}
}

// WaitCredits blocks until in-flight prize credits finish.
func (s *Scheduler) WaitCredits() {
	s.credits.Wait()
}

// --- Timers ---

// Run drives the recurring start-next-race timer until ctx is cancelled.
// Call Recover first.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.untilNextRace()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.Stop()
			return ctx.Err()

		case <-s.wake:
			timer.Stop()

		case <-timer.C:
			if _, err := s.StartNewRace(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled race start failed, will retry")
				s.scheduleNext(s.now().Add(s.cfg.RetryDelay))
			}
		}
	}
}

// Stop disarms the end-of-race timer and waits for prize credits.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.disarmLocked()
	s.mu.Unlock()
	s.WaitCredits()
}

func (s *Scheduler) untilNextRace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRaceAt.IsZero() {
		return 0
	}
	d := s.nextRaceAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) scheduleNext(at time.Time) {
	s.mu.Lock()
	s.nextRaceAt = at
	s.mu.Unlock()
	s.wakeRun()
}

func (s *Scheduler) wakeRun() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// armEndTimerLocked replaces the one-shot end timer; callers hold mu.
func (s *Scheduler) armEndTimerLocked(raceID string, d time.Duration) {
	s.disarmLocked()
	s.endTimer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
		defer cancel()
		if err := s.EndRace(ctx, raceID); err != nil {
			s.logger.Error().Err(err).Str("race_id", raceID).Msg("end-of-race timer finalize failed")
		}
	})
}

func (s *Scheduler) disarmLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}
