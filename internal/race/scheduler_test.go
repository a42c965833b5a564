package race_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/observability"
	"CrashRace/internal/race"
	"CrashRace/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

// memStore mirrors the Postgres CAS: CompleteRace transitions a race at
// most once and upserts a row it has never seen.
type memStore struct {
	mu            sync.Mutex
	races         map[string]race.Record
	sessions      map[string][]session.Record
	completeCalls int
	transitions   int
	findErr       error
	completeErr   error
}

func newMemStore() *memStore {
	return &memStore{races: make(map[string]race.Record), sessions: make(map[string][]session.Record)}
}

func (m *memStore) FindActiveRace(context.Context) (*race.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.races {
		if r.Status == race.StatusActive {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetRace(_ context.Context, raceID string) (*race.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[raceID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) SaveRace(_ context.Context, rec *race.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.races[rec.RaceID]; !ok {
		m.races[rec.RaceID] = *rec
	}
	return nil
}

func (m *memStore) CompleteRace(_ context.Context, raceID string, snap race.Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	if m.completeErr != nil {
		return false, m.completeErr
	}
	if r, ok := m.races[raceID]; ok && r.Status == race.StatusEnded {
		return false, nil
	}
	endedAt := snap.EndedAt
	pool := snap.PrizePool
	m.races[raceID] = race.Record{
		RaceID:                 raceID,
		StartTime:              snap.StartTime,
		EndTime:                snap.EndTime,
		Status:                 race.StatusEnded,
		EndedAt:                &endedAt,
		FinalLeaderboard:       snap.Leaderboard,
		FinalPrizePool:         &pool,
		FinalPrizeDistribution: snap.Distribution,
	}
	m.transitions++
	return true, nil
}

func (m *memStore) LoadRaceSessions(_ context.Context, raceID string) ([]session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Record(nil), m.sessions[raceID]...), nil
}

func (m *memStore) setCompleteErr(err error) {
	m.mu.Lock()
	m.completeErr = err
	m.mu.Unlock()
}

func (m *memStore) get(raceID string) (race.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[raceID]
	return r, ok
}

func (m *memStore) count(status race.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.races {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) calls() (complete, transitions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeCalls, m.transitions
}

type credit struct {
	userID string
	amount int64
	reason string
}

type fakeCreditor struct {
	mu      sync.Mutex
	credits []credit
}

func (f *fakeCreditor) CreditPrize(_ context.Context, userID string, amount int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, credit{userID: userID, amount: amount, reason: reason})
	return nil
}

func (f *fakeCreditor) all() []credit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]credit(nil), f.credits...)
	sort.Slice(out, func(i, j int) bool { return out[i].reason < out[j].reason })
	return out
}

type fakeNotifier struct {
	started atomic.Int32
	mu      sync.Mutex
	ended   []race.Record
}

func (f *fakeNotifier) RaceStarted(race.Record) { f.started.Add(1) }

func (f *fakeNotifier) RaceEnded(rec race.Record) {
	f.mu.Lock()
	f.ended = append(f.ended, rec)
	f.mu.Unlock()
}

type harness struct {
	sched    *race.Scheduler
	store    *memStore
	cache    *session.Cache
	creditor *fakeCreditor
	notifier *fakeNotifier
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, store *memStore, mutate func(*race.Config)) *harness {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	cfg := race.DefaultConfig()
	cfg.RetryDelay = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	cache := session.NewCache(session.DefaultConfig(), nil, metrics, zerolog.Nop())
	engine := leaderboard.NewEngine(cache, leaderboard.DefaultContributionRate)
	h := &harness{
		store:    store,
		cache:    cache,
		creditor: &fakeCreditor{},
		notifier: &fakeNotifier{},
		metrics:  metrics,
	}
	h.sched = race.NewScheduler(cfg, store, cache, engine, h.creditor, h.notifier, metrics, zerolog.Nop())
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) play(user string, bet, profit int64) {
	h.cache.Ingest(session.Record{
		UserID:    user,
		BetAmount: bet,
		Profit:    profit,
		IsWin:     profit > 0,
		EndTime:   time.Now(),
	})
}

func (h *harness) current(t *testing.T) race.Record {
	t.Helper()
	cur, ok := h.sched.CurrentRace()
	if !ok {
		t.Fatal("expected a current race")
	}
	return cur
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Test: Lifecycle
// ============================================================================

func TestRaceLifecycle_EndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if err := h.sched.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	first := h.current(t)
	if h.cache.CurrentRace() != first.RaceID {
		t.Fatalf("cache attributes to %q, want %q", h.cache.CurrentRace(), first.RaceID)
	}

	h.play("alice", 100, 30)
	h.play("alice", 100, 40)
	h.play("alice", 100, -20)
	h.play("bob", 200, -50)

	second, err := h.sched.StartNewRace(ctx)
	if err != nil {
		t.Fatalf("start new race: %v", err)
	}
	if second.RaceID == first.RaceID {
		t.Fatal("new race reused the old id")
	}
	if n := h.store.count(race.StatusActive); n != 1 {
		t.Errorf("expected one ACTIVE race, got %d", n)
	}

	ended, ok := h.store.get(first.RaceID)
	if !ok || ended.Status != race.StatusEnded {
		t.Fatalf("first race not ended: %+v", ended)
	}
	if ended.FinalPrizePool.TotalPool != 5 || len(ended.FinalLeaderboard) != 2 {
		t.Errorf("snapshot: pool %+v board %+v", ended.FinalPrizePool, ended.FinalLeaderboard)
	}

	h.sched.WaitCredits()
	got := h.creditor.all()
	want := []credit{
		{userID: "alice", amount: 2, reason: race.PrizeReason(first.RaceID, 1)},
		{userID: "bob", amount: 1, reason: race.PrizeReason(first.RaceID, 2)},
	}
	if len(got) != len(want) {
		t.Fatalf("credits: got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("credit %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	if h.notifier.started.Load() != 2 || len(h.notifier.ended) != 1 {
		t.Errorf("notifications: started %d ended %d", h.notifier.started.Load(), len(h.notifier.ended))
	}

	// Sessions after the switch count toward the new race only.
	h.play("carol", 100, 10)
	if n := len(h.cache.SessionsForRace(second.RaceID)); n != 1 {
		t.Errorf("new race sessions: got %d", n)
	}
	if n := len(h.cache.SessionsForRace(first.RaceID)); n != 4 {
		t.Errorf("old race sessions: got %d", n)
	}
}

func TestPrizeReason(t *testing.T) {
	if got := race.PrizeReason("race_x", 3); got != "race_prize:race_x:rank_3" {
		t.Fatalf("got %q", got)
	}
}

// ============================================================================
// Test: Finalize idempotency
// ============================================================================

func TestEndRace_Twice(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.sched.Recover(ctx)
	cur := h.current(t)
	h.play("alice", 1000, 10)

	if err := h.sched.EndRace(ctx, cur.RaceID); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := h.sched.EndRace(ctx, cur.RaceID); err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}

	if complete, transitions := h.store.calls(); complete != 1 || transitions != 1 {
		t.Errorf("complete calls %d transitions %d, want 1/1", complete, transitions)
	}
	h.sched.WaitCredits()
	if n := len(h.creditor.all()); n != 1 {
		t.Errorf("credits: got %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.FinalizeDuplicates); got != 1 {
		t.Errorf("duplicate metric: got %v", got)
	}
	if _, ok := h.sched.CurrentRace(); ok {
		t.Error("ended race should not be current")
	}
	if h.cache.CurrentRace() != "" {
		t.Error("cache should stop attributing to the ended race")
	}
}

func TestEndRace_Concurrent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.sched.Recover(ctx)
	cur := h.current(t)
	h.play("alice", 1000, 10)
	h.play("bob", 1000, 5)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.sched.EndRace(ctx, cur.RaceID); err != nil {
				t.Errorf("end race: %v", err)
			}
		}()
	}
	wg.Wait()

	if complete, _ := h.store.calls(); complete != 1 {
		t.Fatalf("complete calls: got %d, want 1", complete)
	}
	h.sched.WaitCredits()
	if n := len(h.creditor.all()); n != 2 {
		t.Errorf("credits: got %d, want 2", n)
	}
}

func TestEndRace_AlreadyEndedInStore(t *testing.T) {
	store := newMemStore()
	endedAt := time.Now().Add(-time.Hour)
	store.races["race_old"] = race.Record{RaceID: "race_old", Status: race.StatusEnded, EndedAt: &endedAt}
	h := newHarness(t, store, nil)

	if err := h.sched.EndRace(context.Background(), "race_old"); err != nil {
		t.Fatalf("end race: %v", err)
	}
	if complete, _ := store.calls(); complete != 0 {
		t.Errorf("ended row must not be rewritten, got %d complete calls", complete)
	}
	h.sched.WaitCredits()
	if n := len(h.creditor.all()); n != 0 {
		t.Errorf("no credits expected, got %d", n)
	}
}

func TestEndRace_Unknown(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.sched.EndRace(context.Background(), "race_missing")
	if !errors.Is(err, race.ErrUnknownRace) {
		t.Fatalf("expected ErrUnknownRace, got %v", err)
	}
}

func TestEndRace_StoreFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.sched.Recover(ctx)
	cur := h.current(t)
	h.play("alice", 1000, 10)

	h.store.setCompleteErr(errors.New("connection reset"))
	if err := h.sched.EndRace(ctx, cur.RaceID); err == nil {
		t.Fatal("expected an error")
	}
	if still := h.current(t); still.RaceID != cur.RaceID {
		t.Fatalf("race should still be current, got %s", still.RaceID)
	}
	if h.cache.CurrentRace() != cur.RaceID {
		t.Error("cache attribution should be restored")
	}
	if got := testutil.ToFloat64(h.metrics.FinalizeErrors); got != 1 {
		t.Errorf("finalize errors: got %v", got)
	}

	// No new race while the old one is unsettled.
	if _, err := h.sched.StartNewRace(ctx); err == nil {
		t.Fatal("start must fail while the current race cannot be ended")
	}
	if n := h.store.count(race.StatusActive); n != 1 {
		t.Errorf("ACTIVE races: got %d, want 1", n)
	}

	h.store.setCompleteErr(nil)
	if err := h.sched.EndRace(ctx, cur.RaceID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r, _ := h.store.get(cur.RaceID); r.Status != race.StatusEnded {
		t.Fatalf("status after retry: %s", r.Status)
	}
	h.sched.WaitCredits()
	if n := len(h.creditor.all()); n != 1 {
		t.Errorf("credits: got %d, want 1", n)
	}
}

// ============================================================================
// Test: Timers
// ============================================================================

func TestEndTimer_FinalizesAtEndTime(t *testing.T) {
	h := newHarness(t, nil, func(c *race.Config) { c.RaceDuration = 30 * time.Millisecond })
	h.sched.Recover(context.Background())
	cur := h.current(t)

	eventually(t, "race to end", func() bool {
		r, ok := h.store.get(cur.RaceID)
		return ok && r.Status == race.StatusEnded
	})
	if _, ok := h.sched.CurrentRace(); ok {
		t.Error("no race should be current after the end timer")
	}
	if got := testutil.ToFloat64(h.metrics.RacesFinalized); got != 1 {
		t.Errorf("finalized metric: got %v", got)
	}
}

func TestRun_StartsRacesOnInterval(t *testing.T) {
	h := newHarness(t, nil, func(c *race.Config) {
		c.RaceDuration = time.Hour
		c.RaceInterval = 40 * time.Millisecond
	})
	h.sched.Recover(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	eventually(t, "two races to end", func() bool { return h.store.count(race.StatusEnded) >= 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v", err)
	}

	if n := h.store.count(race.StatusActive); n > 1 {
		t.Errorf("ACTIVE races: got %d, want at most 1", n)
	}
	if complete, transitions := h.store.calls(); complete != transitions {
		t.Errorf("every finalize should transition exactly once: %d calls, %d transitions", complete, transitions)
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestRecover_AdoptsRunningRace(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.races["race_live"] = race.Record{
		RaceID:    "race_live",
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		Status:    race.StatusActive,
	}
	store.sessions["race_live"] = []session.Record{
		{SessionID: "s1", UserID: "alice", RaceID: "race_live", BetAmount: 500, Profit: 20, EndTime: now.Add(-time.Minute)},
	}
	h := newHarness(t, store, nil)

	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if cur := h.current(t); cur.RaceID != "race_live" {
		t.Fatalf("adopted %s", cur.RaceID)
	}
	if h.cache.CurrentRace() != "race_live" {
		t.Error("cache should attribute to the adopted race")
	}
	if n := len(h.cache.SessionsForRace("race_live")); n != 1 {
		t.Errorf("warmed sessions: got %d", n)
	}
	if n := len(store.races); n != 1 {
		t.Errorf("no new race expected, store has %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.RaceRecoveries.WithLabelValues("adopt")); got != 1 {
		t.Errorf("recovery metric: got %v", got)
	}
}

func TestRecover_FinalizesExpiredRace(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.races["race_stale"] = race.Record{
		RaceID:    "race_stale",
		StartTime: now.Add(-5 * time.Hour),
		EndTime:   now.Add(-time.Hour),
		Status:    race.StatusActive,
	}
	store.sessions["race_stale"] = []session.Record{
		{SessionID: "s1", UserID: "alice", RaceID: "race_stale", BetAmount: 300, Profit: 50, EndTime: now.Add(-2 * time.Hour)},
		{SessionID: "s2", UserID: "bob", RaceID: "race_stale", BetAmount: 200, Profit: -50, EndTime: now.Add(-2 * time.Hour)},
	}
	h := newHarness(t, store, nil)

	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	stale, _ := store.get("race_stale")
	if stale.Status != race.StatusEnded || stale.FinalPrizePool.TotalPool != 5 {
		t.Fatalf("stale race: %+v", stale)
	}
	cur := h.current(t)
	if cur.RaceID == "race_stale" {
		t.Fatal("a fresh race should be current")
	}
	if n := store.count(race.StatusActive); n != 1 {
		t.Errorf("ACTIVE races: got %d", n)
	}
	h.sched.WaitCredits()
	if n := len(h.creditor.all()); n != 2 {
		t.Errorf("credits from recovered race: got %d, want 2", n)
	}
}

func TestRecover_FinalizeFailureDefersNewRace(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.races["race_stale"] = race.Record{
		RaceID:    "race_stale",
		StartTime: now.Add(-5 * time.Hour),
		EndTime:   now.Add(-time.Hour),
		Status:    race.StatusActive,
	}
	store.completeErr = errors.New("disk full")
	h := newHarness(t, store, nil)

	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover should not fail: %v", err)
	}
	if n := len(store.races); n != 1 {
		t.Errorf("no new race may start, store has %d", n)
	}
	if next := h.sched.NextRaceAt(); next.Before(now.Add(30 * time.Minute)) {
		t.Errorf("retry should be deferred by RetryDelay, next at %v", next)
	}
}

func TestRecover_StoreErrorStartsFresh(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("connection refused")
	h := newHarness(t, store, nil)

	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	cur := h.current(t)
	if cur.Status != race.StatusActive || !cur.EndTime.After(cur.StartTime) {
		t.Errorf("fresh race: %+v", cur)
	}
	if got := testutil.ToFloat64(h.metrics.RaceRecoveries.WithLabelValues("start_new")); got != 1 {
		t.Errorf("recovery metric: got %v", got)
	}
}
