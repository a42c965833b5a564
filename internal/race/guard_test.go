package race_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"CrashRace/internal/race"
)

func TestFinalizeGuard_SingleClaim(t *testing.T) {
	g := race.NewFinalizeGuard(8)

	if !g.TryAcquire("race_a") {
		t.Fatal("first claim should succeed")
	}
	if g.TryAcquire("race_a") {
		t.Fatal("second claim while in flight should fail")
	}
	if !g.TryAcquire("race_b") {
		t.Fatal("claims are per race")
	}

	g.Complete("race_a")
	if g.TryAcquire("race_a") {
		t.Fatal("finalized race must not be claimed again")
	}
	if !g.IsFinalized("race_a") {
		t.Error("race_a should be finalized")
	}
}

func TestFinalizeGuard_ReleaseAllowsRetry(t *testing.T) {
	g := race.NewFinalizeGuard(8)
	g.TryAcquire("race_a")
	g.Release("race_a")

	if g.IsFinalized("race_a") {
		t.Fatal("release must not mark the race finalized")
	}
	if !g.TryAcquire("race_a") {
		t.Fatal("released race should be claimable")
	}
}

func TestFinalizeGuard_ConcurrentClaims(t *testing.T) {
	g := race.NewFinalizeGuard(8)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("race_a") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestFinalizeGuard_WaitBlocksUntilClaimEnds(t *testing.T) {
	g := race.NewFinalizeGuard(8)
	if err := g.Wait(context.Background(), "race_a"); err != nil {
		t.Fatalf("wait with no claim: %v", err)
	}

	g.TryAcquire("race_a")
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), "race_a") }()

	select {
	case <-done:
		t.Fatal("wait returned while the claim was held")
	case <-time.After(20 * time.Millisecond):
	}

	g.Complete("race_a")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after complete")
	}
}

func TestFinalizeGuard_WaitHonoursContext(t *testing.T) {
	g := race.NewFinalizeGuard(8)
	g.TryAcquire("race_a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, "race_a"); err == nil {
		t.Fatal("expected a context error")
	}
}

func TestFinalizeGuard_LRUBound(t *testing.T) {
	g := race.NewFinalizeGuard(2)
	for _, id := range []string{"race_a", "race_b", "race_c"} {
		g.TryAcquire(id)
		g.Complete(id)
	}

	if g.IsFinalized("race_a") {
		t.Error("oldest key should have aged out")
	}
	if !g.IsFinalized("race_b") || !g.IsFinalized("race_c") {
		t.Error("recent keys should be remembered")
	}
}
