package race

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// FinalizeGuard admits at most one finalize per race id.
//
// It is the in-memory tier of a two-tier check: the durable tier is the
// ACTIVE→ENDED compare-and-set in CompleteRace. Completed keys are held in
// a bounded LRU; a key that ages out is still protected by the durable tier.
// Safe for concurrent use from both scheduler timers.
type FinalizeGuard struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{} // closed when the claim ends
	done     *finalizedLRU
}

// NewFinalizeGuard remembers up to capacity finalized races.
func NewFinalizeGuard(capacity int) *FinalizeGuard {
	if capacity <= 0 {
		capacity = 1024
	}
	return &FinalizeGuard{
		inFlight: make(map[string]chan struct{}),
		done:     newFinalizedLRU(capacity),
	}
}

func finalizeKey(raceID string) string {
	return fmt.Sprintf("%s:%s", raceID, StatusEnded)
}

// TryAcquire claims the finalize of raceID. It returns false when another
// caller holds it or the race was already finalized.
func (g *FinalizeGuard) TryAcquire(raceID string) bool {
	key := finalizeKey(raceID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[key]; busy {
		return false
	}
	if g.done.Contains(key) {
		return false
	}
	g.inFlight[key] = make(chan struct{})
	return true
}

// Complete records raceID as finalized and releases the claim.
func (g *FinalizeGuard) Complete(raceID string) {
	key := finalizeKey(raceID)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.endClaimLocked(key)
	g.done.Add(key)
}

// Release drops the claim without marking the race finalized, so a later
// trigger can retry.
func (g *FinalizeGuard) Release(raceID string) {
	g.mu.Lock()
	g.endClaimLocked(finalizeKey(raceID))
	g.mu.Unlock()
}

func (g *FinalizeGuard) endClaimLocked(key string) {
	if ch, ok := g.inFlight[key]; ok {
		close(ch)
		delete(g.inFlight, key)
	}
}

// Wait blocks while a finalize of raceID is in flight.
func (g *FinalizeGuard) Wait(ctx context.Context, raceID string) error {
	g.mu.Lock()
	ch, busy := g.inFlight[finalizeKey(raceID)]
	g.mu.Unlock()
	if !busy {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFinalized reports whether raceID is remembered as finalized.
func (g *FinalizeGuard) IsFinalized(raceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done.Contains(finalizeKey(raceID))
}

// --- LRU ---

// finalizedLRU is a bounded set of keys; callers hold the guard mutex.
type finalizedLRU struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func newFinalizedLRU(capacity int) *finalizedLRU {
	return &finalizedLRU{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *finalizedLRU) Contains(key string) bool {
	elem, ok := l.items[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *finalizedLRU) Add(key string) {
	if elem, ok := l.items[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.items[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(string))
	}
}
