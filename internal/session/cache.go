package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"CrashRace/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the durable side of the write-back cache.
// persistence.Store implements it against Postgres.
type Store interface {
	SaveSessionsBatch(ctx context.Context, records []Record) error
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls retention, flushing and overflow behaviour.
type Config struct {
	MaxCacheSize    int
	FlushInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	MaxFlushRetries int
	FlushTimeout    time.Duration // bound on one bulk insert; 0 = caller's ctx only

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:    100_000,
		FlushInterval:   5 * time.Second,
		CleanupInterval: 10 * time.Minute,
		Retention:       24 * time.Hour,
		MaxFlushRetries: 3,
		FlushTimeout:    30 * time.Second,
	}
}

// Cache owns every live session record. Ingest appends to a per-user list,
// a global list and the pending-flush queue; a background flush drains the
// queue into Postgres. All list mutation happens under mu.
type Cache struct {
	cfg     Config
	store   Store
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	global      []*Record
	byUser      map[string][]*Record
	pending     []pendingEntry
	currentRace string

	// flushMu keeps flushes from overlapping.
	flushMu sync.Mutex

	flushedTotal atomic.Int64
	droppedTotal atomic.Int64
	evictedTotal atomic.Int64
	lastFlush    atomic.Int64 // unix nanos of last successful flush
	overCapacity atomic.Bool

	background sync.WaitGroup
}

// NewCache creates an empty cache. store may be nil, in which case flush
// and retention deletes are treated as successful no-ops.
func NewCache(cfg Config, store Store, metrics *observability.Metrics, logger zerolog.Logger) *Cache {
	def := DefaultConfig()
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = def.MaxCacheSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxFlushRetries < 0 {
		cfg.MaxFlushRetries = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Cache{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     now,
		byUser:  make(map[string][]*Record),
	}
}

// --- Current race handle ---

// SetCurrentRace sets the race new sessions are attributed to ("" = none).
func (c *Cache) SetCurrentRace(raceID string) {
	c.mu.Lock()
	c.currentRace = raceID
	c.mu.Unlock()
}

// ClearCurrentRace clears the current race only if it is still raceID.
func (c *Cache) ClearCurrentRace(raceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentRace != raceID {
		return false
	}
	c.currentRace = ""
	return true
}

// CurrentRace returns the race new sessions are attributed to.
func (c *Cache) CurrentRace() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRace
}

// --- Ingest ---

// Ingest stores a copy of rec and returns it. It never touches durable
// storage. The race a session counts toward is always the cache's current
// race; a race id carried by the caller is ignored, and free-mode sessions
// are never attributed. If the global list grows past MaxCacheSize, expired
// records are evicted inline. Records inside retention are never dropped to
// make room, so the cache may stay over capacity until they age out.
func (c *Cache) Ingest(rec Record) Record {
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	now := c.now()
	rec.IngestedAt = now
	stored := &rec

	c.mu.Lock()
	stored.RaceID = ""
	if !stored.IsFreeMode {
		stored.RaceID = c.currentRace
	}
	c.global = append(c.global, stored)
	c.byUser[stored.UserID] = append(c.byUser[stored.UserID], stored)
	c.pending = append(c.pending, pendingEntry{rec: stored})

	// The list is roughly oldest first; skip the scan while its head is live.
	var expired int
	cutoff := now.Add(-c.cfg.Retention)
	if len(c.global) > c.cfg.MaxCacheSize && recordTime(c.global[0]).Before(cutoff) {
		expired = c.removeLocked(func(r *Record) bool { return recordTime(r).Before(cutoff) })
	}
	size, pending := len(c.global), len(c.pending)
	over := size > c.cfg.MaxCacheSize
	out := *stored
	c.mu.Unlock()

	if expired > 0 {
		c.evictedTotal.Add(int64(expired))
		c.logger.Info().
			Int("expired", expired).
			Int("max_cache_size", c.cfg.MaxCacheSize).
			Msg("cache overflow, evicted expired sessions inline")
	}
	// Log once per excursion above capacity, not on every ingest.
	if wasOver := c.overCapacity.Swap(over); over && !wasOver {
		c.logger.Warn().
			Int("cache_size", size).
			Int("max_cache_size", c.cfg.MaxCacheSize).
			Msg("cache over capacity with no expired sessions to evict")
	}
	if c.metrics != nil {
		c.metrics.SessionsIngested.Inc()
		if expired > 0 {
			c.metrics.SessionsEvicted.WithLabelValues("retention").Add(float64(expired))
		}
		if over {
			c.metrics.CacheOverCapacity.Inc()
		}
		c.metrics.CacheSize.Set(float64(size))
		c.metrics.CachePending.Set(float64(pending))
	}

	return out
}

// Warm loads records that are already durable (recovery path). They are
// not queued for flush, and session ids already resident are skipped.
func (c *Cache) Warm(records []Record) int {
	if len(records) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.global))
	for _, r := range c.global {
		seen[r.SessionID] = struct{}{}
	}

	warmed := make([]*Record, 0, len(records))
	warmedByUser := make(map[string][]*Record)
	for i := range records {
		rec := records[i]
		if _, dup := seen[rec.SessionID]; dup {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		if rec.IngestedAt.IsZero() {
			rec.IngestedAt = rec.EndTime
		}
		warmed = append(warmed, &rec)
		warmedByUser[rec.UserID] = append(warmedByUser[rec.UserID], &rec)
	}

	// Warmed records are older than anything ingested since boot.
	c.global = append(warmed, c.global...)
	for userID, list := range warmedByUser {
		c.byUser[userID] = append(list, c.byUser[userID]...)
	}

	return len(warmed)
}

// --- Reads ---

// Query returns up to limit of the user's cached sessions, most recent
// first. limit <= 0 returns all of them.
func (c *Cache) Query(userID string, limit int) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.byUser[userID]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *list[i])
	}
	return out
}

// QueryGlobal returns every cached session that ended at or after since,
// in ingest order.
func (c *Cache) QueryGlobal(since time.Time) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, r := range c.global {
		if !recordTime(r).Before(since) {
			out = append(out, *r)
		}
	}
	return out
}

// SessionsForRace returns the cached sessions attributed to raceID.
func (c *Cache) SessionsForRace(raceID string) []Record {
	if raceID == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, r := range c.global {
		if r.InRace(raceID) {
			out = append(out, *r)
		}
	}
	return out
}

// Stats is a point-in-time view of cache health.
type Stats struct {
	CacheSize     int       `json:"cache_size"`
	UserCount     int       `json:"user_count"`
	PendingFlush  int       `json:"pending_flush"`
	FlushedTotal  int64     `json:"flushed_total"`
	DroppedTotal  int64     `json:"dropped_total"`
	EvictedTotal  int64     `json:"evicted_total"`
	LastFlushAt   time.Time `json:"last_flush_at,omitempty"`
	CurrentRaceID string    `json:"current_race_id,omitempty"`
}

// Stats returns cache health counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		CacheSize:     len(c.global),
		UserCount:     len(c.byUser),
		PendingFlush:  len(c.pending),
		CurrentRaceID: c.currentRace,
	}
	c.mu.RUnlock()

	s.FlushedTotal = c.flushedTotal.Load()
	s.DroppedTotal = c.droppedTotal.Load()
	s.EvictedTotal = c.evictedTotal.Load()
	if ns := c.lastFlush.Load(); ns > 0 {
		s.LastFlushAt = time.Unix(0, ns)
	}
	return s
}

// --- internal list maintenance (callers hold mu) ---

// removeLocked drops every record matching pred from the global list and
// from the per-user lists it belongs to.
func (c *Cache) removeLocked(pred func(*Record) bool) int {
	removed := make(map[*Record]struct{})
	kept := c.global[:0]
	for _, r := range c.global {
		if pred(r) {
			removed[r] = struct{}{}
			continue
		}
		kept = append(kept, r)
	}
	clearTail(c.global, len(kept))
	c.global = kept

	if len(removed) > 0 {
		c.pruneUsersLocked(removed)
	}
	return len(removed)
}

func (c *Cache) pruneUsersLocked(removed map[*Record]struct{}) {
	touched := make(map[string]struct{})
	for r := range removed {
		touched[r.UserID] = struct{}{}
	}
	for userID := range touched {
		list := c.byUser[userID]
		kept := list[:0]
		for _, r := range list {
			if _, gone := removed[r]; !gone {
				kept = append(kept, r)
			}
		}
		clearTail(list, len(kept))
		if len(kept) == 0 {
			delete(c.byUser, userID)
			continue
		}
		c.byUser[userID] = kept
	}
}

// clearTail nils out pointers past n so filtered-in-place slices release them.
func clearTail(list []*Record, n int) {
	for i := n; i < len(list); i++ {
		list[i] = nil
	}
}

// recordTime is the instant retention is measured from.
func recordTime(r *Record) time.Time {
	if r.EndTime.IsZero() {
		return r.IngestedAt
	}
	return r.EndTime
}
