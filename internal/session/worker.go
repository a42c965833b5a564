package session

import (
	"context"
	"sync"
	"time"
)

// FlushResult summarises one flush cycle.
type FlushResult struct {
	Attempted int
	Written   int
	Retried   int
	Dropped   int
	Err       error
}

// Flush drains the pending queue into the store as one bulk insert.
//
// The queue is swapped out before any I/O, so ingest keeps appending to a
// fresh queue while the batch is written. On failure, entries under
// MaxFlushRetries go back to the front of the queue with retries+1; the rest
// are dropped and counted. Dropped records stay readable in the cache but
// never reach Postgres.
func (c *Cache) Flush(ctx context.Context) FlushResult {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}
	}

	records := make([]Record, len(batch))
	for i, e := range batch {
		records[i] = *e.rec
	}

	start := time.Now()
	err := c.save(ctx, records)
	if err == nil {
		c.flushedTotal.Add(int64(len(records)))
		c.lastFlush.Store(c.now().UnixNano())
		if c.metrics != nil {
			c.metrics.SessionsFlushed.Add(float64(len(records)))
			c.metrics.FlushDuration.Observe(time.Since(start).Seconds())
			c.metrics.FlushBatchSize.Observe(float64(len(records)))
			c.metrics.CachePending.Set(float64(c.pendingLen()))
		}
		c.logger.Debug().Int("records", len(records)).Dur("took", time.Since(start)).Msg("flushed sessions")
		return FlushResult{Attempted: len(records), Written: len(records)}
	}

	requeue := make([]pendingEntry, 0, len(batch))
	dropped := 0
	for _, e := range batch {
		if e.retries < c.cfg.MaxFlushRetries {
			requeue = append(requeue, pendingEntry{rec: e.rec, retries: e.retries + 1})
			continue
		}
		dropped++
	}

	c.mu.Lock()
	c.pending = append(requeue, c.pending...)
	pending := len(c.pending)
	c.mu.Unlock()

	if dropped > 0 {
		c.droppedTotal.Add(int64(dropped))
	}
	if c.metrics != nil {
		c.metrics.FlushErrors.Inc()
		c.metrics.SessionsRetried.Add(float64(len(requeue)))
		c.metrics.SessionsDropped.Add(float64(dropped))
		c.metrics.CachePending.Set(float64(pending))
	}

	c.logger.Warn().Err(err).
		Int("batch", len(batch)).
		Int("requeued", len(requeue)).
		Msg("session flush failed")
	if dropped > 0 {
		c.logger.Warn().
			Int("dropped", dropped).
			Int("max_retries", c.cfg.MaxFlushRetries).
			Int64("dropped_total", c.droppedTotal.Load()).
			Msg("sessions exhausted flush retries and will not be persisted")
	}

	return FlushResult{
		Attempted: len(records),
		Retried:   len(requeue),
		Dropped:   dropped,
		Err:       err,
	}
}

func (c *Cache) save(ctx context.Context, records []Record) error {
	if c.store == nil {
		return nil
	}
	if c.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FlushTimeout)
		defer cancel()
	}
	return c.store.SaveSessionsBatch(ctx, records)
}

func (c *Cache) pendingLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Evict removes every record that ended before now-Retention from the
// global and per-user lists, then deletes the same window from Postgres in
// the background. It returns the number of records evicted from memory.
func (c *Cache) Evict(ctx context.Context) int {
	cutoff := c.now().Add(-c.cfg.Retention)

	c.mu.Lock()
	n := c.removeLocked(func(r *Record) bool { return recordTime(r).Before(cutoff) })
	size := len(c.global)
	c.mu.Unlock()

	if n > 0 {
		c.evictedTotal.Add(int64(n))
		c.logger.Info().Int("evicted", n).Time("cutoff", cutoff).Msg("retention eviction")
	}
	if c.metrics != nil {
		c.metrics.SessionsEvicted.WithLabelValues("retention").Add(float64(n))
		c.metrics.CacheSize.Set(float64(size))
	}

	if c.store != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.deleteOlderThan(context.WithoutCancel(ctx), cutoff)
		}()
	}

	return n
}

func (c *Cache) deleteOlderThan(ctx context.Context, cutoff time.Time) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := c.store.DeleteSessionsOlderThan(ctx, cutoff)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RetentionDelErrors.Inc()
		}
		c.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("retention delete failed")
		return
	}
	if c.metrics != nil {
		c.metrics.RetentionDeletes.Add(float64(deleted))
	}
	if deleted > 0 {
		c.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("retention delete")
	}
}

// WaitBackground blocks until in-flight retention deletes finish.
func (c *Cache) WaitBackground() {
	c.background.Wait()
}

// Run drives the flush and cleanup tickers until ctx is cancelled, then
// performs one final flush with a detached context.
func (c *Cache) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Evict(ctx)
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.finalFlush()
			c.WaitBackground()
			return ctx.Err()
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

func (c *Cache) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := c.Flush(ctx)
	if res.Err != nil {
		c.logger.Error().Err(res.Err).Int("pending", c.pendingLen()).Msg("final flush failed")
		return
	}
	if res.Written > 0 {
		c.logger.Info().Int("records", res.Written).Msg("final flush complete")
	}
}
