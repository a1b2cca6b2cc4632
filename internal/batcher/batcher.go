// Package batcher implements the write-behind MessageCache that absorbs
// chat traffic and flushes it to the Store in amortized batches, grounded on
// original_source/server/services/connection_manager.py's start_listener
// and upload_cached_messages.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pulsehub/internal/metrics"
	"github.com/adred-codev/pulsehub/internal/store"
)

// Inserter is the subset of the Store this package depends on.
type Inserter interface {
	InsertBatch(ctx context.Context, records []store.ChatRecord) error
}

// ActiveConnectionCounter reports the Hub's current live connection count,
// used by the flush policy's max(active, 5) size threshold.
type ActiveConnectionCounter func() int

// Batcher accumulates ChatRecords and flushes them on size, age, or an
// explicit trigger (shutdown, last-disconnect).
type Batcher struct {
	store       Inserter
	logger      zerolog.Logger
	activeConns ActiveConnectionCounter

	uploadTimer time.Duration

	mu           sync.Mutex
	cache        []store.ChatRecord
	lastFlushAt  time.Time

	tickInterval time.Duration

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New constructs a Batcher. uploadTimer is CACHED_MESSAGE_UPLOAD_TIMER.
func New(st Inserter, logger zerolog.Logger, activeConns ActiveConnectionCounter, uploadTimer time.Duration) *Batcher {
	return &Batcher{
		store:        st,
		logger:       logger,
		activeConns:  activeConns,
		uploadTimer:  uploadTimer,
		lastFlushAt:  time.Now(),
		tickInterval: time.Second,
	}
}

// Append adds a ChatRecord to the in-memory cache. Safe for concurrent use
// by many inbound dispatch goroutines; never blocks on the Store.
func (b *Batcher) Append(r store.ChatRecord) {
	b.mu.Lock()
	b.cache = append(b.cache, r)
	b.mu.Unlock()
}

// Start begins the flush loop, evaluated once per second per spec.md §4.4.
// Idempotent: a call while already running is a no-op, matching spec.md
// §4.3 step 7's "starts the Batcher loop if not already running." The Hub
// restarts the loop on the next connect after Stop drained it to empty.
func (b *Batcher) Start(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.loop(loopCtx)
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evaluate(ctx)
		}
	}
}

// evaluate runs one flush-policy decision, exactly per spec.md §4.4:
//   - empty cache: advance last_flush_at, do nothing else
//   - size >= max(active_connections, 5): flush now
//   - otherwise age > uploadTimer and non-empty: flush now
func (b *Batcher) evaluate(ctx context.Context) {
	b.mu.Lock()
	if len(b.cache) == 0 {
		b.lastFlushAt = time.Now()
		b.mu.Unlock()
		return
	}

	active := 5
	if b.activeConns != nil {
		if n := b.activeConns(); n > active {
			active = n
		}
	}

	sizeFlush := len(b.cache) >= active
	ageFlush := !sizeFlush && time.Since(b.lastFlushAt) > b.uploadTimer
	b.mu.Unlock()

	if sizeFlush || ageFlush {
		b.flush(ctx)
	}
}

// flush takes a snapshot of the cache and writes it to the Store. On
// success, exactly the snapshotted records are removed; on failure the
// cache is left fully intact for the next tick — spec.md invariants 3/4.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.cache) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]store.ChatRecord, len(b.cache))
	copy(snapshot, b.cache)
	b.mu.Unlock()

	err := b.store.InsertBatch(ctx, snapshot)
	if err != nil {
		metrics.BatchFlushes.WithLabelValues("failure").Inc()
		b.logger.Error().Err(err).Int("count", len(snapshot)).Msg("batch flush failed, retaining cache for retry")
		return
	}
	metrics.BatchFlushes.WithLabelValues("success").Inc()

	b.mu.Lock()
	// Remove exactly the flushed records; appenders may have added more
	// while the write was in flight.
	if len(b.cache) >= len(snapshot) {
		b.cache = b.cache[len(snapshot):]
	} else {
		b.cache = nil
	}
	b.lastFlushAt = time.Now()
	b.mu.Unlock()

	b.logger.Debug().Int("count", len(snapshot)).Msg("batch flushed")
}

// FlushNow forces an immediate flush attempt, used on last-disconnect and
// shutdown per spec.md §4.3/§4.4/§5.
func (b *Batcher) FlushNow(ctx context.Context) {
	b.flush(ctx)
}

// Stop performs one final flush, then cancels the loop and waits for it to
// exit. Safe to call even if Start was never called, and safe to call more
// than once. A subsequent Start call restarts the loop.
func (b *Batcher) Stop(ctx context.Context) {
	b.FlushNow(ctx)

	b.lifecycleMu.Lock()
	if !b.running {
		b.lifecycleMu.Unlock()
		return
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.lifecycleMu.Unlock()

	cancel()
	<-done
}

// Len reports the current cache size, for tests and diagnostics.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}
