package samplelog

import (
	"context"
	"time"
)

// Start begins background persistence and pruning. It is a no-op without a
// store.
func (l *Log) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	if l.store != nil {
		// Initial prune so a long-stopped process does not serve expired data.
		l.prune()

		l.wg.Add(1)
		go l.persistLoop()

		l.wg.Add(1)
		go l.pruneLoop()
	}

	return nil
}

// Stop gracefully shuts down the background loops after a final flush.
func (l *Log) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

// persistLoop periodically persists pending samples to storage.
func (l *Log) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			// Final flush before shutdown
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := l.Flush(ctx); err != nil {
				l.log.Error("Final flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, 5*time.Second)
			if _, err := l.Flush(ctx); err != nil {
				l.log.Warn("Failed to persist samples", "error", err)
			}
			cancel()
		}
	}
}

// Flush writes pending samples to the store. On failure the samples are
// kept and retried on the next flush.
func (l *Log) Flush(ctx context.Context) (int64, error) {
	if l.store == nil {
		return 0, nil
	}

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	n, err := l.store.SaveBatch(ctx, batch)
	if err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return 0, err
	}

	l.mu.Lock()
	l.stats.Persisted += n
	l.mu.Unlock()

	l.log.Debug("Persisted samples", "count", n, "batch", len(batch))
	return n, nil
}

// pruneLoop periodically removes expired samples from storage.
func (l *Log) pruneLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *Log) prune() {
	ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
	defer cancel()

	if _, err := l.Prune(ctx); err != nil {
		l.log.Warn("Failed to prune samples", "error", err)
	}
}

// Prune deletes stored samples older than the retention period and returns
// the number removed.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	if l.store == nil || l.retention <= 0 {
		return 0, nil
	}

	cutoff := l.now().Add(-l.retention)
	n, err := l.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("Pruned samples", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
