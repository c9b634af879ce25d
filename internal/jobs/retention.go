package jobs

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// RunRetention evicts terminal jobs older than retention every interval until
// ctx is cancelled. A non-positive retention disables eviction.
func RunRetention(ctx context.Context, log *slog.Logger, reg Registry, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := reg.Prune(now.UTC().Add(-retention))
			if err != nil {
				log.Warn("prune finished jobs", "err", err)
				continue
			}
			if n > 0 {
				log.Info("evicted finished jobs", "count", n, "retention", retention)
			}
		}
	}
}
