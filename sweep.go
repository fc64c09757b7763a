package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/always-cache/offline-sync/pkg/fingerprint"
)

// sweepLoop runs the freshness sweep every sweep interval until ctx is done.
// A failed sweep is retried on the next tick.
func (w *Worker) sweepLoop(ctx context.Context) {
	w.log.Info().Msgf("Starting freshness sweep every %s (max age %s)", w.sweepInterval, w.maxAge)
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("Freshness sweep failed")
			}
		}
	}
}

// Sweep deletes the API responses stored longer than the max age ago.
// Only entries of external API hosts are considered.
// It returns the number of deleted entries.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	entries, err := w.store.All(ctx, w.dynamicNs.Name)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	now := w.now()
	deleted := 0
	var errs []error
	for _, entry := range entries {
		if entry.Age(now) <= w.maxAge {
			continue
		}
		if !w.classifier.IsAPIHost(fingerprint.Host(entry.Fingerprint)) {
			continue
		}
		if err := w.store.Delete(ctx, w.dynamicNs.Name, entry.Fingerprint); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
		w.log.Trace().Str("fingerprint", entry.Fingerprint).Dur("age", entry.Age(now)).Msg("Swept stale entry")
	}
	if deleted > 0 {
		w.log.Debug().Int("deleted", deleted).Int("entries", len(entries)).Msg("Freshness sweep done")
	}
	if err := errors.Join(errs...); err != nil {
		return deleted, fmt.Errorf("sweep: %w", err)
	}
	return deleted, nil
}
