package offlinesync

import (
	"context"
	"io"
	"net/http"
	"time"
)

// watchConnectivity polls the ping URL and dispatches a background sync
// whenever the network comes back. The watcher starts offline, so
// trades left over from an earlier run are synced on the first good ping.
func (w *Worker) watchConnectivity(ctx context.Context) {
	w.log.Info().Str("url", w.pingURL).Msgf("Watching connectivity every %s", w.pingInterval)
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	online, resync := false, false
	for {
		now := w.ping(ctx)
		if now != online {
			w.log.Info().Bool("online", now).Msg("Connectivity changed")
			resync = now
		}
		online = now
		// a drain that could not run is retried on the next tick
		if online && resync {
			if _, err := w.Dispatch(ctx, Event{Kind: KindSync, Tag: w.syncTag}); err != nil {
				w.log.Warn().Err(err).Msg("Sync after reconnect failed")
			} else {
				resync = false
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ping reports whether the ping URL answered. Any status counts.
func (w *Worker) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.pingURL, nil)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not create ping request")
		return false
	}
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.log.Trace().Err(err).Msg("Ping failed")
		return false
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return true
}
