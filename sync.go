package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-sync/broadcast"
)

// MarketDataRefresh is the reply of a market data refresh.
type MarketDataRefresh struct {
	Refreshed int `json:"refreshed"`
	Total     int `json:"total"`
}

// SyncNow drains the offline queue.
func (w *Worker) SyncNow(ctx context.Context) (broadcast.SyncCompleted, error) {
	res, err := w.Dispatch(ctx, Event{Kind: KindSync, Tag: w.syncTag})
	reply, _ := res.Reply.(broadcast.SyncCompleted)
	return reply, err
}

// handleSync drains the queue for the sync tag.
// A drain that could not run is returned as error so the platform reschedules it.
func (w *Worker) handleSync(ctx context.Context, ev Event) (Result, error) {
	if ev.Tag != w.syncTag {
		w.log.Warn().Str("tag", ev.Tag).Msg("Ignoring background sync with unknown tag")
		return Result{}, nil
	}
	return w.drain(ctx)
}

func (w *Worker) drain(ctx context.Context) (Result, error) {
	summary, err := w.syncer.Drain(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: broadcast.SyncCompleted{Synced: summary.Synced, Total: summary.Total}}, nil
}

func (w *Worker) handlePeriodicSync(ctx context.Context, ev Event) (Result, error) {
	switch ev.Tag {
	case w.marketDataTag:
		return w.refreshMarketData(ctx)
	case w.syncTag:
		return w.drain(ctx)
	default:
		w.log.Warn().Str("tag", ev.Tag).Msg("Ignoring periodic sync with unknown tag")
		return Result{}, nil
	}
}

// refreshMarketData refreshes every market data URL through the API strategy.
// A failed URL keeps its stored response and does not stop the others.
func (w *Worker) refreshMarketData(ctx context.Context) (Result, error) {
	var (
		mutex     sync.Mutex
		refreshed int
		errs      []error
	)
	g := errgroup.Group{}
	for _, u := range w.marketDataURLs {
		g.Go(func() error {
			err := w.refresh(ctx, u)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				refreshed++
			}
			return nil
		})
	}
	_ = g.Wait()

	reply := MarketDataRefresh{Refreshed: refreshed, Total: len(w.marketDataURLs)}
	if err := errors.Join(errs...); err != nil {
		w.log.Warn().Err(err).Int("refreshed", refreshed).Int("total", reply.Total).Msg("Market data partially refreshed")
	} else {
		w.log.Debug().Int("refreshed", refreshed).Msg("Market data refreshed")
	}
	return Result{Reply: reply}, nil
}

func (w *Worker) refresh(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", u, err)
	}
	if _, err := w.router.Refresh(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", u, err)
	}
	return nil
}
