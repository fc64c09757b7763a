// Package syncer drains the offline trade queue against the sync endpoint.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/network"
	"github.com/always-cache/offline-sync/queue"
)

// ErrEntryFailure wraps the failure of a single trade delivery.
// It is recorded in the summary and never aborts the batch.
var ErrEntryFailure = errors.New("sync entry failed")

// Queue is the part of the offline queue the coordinator drains.
type Queue interface {
	ListPending(ctx context.Context) ([]queue.Trade, error)
	MarkSyncing(ctx context.Context, id int64) error
	MarkSynced(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

type Config struct {
	Queue   Queue
	Fetcher network.Fetcher
	// Endpoint trades are POSTed to, e.g. https://trade.example.com/api/trades/sync
	SyncURL string
	Poster  broadcast.Poster
	// Maximum number of deliveries in flight. One if zero.
	Concurrency int
	Logger      zerolog.Logger
}

// Summary is the outcome of one drain.
type Summary struct {
	Synced int
	Total  int
	// Failures by trade id, each wrapping ErrEntryFailure.
	Failures map[int64]error
}

type Coordinator struct {
	queue       Queue
	fetcher     network.Fetcher
	syncURL     string
	poster      broadcast.Poster
	concurrency int
	log         zerolog.Logger
	drains      singleflight.Group
}

func NewCoordinator(config Config) *Coordinator {
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{
		queue:       config.Queue,
		fetcher:     config.Fetcher,
		syncURL:     config.SyncURL,
		poster:      config.Poster,
		concurrency: concurrency,
		log:         config.Logger.With().Str("component", "syncer").Logger(),
	}
}

// Drain delivers every pending trade once.
// Triggers arriving while a drain runs share its result.
// An error is returned only if the batch could not run at all,
// per-trade failures are in the summary.
//
// The shared drain is not cancelled with the caller that started it.
// A caller whose context ends stops waiting and gets ctx.Err(),
// the drain itself runs on for the callers still waiting.
func (c *Coordinator) Drain(ctx context.Context) (Summary, error) {
	// deliveries are bounded by the fetch timeout
	flightCtx := context.WithoutCancel(ctx)
	ch := c.drains.DoChan("drain", func() (any, error) {
		return c.drain(flightCtx)
	})
	select {
	case <-ctx.Done():
		return Summary{}, fmt.Errorf("drain: %w", ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.log.Debug().Msg("Joined drain already in progress")
		}
		return res.Val.(Summary), res.Err
	}
}

func (c *Coordinator) drain(ctx context.Context) (Summary, error) {
	trades, err := c.queue.ListPending(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not read offline queue")
		c.post(broadcast.Message{
			Type: broadcast.TypeSyncFailed,
			Data: broadcast.SyncFailed{Error: err.Error()},
		})
		return Summary{}, fmt.Errorf("drain: %w", err)
	}

	summary := Summary{Total: len(trades), Failures: make(map[int64]error)}
	var mutex sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(c.concurrency)
	for _, trade := range trades {
		g.Go(func() error {
			err := c.syncTrade(ctx, trade)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				summary.Failures[trade.ID] = err
			} else {
				summary.Synced++
			}
			// never abort siblings
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info().Int("synced", summary.Synced).Int("total", summary.Total).Msg("Drain completed")
	c.post(broadcast.Message{
		Type: broadcast.TypeSyncCompleted,
		Data: broadcast.SyncCompleted{Synced: summary.Synced, Total: summary.Total},
	})
	return summary, nil
}

// syncTrade delivers one trade and records the outcome in the queue.
func (c *Coordinator) syncTrade(ctx context.Context, trade queue.Trade) error {
	log := c.log.With().Int64("id", trade.ID).Logger()
	if err := c.queue.MarkSyncing(ctx, trade.ID); err != nil {
		log.Warn().Err(err).Msg("Could not mark trade as syncing")
		return fmt.Errorf("trade %d: %w: %w", trade.ID, ErrEntryFailure, err)
	}

	if err := c.deliver(ctx, trade); err != nil {
		log.Warn().Err(err).Msg("Trade delivery failed")
		if markErr := c.queue.MarkFailed(ctx, trade.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Could not mark trade as failed")
		}
		return fmt.Errorf("trade %d: %w: %w", trade.ID, ErrEntryFailure, err)
	}

	if err := c.queue.MarkSynced(ctx, trade.ID); err != nil {
		// delivered but still queued, the next drain delivers it again
		log.Error().Err(err).Msg("Could not remove synced trade")
		return fmt.Errorf("trade %d: %w: %w", trade.ID, ErrEntryFailure, err)
	}
	return nil
}

// deliver POSTs the trade. The server deduplicates by Idempotency-Key.
func (c *Coordinator) deliver(ctx context.Context, trade queue.Trade) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.syncURL, bytes.NewReader(trade.Payload))
	if err != nil {
		return err
	}
	id := strconv.FormatInt(trade.ID, 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	req.Header.Set("X-Trade-Id", id)

	res, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("server answered %d", res.StatusCode)
	}
	return nil
}

func (c *Coordinator) post(msg broadcast.Message) {
	if c.poster != nil {
		c.poster.Post(msg)
	}
}
