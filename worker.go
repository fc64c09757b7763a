package offlinesync

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/cache"
	"github.com/always-cache/offline-sync/network"
	"github.com/always-cache/offline-sync/pkg/fingerprint"
	"github.com/always-cache/offline-sync/policy"
	"github.com/always-cache/offline-sync/queue"
	"github.com/always-cache/offline-sync/syncer"
)

const (
	DefaultCachePrefix   = "offline-sync"
	DefaultMaxAge        = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultFetchTimeout  = 10 * time.Second
	DefaultSyncPath      = "/api/trades/sync"
	DefaultSyncTag       = "sync-trades"
	DefaultMarketDataTag = "market-data"
)

type Config struct {
	// Version reported to clients.
	Version string
	// Prefix of the cache namespace names.
	CachePrefix string
	// Generation of the namespaces. Bumping it drops all stored responses on activation.
	Generation int
	// URL of the application origin.
	// Relative request URLs and manifest paths resolve against it.
	OriginURL url.URL
	// Storage for cached responses. In-memory if nil.
	Store cache.Store
	// Offline trade queue. In-memory if nil.
	Queue *queue.Queue
	// Network access. An HTTP fetcher bounded by FetchTimeout if nil.
	Fetcher      network.Fetcher
	FetchTimeout time.Duration
	Classifier   policy.Classifier
	// Paths of the static assets stored on install.
	StaticManifest []string
	// Age after which API responses are swept.
	MaxAge        time.Duration
	SweepInterval time.Duration
	// Endpoint queued trades are delivered to. Defaults to DefaultSyncPath on the origin.
	SyncURL string
	// Background sync tag draining the queue.
	SyncTag string
	// Maximum number of trades delivered at once.
	SyncConcurrency int
	// Periodic sync tag refreshing MarketDataURLs.
	MarketDataTag    string
	MarketDataURLs   []string
	PeriodicInterval time.Duration
	// URL polled for connectivity. No polling if empty.
	PingURL      string
	PingInterval time.Duration
	// Receives messages for the UI clients. Messages are dropped if nil.
	Poster   broadcast.Poster
	Notifier Notifier
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock. time.Now if nil.
	Now func() time.Time
}

// Worker is the offline layer in front of the application origin.
// Platform triggers are delivered through Dispatch.
type Worker struct {
	version   string
	origin    url.URL
	store     cache.Store
	queue     *queue.Queue
	fetcher   network.Fetcher
	router    *policy.Router
	syncer    *syncer.Coordinator
	poster    broadcast.Poster
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
	staticNs  cache.Namespace
	dynamicNs cache.Namespace

	classifier       policy.Classifier
	manifest         []string
	maxAge           time.Duration
	sweepInterval    time.Duration
	syncTag          string
	marketDataTag    string
	marketDataURLs   []string
	periodicInterval time.Duration
	pingURL          string
	pingInterval     time.Duration

	handlers map[Kind]handler
	// closed when activation cleanup has completed
	activated    chan struct{}
	activateOnce sync.Once
	installed    atomic.Bool
}

// CreateWorker initializes the worker.
// Background loops are started with Run.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	w := &Worker{
		version:          config.Version,
		origin:           config.OriginURL,
		store:            config.Store,
		queue:            config.Queue,
		fetcher:          config.Fetcher,
		poster:           config.Poster,
		notifier:         config.Notifier,
		log:              logger,
		now:              config.Now,
		classifier:       config.Classifier,
		manifest:         config.StaticManifest,
		maxAge:           config.MaxAge,
		sweepInterval:    config.SweepInterval,
		syncTag:          config.SyncTag,
		marketDataTag:    config.MarketDataTag,
		marketDataURLs:   config.MarketDataURLs,
		periodicInterval: config.PeriodicInterval,
		pingURL:          config.PingURL,
		pingInterval:     config.PingInterval,
		activated:        make(chan struct{}),
	}

	if w.version == "" {
		w.version = "DEV"
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.maxAge == 0 {
		w.maxAge = DefaultMaxAge
	}
	if w.syncTag == "" {
		w.syncTag = DefaultSyncTag
	}
	if w.marketDataTag == "" {
		w.marketDataTag = DefaultMarketDataTag
	}
	if w.poster == nil {
		w.poster = broadcast.Discard
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Logger: logger}
	}
	if w.store == nil {
		w.store = cache.NewMemStore()
	}
	if w.queue == nil {
		w.queue = queue.New(queue.Config{Backend: queue.NewMemBackend(), Poster: w.poster, Logger: logger})
	}
	if w.fetcher == nil {
		timeout := config.FetchTimeout
		if timeout == 0 {
			timeout = DefaultFetchTimeout
		}
		w.fetcher = network.NewHTTPFetcher(nil, timeout)
	}

	prefix := config.CachePrefix
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	generation := max(config.Generation, 1)
	w.staticNs = cache.StaticNamespace(prefix, generation)
	w.dynamicNs = cache.DynamicNamespace(prefix, generation)

	w.router = policy.NewRouter(policy.Config{
		Store:            w.store,
		Fetcher:          w.fetcher,
		Keyer:            fingerprint.NewKeyer(&w.origin),
		Classifier:       w.classifier,
		StaticNamespace:  w.staticNs.Name,
		DynamicNamespace: w.dynamicNs.Name,
		Logger:           logger,
		Now:              w.now,
	})

	syncURL := config.SyncURL
	if syncURL == "" {
		syncURL = strings.TrimSuffix(w.origin.String(), "/") + DefaultSyncPath
	}
	w.syncer = syncer.NewCoordinator(syncer.Config{
		Queue:       w.queue,
		Fetcher:     w.fetcher,
		SyncURL:     syncURL,
		Poster:      w.poster,
		Concurrency: config.SyncConcurrency,
		Logger:      logger,
	})

	w.handlers = w.dispatchTable()
	return w
}

// Run starts the background loops (freshness sweep, periodic market data
// refresh, connectivity watcher) and blocks until ctx is done.
// Loops with a zero interval are not started.
func (w *Worker) Run(ctx context.Context) error {
	g := errgroup.Group{}
	if w.sweepInterval > 0 {
		g.Go(func() error {
			w.sweepLoop(ctx)
			return nil
		})
	}
	if w.periodicInterval > 0 && len(w.marketDataURLs) > 0 {
		g.Go(func() error {
			w.every(ctx, w.periodicInterval, Event{Kind: KindPeriodicSync, Tag: w.marketDataTag})
			return nil
		})
	}
	if w.pingURL != "" && w.pingInterval > 0 {
		g.Go(func() error {
			w.watchConnectivity(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close waits for detached work and closes the queue and the store.
func (w *Worker) Close() error {
	w.router.Wait()
	return errors.Join(w.queue.Close(), w.store.Close())
}

// Version returns the version reported to clients.
func (w *Worker) Version() string {
	return w.version
}

// Namespaces returns the current static and dynamic namespaces.
func (w *Worker) Namespaces() (static, dynamic cache.Namespace) {
	return w.staticNs, w.dynamicNs
}

// Activated is closed once activation cleanup has completed.
func (w *Worker) Activated() <-chan struct{} {
	return w.activated
}

func (w *Worker) isActivated() bool {
	select {
	case <-w.activated:
		return true
	default:
		return false
	}
}

// every dispatches ev on every tick until ctx is done.
func (w *Worker) every(ctx context.Context, interval time.Duration, ev Event) {
	w.log.Info().Str("kind", string(ev.Kind)).Str("tag", ev.Tag).Msgf("Starting periodic trigger every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Dispatch(ctx, ev); err != nil {
				w.log.Warn().Err(err).Str("tag", ev.Tag).Msg("Periodic trigger failed")
			}
		}
	}
}
