package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	offlinesync "github.com/always-cache/offline-sync"
	"github.com/always-cache/offline-sync/broadcast"
	"github.com/always-cache/offline-sync/cache"
	"github.com/always-cache/offline-sync/network"
	"github.com/always-cache/offline-sync/policy"
	"github.com/always-cache/offline-sync/queue"
	"github.com/always-cache/offline-sync/server"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	generationFlag     int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the application (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "TLS server name of the origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache store provider: sqlite, memory or redis")
	flag.StringVar(&dbFilenameFlag, "db", "offline-sync.db", "DB file name (use 'memory' for in-memory db)")
	flag.IntVar(&generationFlag, "generation", 1, "Cache generation, bump to drop all stored responses")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	applyFlags(&config)
	config.setDefaults()

	if err := run(config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.OriginHost = hostFlag
		case "port":
			config.Port = portFlag
		case "provider":
			config.Store.Provider = providerFlag
		case "db":
			config.Store.DB = dbFilenameFlag
		case "generation":
			config.Generation = generationFlag
		}
	})
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	originURL, err := config.originURL()
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(32, log.Logger)
	store, backend, err := openStores(ctx, config.Store)
	if err != nil {
		return err
	}

	worker := offlinesync.CreateWorker(offlinesync.Config{
		Version:     config.Version,
		CachePrefix: config.CachePrefix,
		Generation:  config.Generation,
		OriginURL:   *originURL,
		Store:       store,
		Queue:       queue.New(queue.Config{Backend: backend, Poster: hub, Logger: log.Logger}),
		Fetcher:     network.NewHTTPFetcher(originClient(config.OriginHost), config.FetchTimeout),
		Classifier: policy.Classifier{
			APIHosts:        config.APIHosts,
			APIPathSegments: config.APIPathSegments,
			Rules:           config.Rules,
		},
		StaticManifest:   config.StaticManifest,
		MaxAge:           config.MaxAge,
		SweepInterval:    config.SweepInterval,
		SyncURL:          config.SyncURL,
		SyncTag:          config.SyncTag,
		SyncConcurrency:  config.SyncConcurrency,
		MarketDataTag:    config.MarketDataTag,
		MarketDataURLs:   config.MarketDataURLs,
		PeriodicInterval: config.PeriodicInterval,
		PingURL:          config.PingURL,
		PingInterval:     config.PingInterval,
		Poster:           hub,
		Logger:           &log.Logger,
	})
	defer func() {
		if err := worker.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close stores")
		}
	}()

	// an earlier install of this generation is reused if the origin is down
	if err := worker.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("Install failed")
	}
	if err := worker.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation failed, requests pass through to the origin")
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", config.Port),
		Handler: server.New(server.Config{
			Worker: worker,
			Hub:    hub,
			Logger: log.Logger,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Msgf("Serving %s on port %d", originURL, config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStores opens the cache store and the queue backend of the provider.
func openStores(ctx context.Context, config StoreConfig) (cache.Store, queue.Backend, error) {
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	switch config.Provider {
	case "memory":
		return cache.NewMemStore(), queue.NewMemBackend(), nil
	case "sqlite":
		store, err := cache.NewSQLiteStore(dbFilename)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache db: %w", err)
		}
		backend, err := queue.NewSQLiteBackend(dbFilename)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open queue db: %w", err)
		}
		return store, backend, nil
	case "redis":
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:      config.Redis.Addr,
			Password:  config.Redis.Password,
			DB:        config.Redis.DB,
			KeyPrefix: config.Redis.KeyPrefix,
		}, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		// trades stay on local disk
		backend, err := queue.NewSQLiteBackend(dbFilename)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open queue db: %w", err)
		}
		return store, backend, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
	}
}

// originClient does not follow redirects, and uses serverName for TLS if set.
func originClient(serverName string) *http.Client {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if serverName != "" {
		client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: serverName,
			},
		}
	}
	return client
}
