package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	offlinesync "github.com/always-cache/offline-sync"
	"github.com/always-cache/offline-sync/policy"
)

// Prefix of the environment variables overriding the config file.
const envPrefix = "OFFLINE_SYNC_"

type Config struct {
	Version     string `yaml:"version" env:"VERSION"`
	CachePrefix string `yaml:"cachePrefix" env:"CACHE_PREFIX"`
	Generation  int    `yaml:"generation" env:"GENERATION"`
	// URL of the application origin.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// TLS server name of the origin, if the origin URL is an IP address.
	OriginHost string `yaml:"originHost" env:"ORIGIN_HOST"`
	Port       int    `yaml:"port" env:"PORT"`

	APIHosts        []string     `yaml:"apiHosts" env:"API_HOSTS" envSeparator:","`
	APIPathSegments []string     `yaml:"apiPathSegments" env:"API_PATH_SEGMENTS" envSeparator:","`
	Rules           policy.Rules `yaml:"rules"`
	StaticManifest  []string     `yaml:"staticManifest" env:"STATIC_MANIFEST" envSeparator:","`

	MaxAge        time.Duration `yaml:"maxAge" env:"MAX_AGE"`
	SweepInterval time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL"`
	FetchTimeout  time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`

	SyncURL         string `yaml:"syncUrl" env:"SYNC_URL"`
	SyncTag         string `yaml:"syncTag" env:"SYNC_TAG"`
	SyncConcurrency int    `yaml:"syncConcurrency" env:"SYNC_CONCURRENCY"`

	MarketDataTag    string        `yaml:"marketDataTag" env:"MARKET_DATA_TAG"`
	MarketDataURLs   []string      `yaml:"marketDataUrls" env:"MARKET_DATA_URLS" envSeparator:","`
	PeriodicInterval time.Duration `yaml:"periodicInterval" env:"PERIODIC_INTERVAL"`

	PingURL      string        `yaml:"pingUrl" env:"PING_URL"`
	PingInterval time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`

	Store StoreConfig `yaml:"store" envPrefix:"STORE_"`
}

type StoreConfig struct {
	// sqlite, memory or redis
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite db file, "memory" for an in-memory db.
	// With the redis provider the offline queue is kept here.
	DB    string      `yaml:"db" env:"DB"`
	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"keyPrefix" env:"KEY_PREFIX"`
}

// getConfig reads the config file (if any) and overlays the environment.
func getConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// setDefaults fills in what neither file, environment nor flags set.
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = version
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.MaxAge == 0 {
		c.MaxAge = offlinesync.DefaultMaxAge
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = offlinesync.DefaultSweepInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = offlinesync.DefaultFetchTimeout
	}
	if len(c.APIPathSegments) == 0 {
		c.APIPathSegments = []string{"/api/"}
	}
	if c.PeriodicInterval == 0 {
		c.PeriodicInterval = 12 * time.Hour
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Store.Provider == "" {
		c.Store.Provider = "sqlite"
	}
	if c.Store.DB == "" {
		c.Store.DB = "offline-sync.db"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "offline-sync:"
	}
}

func (c Config) originURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, fmt.Errorf("no origin configured")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if strings.Trim(u.Path, "/") != "" {
		return nil, fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	u.Path = ""
	return u, nil
}
