package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix for every key written by the store.
	KeyPrefix string
}

// RedisStore keeps one hash per namespace (field = fingerprint)
// and a set with the names of all namespaces.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis")

	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

func (r *RedisStore) namespacesKey() string {
	return r.prefix + "namespaces"
}

func (r *RedisStore) entriesKey(ns string) string {
	return r.prefix + "ns:" + ns
}

func (r *RedisStore) Open(ctx context.Context, ns string) error {
	if err := r.rdb.SAdd(ctx, r.namespacesKey(), ns).Err(); err != nil {
		return unreadable("open namespace", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, ns, fp string) (Entry, bool, error) {
	b, err := r.rdb.HGet(ctx, r.entriesKey(ns), fp).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, unreadable("get", err)
	}
	entry, err := decodeEntry(fp, b)
	if err != nil {
		return Entry{}, false, unreadable("decode", err)
	}
	return entry, true, nil
}

func (r *RedisStore) Put(ctx context.Context, ns, fp string, entry Entry) error {
	b, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.namespacesKey(), ns)
		pipe.HSet(ctx, r.entriesKey(ns), fp, b)
		return nil
	})
	if err != nil {
		return unreadable("put", err)
	}
	r.logger.Trace().Str("namespace", ns).Str("fingerprint", fp).Msg("Stored entry")
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ns, fp string) error {
	if err := r.rdb.HDel(ctx, r.entriesKey(ns), fp).Err(); err != nil {
		return unreadable("delete", err)
	}
	return nil
}

func (r *RedisStore) All(ctx context.Context, ns string) ([]Entry, error) {
	fields, err := r.rdb.HGetAll(ctx, r.entriesKey(ns)).Result()
	if err != nil {
		return nil, unreadable("all", err)
	}
	entries := make([]Entry, 0, len(fields))
	for fp, value := range fields {
		entry, err := decodeEntry(fp, []byte(value))
		if err != nil {
			return nil, unreadable("decode", err)
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return a.StoredAt.Compare(b.StoredAt)
	})
	return entries, nil
}

func (r *RedisStore) Namespaces(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.namespacesKey()).Result()
	if err != nil {
		return nil, unreadable("namespaces", err)
	}
	slices.Sort(names)
	return names, nil
}

func (r *RedisStore) DeleteNamespace(ctx context.Context, ns string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entriesKey(ns))
		pipe.SRem(ctx, r.namespacesKey(), ns)
		return nil
	})
	if err != nil {
		return unreadable("delete namespace", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	r.logger.Info().Msg("Closing Redis client connection")
	return r.rdb.Close()
}
