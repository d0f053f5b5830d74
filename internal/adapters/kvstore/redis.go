package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
)

// Redis stores values as plain strings under a key prefix.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects using cfg.URL, falling back to cfg.Addr when no URL is
// set. The connection is verified with a PING.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Redis, error) {
	opt, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "kvstore.redis"))

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opt.Addr, err)
	}

	logger.InfoContext(ctx, "redis store connected",
		slog.String("addr", opt.Addr),
		slog.Int("db", opt.DB),
		slog.String("key_prefix", cfg.KeyPrefix))

	return &Redis{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}

		return opt, nil
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis url or addr is required")
	}

	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get implements ports.KeyValueStore.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(key)
	}

	if err != nil {
		return nil, readErr(key, err)
	}

	return value, nil
}

// Set implements ports.KeyValueStore.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return writeErr(key, err)
	}

	return nil
}

// SetAll writes every entry inside MULTI/EXEC.
// Implements ports.KeyValueStore.
func (r *Redis) SetAll(ctx context.Context, entries map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, r.key(k), v, 0)
		}

		return nil
	})
	if err != nil {
		return writeErr(batchKey(entries), err)
	}

	return nil
}

// Close implements ports.KeyValueStore.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Name implements ports.HealthChecker.
func (r *Redis) Name() string {
	return "redis"
}

// Check implements ports.HealthChecker.
func (r *Redis) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
