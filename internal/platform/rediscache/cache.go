// Package rediscache caches top-rated book listings in Redis.
//
// All listings live in a single hash, one field per requested limit, so a
// write to any book can invalidate every cached listing with one DEL. The
// same step bumps a generation counter; a listing is only stored under the
// generation that was current when it was read from the database.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the hash holding cached listings.
const DefaultKey = "bookshelf:books:top_rated"

// GenerationKey counts invalidations of DefaultKey.
const GenerationKey = DefaultKey + ":gen"

// errStaleFill aborts a WATCH transaction whose generation moved on.
var errStaleFill = errors.New("top-rated listing is older than the last invalidation")

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// TopRatedCache stores top-rated listings keyed by limit.
type TopRatedCache struct {
	client *redis.Client
	key    string
	genKey string
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps an existing client. The TTL bounds how long a listing can be
// served after the last write to the hash.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *TopRatedCache {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopRatedCache{
		client: client,
		key:    DefaultKey,
		genKey: GenerationKey,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "top_rated_cache")),
	}
}

// Get returns the cached listing for limit. The boolean is false on a miss.
// Entries that cannot be decoded are dropped and reported as a miss.
func (c *TopRatedCache) Get(ctx context.Context, limit int) ([]domain.Book, bool, error) {
	raw, err := c.client.HGet(ctx, c.key, strconv.Itoa(limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read top-rated cache: %w", err)
	}

	var books []domain.Book
	if err := json.Unmarshal(raw, &books); err != nil {
		logger.FromContextOrDefault(ctx, c.logger).Warn("dropping undecodable cache entry",
			slog.Int("limit", limit),
			slog.String("error", err.Error()))
		_ = c.client.HDel(ctx, c.key, strconv.Itoa(limit)).Err()
		return nil, false, nil
	}
	return books, true, nil
}

// Generation returns the number of invalidations so far. Read it before
// querying the database and pass it to Set with the result.
func (c *TopRatedCache) Generation(ctx context.Context) (int64, error) {
	return readGeneration(ctx, c.client, c.genKey)
}

// Set stores the listing for limit and refreshes the TTL of the hash, unless
// the cache was invalidated after generation was read. A skipped write is not
// an error.
func (c *TopRatedCache) Set(ctx context.Context, limit int, generation int64, books []domain.Book) error {
	raw, err := json.Marshal(books)
	if err != nil {
		return fmt.Errorf("failed to encode top-rated listing: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, c.genKey)
		if err != nil {
			return err
		}
		if current != generation {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key, strconv.Itoa(limit), raw)
			pipe.Expire(ctx, c.key, c.ttl)
			return nil
		})
		return err
	}, c.genKey)

	switch {
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		logger.FromContextOrDefault(ctx, c.logger).Debug("skipping stale top-rated listing",
			slog.Int("limit", limit),
			slog.Int64("generation", generation))
		return nil
	case err != nil:
		return fmt.Errorf("failed to write top-rated cache: %w", err)
	}
	return nil
}

// Invalidate removes every cached listing and starts a new generation.
func (c *TopRatedCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to invalidate top-rated cache: %w", err)
	}
	return nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd getter, key string) (int64, error) {
	generation, err := cmd.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read top-rated cache generation: %w", err)
	}
	return generation, nil
}
