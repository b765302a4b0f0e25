package ollamacord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const (
	wikiPageKeyPrefix = "wiki_page:"
	cacheScanCount    = 100
)

// PageCache caches wiki lookup results by page URL
type PageCache interface {
	Get(ctx context.Context, url string) (*ToolResult, bool)
	Set(ctx context.Context, url string, result ToolResult) error

	// Clear removes all cached pages, returning the number removed
	Clear(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// redisPageCache stores results as JSON under 'wiki_page:<url>'
type redisPageCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func newRedisPageCache(config *RedisConfig, logger *slog.Logger) *redisPageCache {
	client := redis.NewClient(
		&redis.Options{
			Addr:        net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
			Password:    config.Password,
			DB:          config.DB,
			DialTimeout: config.DialTimeout,
		},
	)
	return &redisPageCache{
		client: client,
		ttl:    config.CacheDuration,
		logger: logger,
	}
}

func pageCacheKey(url string) string {
	return wikiPageKeyPrefix + url
}

func (c *redisPageCache) Get(ctx context.Context, url string) (*ToolResult, bool) {
	data, err := c.client.Get(ctx, pageCacheKey(url)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "error reading cached page", "url", url, tint.Err(err))
		}
		return nil, false
	}
	var result ToolResult
	if err = json.Unmarshal(data, &result); err != nil {
		c.logger.WarnContext(ctx, "invalid cached page", "url", url, tint.Err(err))
		return nil, false
	}
	return &result, true
}

func (c *redisPageCache) Set(ctx context.Context, url string, result ToolResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err = c.client.Set(ctx, pageCacheKey(url), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("error caching page: %w", err)
	}
	return nil
}

func (c *redisPageCache) Clear(ctx context.Context) (int64, error) {
	var deleted int64
	iter := c.client.Scan(ctx, 0, wikiPageKeyPrefix+"*", cacheScanCount).Iterator()
	batch := make([]string, 0, cacheScanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= cacheScanCount {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	return deleted, flush()
}

func (c *redisPageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisPageCache) Close() error {
	return c.client.Close()
}

// nopPageCache is used when redis is disabled
type nopPageCache struct{}

func (nopPageCache) Get(context.Context, string) (*ToolResult, bool) { return nil, false }

func (nopPageCache) Set(context.Context, string, ToolResult) error { return nil }

func (nopPageCache) Clear(context.Context) (int64, error) { return 0, nil }

func (nopPageCache) Ping(context.Context) error { return nil }
