package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldkit/shopcollector/internal/proxy"
)

const (
	redisPrefix   = "shopcollector:cache:"
	redisIndexKey = "shopcollector:caches"
)

var _ proxy.Store = (*RedisCache)(nil)

// RedisCache keeps each cache generation in one Redis hash keyed by request
// URL, plus a set naming the generations.
type RedisCache struct {
	rc *redis.Client
}

// OpenRedis connects to addr and verifies the server answers.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisCache{rc: rc}, nil
}

func (c *RedisCache) Close() error {
	return c.rc.Close()
}

type redisEntry struct {
	Status    int                 `json:"status"`
	Header    map[string][]string `json:"header"`
	Body      []byte              `json:"body"`
	FetchedAt time.Time           `json:"fetched_at"`
}

func (c *RedisCache) Get(ctx context.Context, cache, key string) (proxy.Entry, bool, error) {
	raw, err := c.rc.HGet(ctx, redisPrefix+cache, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return proxy.Entry{}, false, nil
	}
	if err != nil {
		return proxy.Entry{}, false, fmt.Errorf("reading %s from redis: %w", key, err)
	}
	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return proxy.Entry{}, false, fmt.Errorf("decoding cached entry %s: %w", key, err)
	}
	return proxy.Entry{
		Key:       key,
		Status:    re.Status,
		Header:    re.Header,
		Body:      re.Body,
		FetchedAt: re.FetchedAt,
	}, true, nil
}

func (c *RedisCache) Put(ctx context.Context, cache string, e proxy.Entry) error {
	raw, err := json.Marshal(redisEntry{
		Status:    e.Status,
		Header:    headerOrEmpty(e.Header),
		Body:      e.Body,
		FetchedAt: e.FetchedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	_, err = c.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisPrefix+cache, e.Key, raw)
		p.SAdd(ctx, redisIndexKey, cache)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s to redis: %w", e.Key, err)
	}
	return nil
}

func (c *RedisCache) Caches(ctx context.Context) ([]string, error) {
	names, err := c.rc.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (c *RedisCache) DeleteCache(ctx context.Context, cache string) error {
	_, err := c.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisPrefix+cache)
		p.SRem(ctx, redisIndexKey, cache)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting cache %s: %w", cache, err)
	}
	return nil
}
