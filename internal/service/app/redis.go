package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"game_channel/internal/service/redis"
)

type (
	// Cache keeps the accepted log of the current session so a restarted
	// client can resume it.
	Cache interface {
		SaveLog(ctx context.Context, session, account string, log [][]byte) error
		LoadLog(ctx context.Context, session, account string) ([][]byte, error)
		SaveCurrent(ctx context.Context, account, game, session string) error
		LoadCurrent(ctx context.Context, account, game string) (string, error)
		ClearCurrent(ctx context.Context, account, game string) error
	}

	redisCache struct {
		redisService *redis.RedisService
		ttl          time.Duration
	}
)

func NewRedisCache(svc *redis.RedisService, ttl time.Duration) Cache {
	return &redisCache{redisService: svc, ttl: ttl}
}

func logKey(session, account string) string {
	return fmt.Sprintf("log: %s %s", session, account)
}

func currentKey(account, game string) string {
	return fmt.Sprintf("current: %s %s", account, game)
}

func (c *redisCache) SaveLog(ctx context.Context, session, account string, log [][]byte) error {
	data, err := cbor.Marshal(log)
	if err != nil {
		return err
	}
	return c.redisService.Set(ctx, logKey(session, account), data, c.ttl)
}

func (c *redisCache) LoadLog(ctx context.Context, session, account string) ([][]byte, error) {
	v, err := c.redisService.Get(ctx, logKey(session, account))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var log [][]byte
	if err := cbor.Unmarshal([]byte(v), &log); err != nil {
		return nil, err
	}
	return log, nil
}

func (c *redisCache) SaveCurrent(ctx context.Context, account, game, session string) error {
	return c.redisService.Set(ctx, currentKey(account, game), session, c.ttl)
}

func (c *redisCache) LoadCurrent(ctx context.Context, account, game string) (string, error) {
	v, err := c.redisService.Get(ctx, currentKey(account, game))
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (c *redisCache) ClearCurrent(ctx context.Context, account, game string) error {
	return c.redisService.Del(ctx, currentKey(account, game))
}
