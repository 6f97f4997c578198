// Package redis implements ephemeral.Store on Redis, using the same
// go-redis/v8 universal-client pattern as the durable store's own network
// backends, narrowed to the three-operation ephemeral contract.
package redis

import (
	"context"
	"errors"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/veilmsg/relay/ephemeral"
)

var errInvalidReply = errors.New("ephemeral/redis: unexpected script reply type")

// getAndDeleteScript fetches and removes a key in one round trip. Lua
// scripts run atomically on Redis, which is what makes this safe against a
// second, concurrent verify racing the first to consume the same challenge
// nonce.
var getAndDeleteScript = redisv8.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
end
return v
`)

// incrWithWindowScript increments a counter and, only on the call that
// creates it, arms its expiry — so repeated increments inside the same
// window share one TTL instead of resetting it on every hit.
var incrWithWindowScript = redisv8.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type client struct {
	db redisv8.UniversalClient
}

// Config configures the Redis-backed ephemeral store.
type Config struct {
	Addrs            []string `json:"addrs" yaml:"addrs"`
	Password         string   `json:"password" yaml:"password"`
	SentinelPassword string   `json:"sentinel_password" yaml:"sentinel_password"`
	MasterName       string   `json:"master_name" yaml:"master_name"`
}

// Open connects to Redis (or Redis Sentinel, when MasterName is set) and
// returns an ephemeral.Store.
func (c *Config) Open() (ephemeral.Store, error) {
	opts := &redisv8.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
	}
	return &client{db: redisv8.NewUniversalClient(opts)}, nil
}

func (c *client) Close() error {
	return c.db.Close()
}

func (c *client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.db.Set(ctx, key, value, ttl).Err()
}

func (c *client) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	res, err := getAndDeleteScript.Run(ctx, c.db, []string{key}).Result()
	if err == redisv8.Nil {
		return nil, ephemeral.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ephemeral.ErrNotFound
	}
	s, ok := res.(string)
	if !ok {
		return nil, ephemeral.ErrNotFound
	}
	return []byte(s), nil
}

func (c *client) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := incrWithWindowScript.Run(ctx, c.db, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errInvalidReply
	}
	return n, nil
}
