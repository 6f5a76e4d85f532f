package config

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the shared coordination backbone: session records, ownership
// leases, relay pub/sub channels, and the call-jobs stream all live here.
var RedisClient *redis.Client

func InitRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = os.Getenv("REDIS_URL")
	}
	if addr == "" {
		return errors.New("REDIS_ADDR (or REDIS_URL) environment variable is not set")
	}

	var opt *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return err
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: addr}
	}
	// Every active call holds a pub/sub subscription; keep warm connections
	// around so subscribe churn does not pay dial latency.
	opt.MinIdleConns = 4

	RedisClient = redis.NewClient(opt)
	return RedisClient.Ping(context.Background()).Err()
}
