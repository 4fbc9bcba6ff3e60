package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// limiterDatabase keeps rate-limit counters apart from cached tokens and jobs.
const limiterDatabase = 2

// NewLimiterStorage returns a Fiber storage on the same Redis server as the
// shared client, so rate limits hold across instances.
func NewLimiterStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("CACHE_LIMITER_DB", limiterDatabase),
		Reset:    false,
	})
}
