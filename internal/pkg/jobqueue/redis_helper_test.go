package jobqueue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// testRedisDB keeps queue tests away from the databases the service uses.
const testRedisDB = 14

// newTestRedis connects to the first reachable Redis and flushes testRedisDB.
// Tests skip when no Redis is running.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	port := env.GetEnv("CACHE_PORT", "6379")
	candidates := []struct{ host, password string }{
		{env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PASSWORD", "")},
		{"cache", "payfox"},
		{"127.0.0.1", ""},
	}

	var lastErr error
	for _, c := range candidates {
		client := redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(c.host, port),
			Password: c.password,
			DB:       testRedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Ping(ctx).Err()
		if err == nil {
			err = client.FlushDB(ctx).Err()
		}
		cancel()
		if err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}
		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis (%v)", lastErr)
	return nil
}
