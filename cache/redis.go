package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	clientOnce sync.Once
	client     *redis.Client
	clientErr  error
)

// Client returns a singleton Redis client configured from environment variables.
// REDIS_ADDR defaults to localhost:6379 when unset. REDIS_DB and REDIS_PASSWORD
// are optional.
func Client() (*redis.Client, error) {
	clientOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
		if addr == "" {
			addr = "localhost:6379"
		}
		password := os.Getenv("REDIS_PASSWORD")
		db := 0
		if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
			if parsed, err := strconv.Atoi(rawDB); err == nil {
				db = parsed
			}
		}

		c := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := c.Ping(ctx).Err(); err != nil {
			clientErr = fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
			_ = c.Close()
			return
		}

		client = c
	})

	return client, clientErr
}

// Enabled reports whether a usable Redis client was initialized.
func Enabled() bool {
	c, err := Client()
	return err == nil && c != nil
}

// Close releases the cached Redis connection. Mainly useful for tests.
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
