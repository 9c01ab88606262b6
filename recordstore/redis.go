package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chibistudio_back/cache"
)

const (
	defaultKeyPrefix    = "chibistudio"
	operationTimeout    = 5 * time.Second
	transactionAttempts = 32
)

// RedisStore implements Store on top of Redis. Paths map to keys beneath a
// shared prefix, multi-path updates ride a MULTI/EXEC pipeline, and the
// transactional primitive uses WATCH-based optimistic locking. Every mutation
// publishes the changed path on a pub/sub channel so that all clients sharing
// the store observe each other's writes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStoreFromEnv builds a RedisStore using the shared cache client.
// RECORD_STORE_PREFIX overrides the key namespace.
func NewRedisStoreFromEnv() (*RedisStore, error) {
	client, err := cache.Client()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("recordstore: redis client is not configured")
	}

	prefix := strings.TrimSpace(os.Getenv("RECORD_STORE_PREFIX"))
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStore wraps an existing client. Mainly useful for tests.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func normalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

func (s *RedisStore) key(path string) string {
	return s.prefix + ":" + normalizePath(path)
}

func (s *RedisStore) channel() string {
	return s.prefix + ":changes"
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, operationTimeout)
}

func (s *RedisStore) publish(ctx context.Context, paths ...string) {
	for _, path := range paths {
		if err := s.client.Publish(ctx, s.channel(), normalizePath(path)).Err(); err != nil {
			log.Printf("recordstore: publish change for %s failed: %v", path, err)
		}
	}
}

// Get reads the JSON value at path.
func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrConnectionFailed, path, err)
	}
	return json.RawMessage(data), nil
}

// Set writes value at path and notifies subscribers.
func (s *RedisStore) Set(ctx context.Context, path string, value json.RawMessage) error {
	if len(value) == 0 {
		return errors.New("recordstore: value cannot be empty, use Update with nil to delete")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.key(path), []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrConnectionFailed, path, err)
	}
	s.publish(ctx, path)
	return nil
}

// Update applies every change in one MULTI/EXEC pipeline. Nil values delete
// their path. Redis executes the queued commands atomically, so readers never
// observe a partially applied update.
func (s *RedisStore) Update(ctx context.Context, changes map[string]json.RawMessage) error {
	if len(changes) == 0 {
		return nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for path, value := range changes {
			if value == nil {
				pipe.Del(ctx, s.key(path))
				continue
			}
			pipe.Set(ctx, s.key(path), []byte(value), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: multi-path update: %v", ErrConnectionFailed, err)
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	s.publish(ctx, paths...)
	return nil
}

// List scans for the direct children of path.
func (s *RedisStore) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	base := s.key(path) + "/"
	result := make(map[string]json.RawMessage)

	iter := s.client.Scan(ctx, 0, base+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		key := iter.Val()
		rest := strings.TrimPrefix(key, base)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrConnectionFailed, path, err)
	}
	if len(keys) == 0 {
		return result, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrConnectionFailed, path, err)
	}
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		result[strings.TrimPrefix(keys[i], base)] = json.RawMessage(text)
	}
	return result, nil
}

// Transaction applies step with WATCH-based compare-and-swap. On a write
// conflict the step function is re-evaluated against the freshly read value,
// never replayed with a stale one.
func (s *RedisStore) Transaction(ctx context.Context, path string, step StepFunc) (json.RawMessage, error) {
	if step == nil {
		return nil, errors.New("recordstore: transaction step is required")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	key := s.key(path)
	var settled json.RawMessage
	var stepErr error
	var wrote bool

	txn := func(tx *redis.Tx) error {
		stepErr = nil
		wrote = false

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var current json.RawMessage
		if err == nil {
			current = json.RawMessage(data)
		}

		next, err := step(current)
		if err != nil {
			stepErr = err
			return err
		}
		if next == nil {
			settled = current
			return nil
		}

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, []byte(next), 0)
			return nil
		}); err != nil {
			return err
		}
		settled = next
		wrote = true
		return nil
	}

	for attempt := 0; attempt < transactionAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			if wrote {
				s.publish(ctx, path)
			}
			return settled, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if stepErr != nil {
			return nil, stepErr
		}
		return nil, fmt.Errorf("%w: transaction on %s: %v", ErrConnectionFailed, path, err)
	}

	return nil, fmt.Errorf("%w: transaction on %s: too many conflicts", ErrConnectionFailed, path)
}

// Subscribe listens on the change channel and forwards notifications for
// paths beneath prefix.
func (s *RedisStore) Subscribe(prefix string, onChange func(), onErr func(error)) (UnsubscribeFunc, error) {
	if onChange == nil {
		return nil, errors.New("recordstore: onChange callback is required")
	}

	pubsub := s.client.Subscribe(context.Background(), s.channel())
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrConnectionFailed, prefix, err)
	}

	normalized := normalizePath(prefix)
	done := make(chan struct{})

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					select {
					case <-done:
					default:
						if onErr != nil {
							onErr(fmt.Errorf("%w: subscription channel closed", ErrConnectionFailed))
						}
					}
					return
				}
				changed := msg.Payload
				if changed == normalized || strings.HasPrefix(changed, normalized+"/") {
					onChange()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}
