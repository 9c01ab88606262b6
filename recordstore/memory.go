package recordstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store implementation. It honors the same
// contract as the Redis store, including compare-and-swap retries in
// Transaction and change notifications for subscribers, which makes it the
// reference substrate for exercising the core invariants in tests.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	versions map[string]uint64
	subs     map[int]*memorySubscription
	nextSub  int

	// FailNext, when set, makes the next operation report ErrConnectionFailed.
	FailNext bool
}

type memorySubscription struct {
	prefix   string
	onChange func()
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]json.RawMessage),
		versions: make(map[string]uint64),
		subs:     make(map[int]*memorySubscription),
	}
}

func (s *MemoryStore) takeFailure() bool {
	failed := s.FailNext
	s.FailNext = false
	return failed
}

func (s *MemoryStore) notifyLocked(paths ...string) []func() {
	var pending []func()
	for _, sub := range s.subs {
		for _, path := range paths {
			normalized := normalizePath(path)
			if normalized == sub.prefix || strings.HasPrefix(normalized, sub.prefix+"/") {
				pending = append(pending, sub.onChange)
				break
			}
		}
	}
	return pending
}

func runAll(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, ErrConnectionFailed
	}
	value, ok := s.values[normalizePath(path)]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), value...), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, path string, value json.RawMessage) error {
	s.mu.Lock()
	if s.takeFailure() {
		s.mu.Unlock()
		return ErrConnectionFailed
	}
	normalized := normalizePath(path)
	s.values[normalized] = append(json.RawMessage(nil), value...)
	s.versions[normalized]++
	pending := s.notifyLocked(normalized)
	s.mu.Unlock()
	runAll(pending)
	return nil
}

// Update implements Store: all changes land under one lock acquisition, so a
// concurrent reader sees either none or all of them.
func (s *MemoryStore) Update(ctx context.Context, changes map[string]json.RawMessage) error {
	s.mu.Lock()
	if s.takeFailure() {
		s.mu.Unlock()
		return ErrConnectionFailed
	}
	paths := make([]string, 0, len(changes))
	for path, value := range changes {
		normalized := normalizePath(path)
		if value == nil {
			delete(s.values, normalized)
		} else {
			s.values[normalized] = append(json.RawMessage(nil), value...)
		}
		s.versions[normalized]++
		paths = append(paths, normalized)
	}
	pending := s.notifyLocked(paths...)
	s.mu.Unlock()
	runAll(pending)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, ErrConnectionFailed
	}
	base := normalizePath(path) + "/"
	result := make(map[string]json.RawMessage)
	for key, value := range s.values {
		if !strings.HasPrefix(key, base) {
			continue
		}
		rest := strings.TrimPrefix(key, base)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		result[rest] = append(json.RawMessage(nil), value...)
	}
	return result, nil
}

// Transaction implements Store with genuine optimistic-concurrency semantics:
// the step function runs outside the lock against a snapshot, and the write
// only commits when the version observed at read time is still current. On a
// conflict the step is re-evaluated against the new value.
func (s *MemoryStore) Transaction(ctx context.Context, path string, step StepFunc) (json.RawMessage, error) {
	normalized := normalizePath(path)
	for {
		s.mu.Lock()
		if s.takeFailure() {
			s.mu.Unlock()
			return nil, ErrConnectionFailed
		}
		snapshot, exists := s.values[normalized]
		version := s.versions[normalized]
		var current json.RawMessage
		if exists {
			current = append(json.RawMessage(nil), snapshot...)
		}
		s.mu.Unlock()

		next, err := step(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		s.mu.Lock()
		if s.versions[normalized] != version {
			s.mu.Unlock()
			continue
		}
		s.values[normalized] = append(json.RawMessage(nil), next...)
		s.versions[normalized]++
		pending := s.notifyLocked(normalized)
		s.mu.Unlock()
		runAll(pending)
		return next, nil
	}
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(prefix string, onChange func(), onErr func(error)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySubscription{prefix: normalizePath(prefix), onChange: onChange}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}
