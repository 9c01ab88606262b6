package recordstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound indicates that no value exists at the requested path.
	ErrNotFound = errors.New("recordstore: not found")
	// ErrConnectionFailed indicates the backing store was unreachable. Callers
	// must not conflate this with ErrNotFound: the right reaction differs
	// (retry vs. treat as absent).
	ErrConnectionFailed = errors.New("recordstore: connection failed")
)

// StepFunc computes the next value for an optimistic transaction. It receives
// the current JSON value at the path (nil when absent) and returns the value
// to write. Returning nil aborts the write and leaves the stored value
// untouched. The function may be invoked multiple times when the store
// detects a write conflict, always against the latest stored value.
type StepFunc func(current json.RawMessage) (json.RawMessage, error)

// UnsubscribeFunc tears down a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is a tree-structured key-value store addressed by slash-separated
// paths. It is the persistence substrate for cloud libraries and access
// tokens.
type Store interface {
	// Get reads the JSON value at path. Returns ErrNotFound when absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes the JSON value at path, overwriting any existing value.
	Set(ctx context.Context, path string, value json.RawMessage) error

	// Update applies a multi-path write atomically. A nil value deletes the
	// path. Either every entry is applied or none is.
	Update(ctx context.Context, changes map[string]json.RawMessage) error

	// List returns the direct children of path keyed by their final path
	// segment. An empty map (not an error) is returned when the subtree does
	// not exist.
	List(ctx context.Context, path string) (map[string]json.RawMessage, error)

	// Transaction runs step against the value at path with compare-and-swap
	// semantics, retrying on conflict. It returns the value stored once the
	// transaction settles.
	Transaction(ctx context.Context, path string, step StepFunc) (json.RawMessage, error)

	// Subscribe invokes onChange whenever any path beneath prefix changes
	// (including changes made by other clients of the same store). onErr
	// receives asynchronous subscription failures. The returned function
	// cancels the subscription.
	Subscribe(prefix string, onChange func(), onErr func(error)) (UnsubscribeFunc, error)
}
