package library

import (
	"context"
	"errors"
)

// ErrBadImage indicates the expression carried no usable inline image payload.
var ErrBadImage = errors.New("library: expression image must be a data URI")

// Backend is one of the two persistence substrates an expression collection
// can live on. A backend is chosen once per session and never switched
// mid-flight: holding a library key means cloud, not holding one means local.
type Backend interface {
	// List returns the collection in the backend's native order (insertion
	// order locally, store order in the cloud). No favorite sorting here.
	List(ctx context.Context) ([]Expression, error)

	// Add persists a new expression and returns it in its persisted form
	// (cloud mode rewrites Image to a durable URL and fills StoragePath).
	Add(ctx context.Context, exp Expression) (Expression, error)

	// Update rewrites the mutable fields of the record with the same ID.
	// Storage bookkeeping (storagePath, createdAt) is preserved; a data-URI
	// image replaces the backing asset at its existing storage path.
	Update(ctx context.Context, exp Expression) error

	// Delete removes the expression. Cloud mode archives record and asset
	// into the deleted namespace; local mode removes outright (device-local
	// collections keep no archive, a deliberate scope reduction).
	Delete(ctx context.Context, id string) error

	// Clear removes every expression in one logical operation. Cloud mode
	// archives all of them atomically.
	Clear(ctx context.Context) error

	// Watch streams the full collection to onChange. Cloud mode pushes the
	// current snapshot immediately and again on every store-side change,
	// including writes by other clients holding the same key. Local mode has
	// no external writers and emits the snapshot once. The returned function
	// cancels the watch and must be called on every exit path.
	Watch(onChange func([]Expression), onErr func(error)) (func(), error)
}

// Store is the mode-uniform surface over a Backend. It owns the one ordering
// rule both modes share: favorites sort before non-favorites.
type Store struct {
	backend Backend
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// List returns the collection with favorites first.
func (s *Store) List(ctx context.Context) ([]Expression, error) {
	expressions, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	return sortExpressions(expressions), nil
}

// Add persists the expression, assigning an ID when the caller supplied none.
func (s *Store) Add(ctx context.Context, exp Expression) (Expression, error) {
	if exp.ID == "" {
		exp.ID = NewExpressionID()
	}
	return s.backend.Add(ctx, exp)
}

// Update overwrites the stored expression.
func (s *Store) Update(ctx context.Context, exp Expression) error {
	if exp.ID == "" {
		return errors.New("library: expression id is required")
	}
	return s.backend.Update(ctx, exp)
}

// Delete removes (cloud: archives) the expression with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("library: expression id is required")
	}
	return s.backend.Delete(ctx, id)
}

// Clear removes (cloud: archives) the whole collection.
func (s *Store) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx)
}

// Watch streams favorite-sorted snapshots of the collection.
func (s *Store) Watch(onChange func([]Expression), onErr func(error)) (func(), error) {
	return s.backend.Watch(func(expressions []Expression) {
		onChange(sortExpressions(expressions))
	}, onErr)
}
