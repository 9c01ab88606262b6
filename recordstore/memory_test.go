package recordstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAbsentPath(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "libraries/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "a/b", json.RawMessage(`{"x":1}`)))

	raw, err := store.Get(context.Background(), "a/b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(raw))
}

func TestListReturnsDirectChildrenOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "lib/expressions/a", json.RawMessage(`1`)))
	require.NoError(t, store.Set(ctx, "lib/expressions/b", json.RawMessage(`2`)))
	require.NoError(t, store.Set(ctx, "lib/expressions/b/nested", json.RawMessage(`3`)))
	require.NoError(t, store.Set(ctx, "lib/other/c", json.RawMessage(`4`)))

	children, err := store.List(ctx, "lib/expressions")
	require.NoError(t, err)
	assert.Len(t, children, 2)
	assert.Contains(t, children, "a")
	assert.Contains(t, children, "b")
}

func TestUpdateAppliesAllChangesAndNilDeletes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "live/x", json.RawMessage(`"v"`)))

	err := store.Update(ctx, map[string]json.RawMessage{
		"live/x":    nil,
		"deleted/x": json.RawMessage(`"v"`),
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "live/x")
	assert.ErrorIs(t, err, ErrNotFound)
	moved, err := store.Get(ctx, "deleted/x")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, string(moved))
}

// A step returning nil must leave the stored value alone and report what was
// current at evaluation time.
func TestTransactionNilStepResultAbortsWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "counter", json.RawMessage(`0`)))

	settled, err := store.Transaction(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0", string(settled))
}

// When the value changes between the step evaluation and the commit, the step
// must be re-run against the fresh value instead of committing a stale write.
func TestTransactionReevaluatesOnConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "counter", json.RawMessage(`5`)))

	evaluations := 0
	settled, err := store.Transaction(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
		evaluations++
		if evaluations == 1 {
			// Simulate a concurrent writer landing between read and commit.
			require.NoError(t, store.Set(ctx, "counter", json.RawMessage(`9`)))
		}
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1", string(settled))
	assert.GreaterOrEqual(t, evaluations, 2)
}

func TestSubscribeNotifiesOnPrefixedWritesOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	notified := 0
	unsubscribe, err := store.Subscribe("lib/expressions", func() { notified++ }, nil)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "lib/expressions/a", json.RawMessage(`1`)))
	require.NoError(t, store.Set(ctx, "lib/other/b", json.RawMessage(`2`)))
	assert.Equal(t, 1, notified)

	unsubscribe()
	require.NoError(t, store.Set(ctx, "lib/expressions/c", json.RawMessage(`3`)))
	assert.Equal(t, 1, notified)
}

func TestFailNextReportsConnectionFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailNext = true

	err := store.Set(context.Background(), "a", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrConnectionFailed)

	// The failure is one-shot.
	assert.NoError(t, store.Set(context.Background(), "a", json.RawMessage(`1`)))
}
