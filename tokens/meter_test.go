package tokens

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chibistudio_back/recordstore"
)

func seedToken(t *testing.T, store *recordstore.MemoryStore, token, value string) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), "tokens/"+token, json.RawMessage(value)))
}

func TestValidateReturnsRemainingUses(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", "7")

	uses, err := NewMeter(store).Validate(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), uses)
}

func TestValidateUnknownToken(t *testing.T) {
	store := recordstore.NewMemoryStore()

	_, err := NewMeter(store).Validate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestValidateConnectionFailureIsDistinctFromNotFound(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", "3")
	store.FailNext = true

	_, err := NewMeter(store).Validate(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
}

func TestValidateLegacyObjectCounter(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", `{"uses":4}`)

	uses, err := NewMeter(store).Validate(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(4), uses)
}

func TestDecrementBurnsOneUse(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", "3")
	meter := NewMeter(store)

	remaining, err := meter.DecrementUses(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestDecrementAtZeroIsANoOp(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", "0")
	meter := NewMeter(store)

	remaining, err := meter.DecrementUses(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	raw, err := store.Get(context.Background(), "tokens/abc")
	require.NoError(t, err)
	assert.Equal(t, "0", string(raw))
}

func TestDecrementAbsentCounterInitializesToZero(t *testing.T) {
	store := recordstore.NewMemoryStore()
	meter := NewMeter(store)

	remaining, err := meter.DecrementUses(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	raw, err := store.Get(context.Background(), "tokens/fresh")
	require.NoError(t, err)
	assert.Equal(t, "0", string(raw))
}

func TestDecrementNonNumericValueIsUntouched(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", `"corrupted"`)
	meter := NewMeter(store)

	remaining, err := meter.DecrementUses(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	raw, err := store.Get(context.Background(), "tokens/abc")
	require.NoError(t, err)
	assert.Equal(t, `"corrupted"`, string(raw))
}

// Racing decrements must settle at exactly zero: every available use is
// spent once and the counter never goes negative, even with more contenders
// than uses.
func TestDecrementConcurrentRacesSettleAtZero(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "shared", "5")
	meter := NewMeter(store)

	var wg sync.WaitGroup
	results := make([]int64, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			remaining, err := meter.DecrementUses(context.Background(), "shared")
			assert.NoError(t, err)
			results[i] = remaining
		}(i)
	}
	wg.Wait()

	for _, remaining := range results {
		assert.GreaterOrEqual(t, remaining, int64(0))
	}

	final, err := meter.Validate(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(0), final)
}

func TestGrantTopsUpExistingCounter(t *testing.T) {
	store := recordstore.NewMemoryStore()
	seedToken(t, store, "abc", "2")
	meter := NewMeter(store)

	total, err := meter.Grant(context.Background(), "abc", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestGrantRejectsNonPositiveUses(t *testing.T) {
	meter := NewMeter(recordstore.NewMemoryStore())

	_, err := meter.Grant(context.Background(), "abc", 0)
	assert.Error(t, err)
}
