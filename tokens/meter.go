package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chibistudio_back/recordstore"
)

var (
	// ErrTokenNotFound indicates the token has never been issued.
	ErrTokenNotFound = errors.New("tokens: token not found")
	// ErrConnectionFailed indicates the record store was unreachable. Callers
	// should suggest a retry instead of clearing the stored token.
	ErrConnectionFailed = errors.New("tokens: connection failed")
)

const tokenPathPrefix = "tokens"

// Meter validates access tokens and burns down their remaining-uses counter.
// All mutation goes through the record store's optimistic transaction so that
// devices sharing one token never lose a decrement or drive the counter
// negative.
type Meter struct {
	records recordstore.Store
}

// NewMeter builds a Meter over the given record store.
func NewMeter(records recordstore.Store) *Meter {
	return &Meter{records: records}
}

func tokenPath(token string) string {
	return tokenPathPrefix + "/" + strings.TrimSpace(token)
}

// parseUses extracts a non-negative use counter from a stored token value.
// Counters are stored as plain JSON numbers; an object with a "uses" field is
// tolerated for records written by older tooling.
func parseUses(raw json.RawMessage) (int64, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n, true
	}
	var legacy struct {
		Uses int64 `json:"uses"`
	}
	if err := json.Unmarshal(raw, &legacy); err == nil && strings.HasPrefix(trimmed, "{") {
		return legacy.Uses, true
	}
	return 0, false
}

// Validate looks up the token and reports its remaining uses. A stored value
// of 0 is a successful result; expiry policy belongs to the caller.
func (m *Meter) Validate(ctx context.Context, token string) (int64, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return 0, ErrTokenNotFound
	}

	raw, err := m.records.Get(ctx, tokenPath(trimmed))
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return 0, ErrTokenNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	uses, ok := parseUses(raw)
	if !ok || uses < 0 {
		return 0, nil
	}
	return uses, nil
}

// DecrementUses burns one use atomically and returns the remaining count.
// The step function is re-evaluated against the latest stored value on every
// conflict retry:
//   - absent counter: stored as 0, reported as 0
//   - positive counter: decremented by one
//   - zero or negative counter: unchanged (never goes below zero)
//   - non-numeric value: unchanged
func (m *Meter) DecrementUses(ctx context.Context, token string) (int64, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return 0, ErrTokenNotFound
	}

	settled, err := m.records.Transaction(ctx, tokenPath(trimmed), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return json.RawMessage("0"), nil
		}
		uses, ok := parseUses(current)
		if !ok {
			return nil, nil
		}
		if uses > 0 {
			return json.RawMessage(strconv.FormatInt(uses-1, 10)), nil
		}
		return nil, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	uses, ok := parseUses(settled)
	if !ok || uses < 0 {
		return 0, nil
	}
	return uses, nil
}

// Grant sets or tops up a token counter. Administrative path only; the
// consuming client never increments.
func (m *Meter) Grant(ctx context.Context, token string, uses int64) (int64, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return 0, errors.New("tokens: token is required")
	}
	if uses <= 0 {
		return 0, errors.New("tokens: uses must be positive")
	}

	settled, err := m.records.Transaction(ctx, tokenPath(trimmed), func(current json.RawMessage) (json.RawMessage, error) {
		total := uses
		if existing, ok := parseUses(current); ok && existing > 0 {
			total += existing
		}
		return json.RawMessage(strconv.FormatInt(total, 10)), nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	total, _ := parseUses(settled)
	return total, nil
}
