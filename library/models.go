package library

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Expression is one generated character image with its metadata. The JSON
// field names follow the record format shared with the browser client, so
// cloud records written by either side stay interchangeable.
type Expression struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	StoragePath string `json:"storagePath"`
	IsFavorite  bool   `json:"isFavorite"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	DeletedAt   int64  `json:"deletedAt,omitempty"`
}

// NewExpressionID returns a collision-resistant identifier ordered by
// creation time: a base36 millisecond timestamp plus a random chunk.
func NewExpressionID() string {
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return stamp + "-" + uuidChunk()
}

func uuidChunk() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sortExpressions orders favorites before non-favorites while preserving the
// backend-provided order within each group.
func sortExpressions(expressions []Expression) []Expression {
	sorted := make([]Expression, len(expressions))
	copy(sorted, expressions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].IsFavorite && !sorted[j].IsFavorite
	})
	return sorted
}
