package assetstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the object does not exist at the given path.
	ErrNotFound = errors.New("assetstore: object not found")
	// ErrConnectionFailed indicates the backing object store was unreachable.
	ErrConnectionFailed = errors.New("assetstore: connection failed")
)

// Store persists binary image assets at caller-chosen paths and hands back
// durable URLs for them.
type Store interface {
	// Upload writes data at path and returns a durable URL that resolves to
	// the object.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Download fetches the object bytes. It accepts either the storage path
	// or a durable URL previously returned by Upload.
	Download(ctx context.Context, pathOrURL string) ([]byte, error)

	// Delete removes the object. Accepts a storage path or a durable URL.
	// Deleting an absent object is not an error.
	Delete(ctx context.Context, pathOrURL string) error
}

// ParseDataURI splits a data: URI into its payload bytes and MIME type.
// Payloads arriving from the browser client are base64-encoded PNGs, but any
// base64 data URI is accepted.
func ParseDataURI(uri string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(uri)
	if !strings.HasPrefix(trimmed, "data:") {
		return nil, "", fmt.Errorf("assetstore: not a data URI")
	}

	header, payload, ok := strings.Cut(trimmed[len("data:"):], ",")
	if !ok {
		return nil, "", fmt.Errorf("assetstore: malformed data URI")
	}

	mimeType := header
	if idx := strings.Index(header, ";"); idx >= 0 {
		mimeType = header[:idx]
		if !strings.Contains(header[idx:], "base64") {
			return nil, "", fmt.Errorf("assetstore: only base64 data URIs are supported")
		}
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("assetstore: decode data URI payload: %w", err)
	}
	return data, mimeType, nil
}

// EncodeDataURI packs payload bytes into a base64 data URI.
func EncodeDataURI(data []byte, mimeType string) string {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// IsDataURI reports whether the locator is an inline data URI rather than a
// durable URL.
func IsDataURI(locator string) bool {
	return strings.HasPrefix(strings.TrimSpace(locator), "data:")
}
