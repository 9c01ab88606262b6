package assetstore

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURI(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)

	data, mimeType, err := ParseDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "image/png", mimeType)
}

func TestParseDataURIDefaultsMimeType(t *testing.T) {
	uri := "data:;base64," + base64.StdEncoding.EncodeToString([]byte("x"))

	_, mimeType, err := ParseDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
}

func TestParseDataURIRejectsPlainURL(t *testing.T) {
	_, _, err := ParseDataURI("https://example.com/image.png")
	assert.Error(t, err)
}

func TestParseDataURIRejectsBadPayload(t *testing.T) {
	_, _, err := ParseDataURI("data:image/png;base64,!!!not-base64!!!")
	assert.Error(t, err)
}

func TestEncodeDataURIRoundTrip(t *testing.T) {
	payload := []byte("hello")

	uri := EncodeDataURI(payload, "image/webp")
	assert.True(t, IsDataURI(uri))

	data, mimeType, err := ParseDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "image/webp", mimeType)
}

func TestIsDataURI(t *testing.T) {
	assert.True(t, IsDataURI("data:image/png;base64,AAAA"))
	assert.False(t, IsDataURI("https://bucket.example.com/expressions/a.png"))
	assert.False(t, IsDataURI(""))
}
