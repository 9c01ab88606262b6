package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_BASE_URL", server.URL)

	client, err := NewClientFromEnv()
	require.NoError(t, err)
	return client
}

func imageResponse(t *testing.T, w http.ResponseWriter, data []byte) {
	t.Helper()
	payload := map[string]interface{}{
		"candidates": []map[string]interface{}{{
			"content": map[string]interface{}{
				"parts": []map[string]interface{}{{
					"inlineData": map[string]string{
						"mimeType": "image/png",
						"data":     base64.StdEncoding.EncodeToString(data),
					},
				}},
			},
		}},
	}
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func textResponse(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	payload := map[string]interface{}{
		"candidates": []map[string]interface{}{{
			"content": map[string]interface{}{
				"parts": []map[string]interface{}{{"text": text}},
			},
		}},
	}
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestNewClientFromEnvRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := NewClientFromEnv()
	assert.Error(t, err)
}

func TestGenerateCharacterReturnsImage(t *testing.T) {
	expected := []byte{0x89, 0x50, 0x4e, 0x47}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		assert.Contains(t, r.URL.RawQuery, "key=test-key")
		imageResponse(t, w, expected)
	})

	result, err := client.GenerateCharacter(context.Background(), "a knight", nil, 50)
	require.NoError(t, err)
	assert.Equal(t, expected, result.Data)
	assert.Equal(t, "image/png", result.MimeType)
}

func TestGenerateCharacterRejectsEmptyPrompt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the backend")
	})

	_, err := client.GenerateCharacter(context.Background(), "   ", nil, 50)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrGenerationFailed)
}

func TestGenerateExpressionSendsBaseAndReference(t *testing.T) {
	var captured generateContentRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		imageResponse(t, w, []byte("result"))
	})

	base := ImagePayload{Data: []byte("base"), MimeType: "image/png"}
	ref := &ImagePayload{Data: []byte("ref"), MimeType: "image/jpeg"}
	_, err := client.GenerateExpression(context.Background(), base, "happy", ref, 90)
	require.NoError(t, err)

	require.Len(t, captured.Contents, 1)
	parts := captured.Contents[0].Parts
	require.Len(t, parts, 3)
	assert.NotNil(t, parts[0].InlineData)
	assert.NotNil(t, parts[1].InlineData)
	assert.Contains(t, parts[2].Text, "happy")
	assert.Contains(t, parts[2].Text, "very closely match")
}

func TestGenerationErrorOnBackendFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := client.GenerateCharacter(context.Background(), "a knight", nil, 50)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestGenerationErrorWhenResponseHasNoImage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		textResponse(t, w, "I cannot draw that")
	})

	_, err := client.GenerateCharacter(context.Background(), "a knight", nil, 50)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestValidateImageParsesVerdict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		textResponse(t, w, `{"isChibi":true,"isSolo":false,"reason":"two characters present"}`)
	})

	verdict, err := client.ValidateImage(context.Background(), ImagePayload{Data: []byte("img")})
	require.NoError(t, err)
	assert.True(t, verdict.IsChibi)
	assert.False(t, verdict.IsSolo)
	assert.Equal(t, "two characters present", verdict.Reason)
}

func TestValidateImageRejectsMalformedVerdict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		textResponse(t, w, "definitely a chibi, trust me")
	})

	_, err := client.ValidateImage(context.Background(), ImagePayload{Data: []byte("img")})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestSimilarityInstructionBuckets(t *testing.T) {
	assert.True(t, strings.HasPrefix(similarityInstruction(10, false), "be very loosely inspired"))
	assert.True(t, strings.HasPrefix(similarityInstruction(25, false), "be very loosely inspired"))
	assert.True(t, strings.HasPrefix(similarityInstruction(40, false), "take some creative inspiration"))
	assert.True(t, strings.HasPrefix(similarityInstruction(75, false), "adhere to"))
	assert.True(t, strings.HasPrefix(similarityInstruction(100, false), "very closely match"))
	assert.Contains(t, similarityInstruction(100, true), "style and pose")
}
