package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chibistudio_back/generation"
	"chibistudio_back/library"
)

const testBaseDataURI = "data:image/png;base64,iVBORw0KGgo="

type fakeGenerator struct {
	image   generation.ImagePayload
	verdict generation.ValidationResult
	err     error
	calls   int
}

func (f *fakeGenerator) ValidateImage(ctx context.Context, img generation.ImagePayload) (generation.ValidationResult, error) {
	f.calls++
	return f.verdict, f.err
}

func (f *fakeGenerator) GenerateCharacter(ctx context.Context, prompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error) {
	f.calls++
	return f.image, f.err
}

func (f *fakeGenerator) GenerateChibi(ctx context.Context, base generation.ImagePayload, emotionPrompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error) {
	f.calls++
	return f.image, f.err
}

func (f *fakeGenerator) GenerateExpression(ctx context.Context, base generation.ImagePayload, expressionPrompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error) {
	f.calls++
	return f.image, f.err
}

type fakeMeter struct {
	remaining int64
	err       error
	calls     int
}

func (f *fakeMeter) DecrementUses(ctx context.Context, token string) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.remaining, nil
}

type studioFixture struct {
	router    *gin.Engine
	generator *fakeGenerator
	meter     *fakeMeter
	library   *library.Module
}

func newStudioFixture(t *testing.T) *studioFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("DATABASE_DSN", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	t.Setenv("DATABASE_DRIVER", "sqlite")

	router := gin.New()
	lib, err := library.RegisterRoutes(router, nil, nil, nil)
	require.NoError(t, err)

	generator := &fakeGenerator{
		image:   generation.ImagePayload{Data: []byte("generated"), MimeType: "image/png"},
		verdict: generation.ValidationResult{IsChibi: true, IsSolo: true, Reason: "single chibi"},
	}
	meter := &fakeMeter{remaining: 5}

	_, err = RegisterRoutes(router, lib.DB(), generator, meter, nil, lib)
	require.NoError(t, err)

	return &studioFixture{router: router, generator: generator, meter: meter, library: lib}
}

func (f *studioFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestGenerateExpressionBurnsOneUseAfterSuccess(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt": "happy",
		"base":   testBaseDataURI,
	}, map[string]string{"X-Device-ID": "dev-1", "X-Access-Token": "tok"})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, f.meter.calls)

	body := decodeBody(t, recorder)
	assert.Equal(t, "happy", body["name"])
	assert.NotEmpty(t, body["image"])
	assert.Equal(t, float64(4), body["uses_remaining"])
	assert.NotContains(t, body, "metering_error")
}

func TestGenerationFailureDoesNotBurnAUse(t *testing.T) {
	f := newStudioFixture(t)
	f.generator.err = fmt.Errorf("%w: upstream unavailable", generation.ErrGenerationFailed)

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt": "happy",
		"base":   testBaseDataURI,
	}, map[string]string{"X-Device-ID": "dev-2", "X-Access-Token": "tok"})

	assert.Equal(t, http.StatusBadGateway, recorder.Code)
	assert.Zero(t, f.meter.calls)
}

// A metering failure after a successful generation must not discard the
// image: the client paid the latency, the counter reconciles later.
func TestMeteringFailureStillReturnsImage(t *testing.T) {
	f := newStudioFixture(t)
	f.meter.err = errors.New("record store unreachable")

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt": "happy",
		"base":   testBaseDataURI,
	}, map[string]string{"X-Device-ID": "dev-3", "X-Access-Token": "tok"})

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.NotEmpty(t, body["image"])
	assert.Contains(t, body, "metering_error")
	assert.NotContains(t, body, "uses_remaining")
}

func TestGenerateExpressionWithoutTokenSkipsMetering(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt": "happy",
		"base":   testBaseDataURI,
	}, map[string]string{"X-Device-ID": "dev-4"})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Zero(t, f.meter.calls)

	// No count was taken, so none is reported; a literal zero here would
	// read as an exhausted token.
	body := decodeBody(t, recorder)
	assert.NotContains(t, body, "uses_remaining")
}

func TestGenerateExpressionRequiresBase(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt": "happy",
	}, map[string]string{"X-Device-ID": "dev-5"})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Zero(t, f.generator.calls)
}

func TestGenerateExpressionAutoSavesToLibrary(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/expressions", gin.H{
		"prompt":   "wink",
		"base":     testBaseDataURI,
		"autoSave": true,
	}, map[string]string{"X-Device-ID": "dev-6"})

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Contains(t, body, "expression")

	store, err := f.library.StoreForDevice("", "dev-6")
	require.NoError(t, err)
	expressions, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, expressions, 1)
	assert.Equal(t, "wink", expressions[0].Name)
}

func TestGenerateBaseFromPromptStoresSession(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/base", gin.H{
		"prompt": "a knight with silver armor",
	}, map[string]string{"X-Device-ID": "dev-7", "X-Access-Token": "tok"})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, f.meter.calls)

	session := f.do(t, http.MethodGet, "/studio/session", nil, map[string]string{"X-Device-ID": "dev-7"})
	require.Equal(t, http.StatusOK, session.Code)
	body := decodeBody(t, session)
	stored := body["session"].(map[string]interface{})
	assert.Equal(t, "a knight with silver armor", stored["base_name"])
	assert.NotEmpty(t, stored["base_image"])
}

func TestGenerateBaseRequiresPromptOrImage(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/base", gin.H{},
		map[string]string{"X-Device-ID": "dev-8"})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Zero(t, f.generator.calls)
}

func TestValidateImageReturnsVerdict(t *testing.T) {
	f := newStudioFixture(t)
	f.generator.verdict = generation.ValidationResult{IsChibi: false, IsSolo: true, Reason: "photorealistic style"}

	recorder := f.do(t, http.MethodPost, "/studio/validate-image", gin.H{
		"image": testBaseDataURI,
	}, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	verdict := body["result"].(map[string]interface{})
	assert.Equal(t, false, verdict["isChibi"])
	assert.Equal(t, true, verdict["isSolo"])
}

func TestPromoteBaseCopiesExpressionIntoSession(t *testing.T) {
	f := newStudioFixture(t)

	store, err := f.library.StoreForDevice("", "dev-9")
	require.NoError(t, err)
	saved, err := store.Add(context.Background(), library.Expression{Name: "smug", Image: testBaseDataURI})
	require.NoError(t, err)

	recorder := f.do(t, http.MethodPost, "/studio/base/promote", gin.H{
		"id": saved.ID,
	}, map[string]string{"X-Device-ID": "dev-9"})

	require.Equal(t, http.StatusOK, recorder.Code)

	session := f.do(t, http.MethodGet, "/studio/session", nil, map[string]string{"X-Device-ID": "dev-9"})
	body := decodeBody(t, session)
	stored := body["session"].(map[string]interface{})
	assert.Equal(t, "smug", stored["base_name"])
	assert.Equal(t, testBaseDataURI, stored["base_image"])

	// The promoted expression stays in the library untouched.
	expressions, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, expressions, 1)
}

func TestPromoteBaseUnknownExpression(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodPost, "/studio/base/promote", gin.H{
		"id": "does-not-exist",
	}, map[string]string{"X-Device-ID": "dev-10"})

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSessionUpdateIsPartial(t *testing.T) {
	f := newStudioFixture(t)
	headers := map[string]string{"X-Device-ID": "dev-11"}

	first := f.do(t, http.MethodPut, "/studio/session", gin.H{
		"base_name":  "hero",
		"base_image": testBaseDataURI,
		"auto_save":  true,
		"settings":   gin.H{"theme": "dark"},
	}, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, http.MethodPut, "/studio/session", gin.H{
		"library_key": "abc123",
	}, headers)
	require.Equal(t, http.StatusOK, second.Code)

	session := f.do(t, http.MethodGet, "/studio/session", nil, headers)
	body := decodeBody(t, session)
	stored := body["session"].(map[string]interface{})
	assert.Equal(t, "hero", stored["base_name"])
	assert.Equal(t, true, stored["auto_save"])
	assert.Equal(t, "abc123", stored["library_key"])
	settings := stored["settings"].(map[string]interface{})
	assert.Equal(t, "dark", settings["theme"])
}

// Without a configured generator the session and promote endpoints keep
// working; only the generation endpoints report unavailability.
func TestStudioWithoutGeneratorKeepsSessionsWorking(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("DATABASE_DSN", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	t.Setenv("DATABASE_DRIVER", "sqlite")

	router := gin.New()
	lib, err := library.RegisterRoutes(router, nil, nil, nil)
	require.NoError(t, err)
	_, err = RegisterRoutes(router, lib.DB(), nil, nil, nil, lib)
	require.NoError(t, err)

	f := &studioFixture{router: router, library: lib}
	headers := map[string]string{"X-Device-ID": "dev-12"}

	put := f.do(t, http.MethodPut, "/studio/session", gin.H{"base_name": "hero"}, headers)
	require.Equal(t, http.StatusOK, put.Code)

	get := f.do(t, http.MethodGet, "/studio/session", nil, headers)
	require.Equal(t, http.StatusOK, get.Code)

	promote := f.do(t, http.MethodPost, "/studio/base/promote", gin.H{"id": "missing"}, headers)
	assert.Equal(t, http.StatusNotFound, promote.Code)

	for _, path := range []string{"/studio/validate-image", "/studio/base", "/studio/expressions"} {
		recorder := f.do(t, http.MethodPost, path, gin.H{
			"prompt": "happy",
			"image":  testBaseDataURI,
		}, headers)
		assert.Equal(t, http.StatusServiceUnavailable, recorder.Code, path)
	}
}

// A session row that cannot be read back must not be replaced with a blank
// one just because a generation succeeded; the stored token, library key and
// auto-save preference belong to the device, not to this request.
func TestGenerateBaseKeepsUnreadableSessionIntact(t *testing.T) {
	f := newStudioFixture(t)
	headers := map[string]string{"X-Device-ID": "dev-13"}

	put := f.do(t, http.MethodPut, "/studio/session", gin.H{
		"token":       "tok-13",
		"library_key": "lib-13",
		"auto_save":   true,
	}, headers)
	require.Equal(t, http.StatusOK, put.Code)

	// Make the row unreadable without deleting it.
	require.NoError(t, f.library.DB().Exec(
		"UPDATE studio_sessions SET auto_save = 'garbage' WHERE device_id = ?", "dev-13").Error)

	recorder := f.do(t, http.MethodPost, "/studio/base", gin.H{
		"prompt": "a bard with a lute",
	}, headers)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.NotEmpty(t, body["image"])

	var token string
	require.NoError(t, f.library.DB().Raw(
		"SELECT token FROM studio_sessions WHERE device_id = ?", "dev-13").Scan(&token).Error)
	assert.Equal(t, "tok-13", token)
}

func TestSessionEndpointsRequireDeviceID(t *testing.T) {
	f := newStudioFixture(t)

	recorder := f.do(t, http.MethodGet, "/studio/session", nil, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
