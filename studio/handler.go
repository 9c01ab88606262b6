package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chibistudio_back/assetstore"
	"chibistudio_back/generation"
	"chibistudio_back/library"
)

const (
	headerDeviceID    = "X-Device-ID"
	headerAccessToken = "X-Access-Token"

	logSourceUpload    = "user_upload"
	logSourceGenerated = "generated"
)

// Generator is the image-generation surface the studio orchestrates.
// *generation.Client satisfies it; tests substitute a scripted fake.
type Generator interface {
	ValidateImage(ctx context.Context, img generation.ImagePayload) (generation.ValidationResult, error)
	GenerateCharacter(ctx context.Context, prompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error)
	GenerateChibi(ctx context.Context, base generation.ImagePayload, emotionPrompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error)
	GenerateExpression(ctx context.Context, base generation.ImagePayload, expressionPrompt string, reference *generation.ImagePayload, similarity int) (generation.ImagePayload, error)
}

// UseMeter burns access-token uses. *tokens.Meter satisfies it.
type UseMeter interface {
	DecrementUses(ctx context.Context, token string) (int64, error)
}

// Module orchestrates generation: gate, generate, meter, optionally save.
type Module struct {
	db        *gorm.DB
	generator Generator
	meter     UseMeter
	library   *library.Module
	logger    *uploadLogger
}

// RegisterRoutes mounts the studio endpoints. The relational handle is shared
// with the library module. The asset store and generator may each be nil:
// a missing asset store disables upload logging, a missing generator turns
// the generation endpoints into 503s while sessions and promote keep working.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, generator Generator, meter UseMeter, assets assetstore.Store, lib *library.Module) (*Module, error) {
	if db == nil {
		return nil, errors.New("studio: database handle is required")
	}

	if err := db.AutoMigrate(&Session{}, &UploadLogEntry{}); err != nil {
		return nil, fmt.Errorf("studio: migrate tables: %w", err)
	}

	module := &Module{
		db:        db,
		generator: generator,
		meter:     meter,
		library:   lib,
		logger:    newUploadLogger(db, assets),
	}

	group := router.Group("/studio")
	group.POST("/validate-image", module.handleValidateImage)
	group.POST("/base", module.handleGenerateBase)
	group.POST("/base/promote", module.handlePromoteBase)
	group.POST("/expressions", module.handleGenerateExpression)
	group.GET("/session", module.handleGetSession)
	group.PUT("/session", module.handlePutSession)

	return module, nil
}

func (m *Module) generatorReady(c *gin.Context) bool {
	if m.generator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image generation is not configured"})
		return false
	}
	return true
}

func deviceFromRequest(c *gin.Context) (string, bool) {
	device := strings.TrimSpace(c.GetHeader(headerDeviceID))
	if device == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Device-ID header is required"})
		return "", false
	}
	return device, true
}

// payloadFromLocator turns a data URI into an image payload. Session base
// images are stored as data URIs, so no URL resolution is needed here.
func payloadFromLocator(locator string) (generation.ImagePayload, error) {
	data, mimeType, err := assetstore.ParseDataURI(locator)
	if err != nil {
		return generation.ImagePayload{}, err
	}
	return generation.ImagePayload{Data: data, MimeType: mimeType}, nil
}

func payloadToDataURI(img generation.ImagePayload) string {
	return assetstore.EncodeDataURI(img.Data, img.MimeType)
}

func optionalPayload(c *gin.Context, locator string) (*generation.ImagePayload, bool) {
	if strings.TrimSpace(locator) == "" {
		return nil, true
	}
	payload, err := payloadFromLocator(locator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference image must be a base64 data URI"})
		return nil, false
	}
	return &payload, true
}

func respondGenerationError(c *gin.Context, err error) {
	if errors.Is(err, generation.ErrGenerationFailed) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "image generation failed, please try again"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// burnUse decrements the token counter after a successful generation. The
// image is already in hand at this point, so a metering failure is reported
// beside it rather than by discarding it. The bool reports whether a count
// was actually taken: without it an unmetered request would be
// indistinguishable from an exhausted token.
func (m *Module) burnUse(ctx context.Context, token string) (int64, string, bool) {
	if m.meter == nil || strings.TrimSpace(token) == "" {
		return 0, "", false
	}
	remaining, err := m.meter.DecrementUses(ctx, token)
	if err != nil {
		return 0, "generation succeeded but the use counter could not be updated", false
	}
	return remaining, "", true
}

func (m *Module) sessionForDevice(ctx context.Context, device string) (Session, error) {
	var session Session
	err := m.db.WithContext(ctx).First(&session, "device_id = ?", device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{DeviceID: device}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("studio: load session: %w", err)
	}
	return session, nil
}

func (m *Module) saveSession(ctx context.Context, session Session) error {
	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			UpdateAll: true,
		}).
		Create(&session).Error
	if err != nil {
		return fmt.Errorf("studio: save session: %w", err)
	}
	return nil
}

type validateImageRequest struct {
	Image string `json:"image" binding:"required"`
}

func (m *Module) handleValidateImage(c *gin.Context) {
	if !m.generatorReady(c) {
		return
	}

	var req validateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	payload, err := payloadFromLocator(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must be a base64 data URI"})
		return
	}

	m.logger.Log(c.Request.Context(), logSourceUpload, payload.Data)

	verdict, err := m.generator.ValidateImage(c.Request.Context(), payload)
	if err != nil {
		respondGenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": verdict})
}

type generateBaseRequest struct {
	Prompt     string `json:"prompt"`
	Image      string `json:"image"`
	Emotion    string `json:"emotion"`
	Reference  string `json:"reference"`
	Similarity int    `json:"similarity"`
	Name       string `json:"name"`
}

// handleGenerateBase creates a base character either from a text description
// or by restyling an uploaded image into a chibi. On success the base is
// stored in the device session and one token use is burned.
func (m *Module) handleGenerateBase(c *gin.Context) {
	if !m.generatorReady(c) {
		return
	}
	device, ok := deviceFromRequest(c)
	if !ok {
		return
	}

	var req generateBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	reference, ok := optionalPayload(c, req.Reference)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var (
		result   generation.ImagePayload
		baseName string
		err      error
	)
	switch {
	case strings.TrimSpace(req.Image) != "":
		var source generation.ImagePayload
		source, err = payloadFromLocator(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image must be a base64 data URI"})
			return
		}
		m.logger.Log(ctx, logSourceUpload, source.Data)

		emotion := strings.TrimSpace(req.Emotion)
		if emotion == "" {
			emotion = "neutral"
		}
		baseName = strings.TrimSpace(req.Name)
		if baseName == "" {
			baseName = "Imported Character"
		}
		result, err = m.generator.GenerateChibi(ctx, source, emotion, reference, req.Similarity)
	case strings.TrimSpace(req.Prompt) != "":
		baseName = strings.TrimSpace(req.Name)
		if baseName == "" {
			baseName = strings.TrimSpace(req.Prompt)
		}
		result, err = m.generator.GenerateCharacter(ctx, req.Prompt, reference, req.Similarity)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either prompt or image is required"})
		return
	}
	if err != nil {
		respondGenerationError(c, err)
		return
	}

	m.logger.Log(ctx, logSourceGenerated, result.Data)

	session, sessErr := m.sessionForDevice(ctx, device)
	if sessErr != nil {
		log.Printf("studio: session load after generation failed: %v", sessErr)
	}

	token := strings.TrimSpace(c.GetHeader(headerAccessToken))
	if token == "" {
		token = session.Token
	}
	remaining, meteringError, metered := m.burnUse(ctx, token)

	imageURI := payloadToDataURI(result)
	if sessErr == nil {
		// An unreadable session is left alone rather than overwritten with a
		// blank one; the caller still holds the image either way.
		session.BaseName = baseName
		session.BaseImage = imageURI
		if err := m.saveSession(ctx, session); err != nil {
			log.Printf("studio: session save after generation failed: %v", err)
		}
	}

	response := gin.H{
		"name":  baseName,
		"image": imageURI,
	}
	if metered {
		response["uses_remaining"] = remaining
	}
	if meteringError != "" {
		response["metering_error"] = meteringError
	}
	c.JSON(http.StatusOK, response)
}

type generateExpressionRequest struct {
	Prompt     string `json:"prompt" binding:"required"`
	Base       string `json:"base"`
	Reference  string `json:"reference"`
	Similarity int    `json:"similarity"`
	AutoSave   *bool  `json:"autoSave"`
}

// handleGenerateExpression derives a new expression from the base character.
// The base comes from the request body when provided, otherwise from the
// device session. One token use is burned per successful generation, and the
// result is optionally auto-saved into the caller's library.
func (m *Module) handleGenerateExpression(c *gin.Context) {
	if !m.generatorReady(c) {
		return
	}
	device, ok := deviceFromRequest(c)
	if !ok {
		return
	}

	var req generateExpressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expression prompt is required"})
		return
	}

	reference, ok := optionalPayload(c, req.Reference)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	session, err := m.sessionForDevice(ctx, device)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load studio session"})
		return
	}

	baseLocator := strings.TrimSpace(req.Base)
	if baseLocator == "" {
		baseLocator = session.BaseImage
	}
	if baseLocator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no base character: generate or promote one first"})
		return
	}
	base, err := payloadFromLocator(baseLocator)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base image must be a base64 data URI"})
		return
	}

	result, err := m.generator.GenerateExpression(ctx, base, req.Prompt, reference, req.Similarity)
	if err != nil {
		respondGenerationError(c, err)
		return
	}

	m.logger.Log(ctx, logSourceGenerated, result.Data)

	token := strings.TrimSpace(c.GetHeader(headerAccessToken))
	if token == "" {
		token = session.Token
	}
	remaining, meteringError, metered := m.burnUse(ctx, token)

	imageURI := payloadToDataURI(result)
	response := gin.H{
		"name":  strings.TrimSpace(req.Prompt),
		"image": imageURI,
	}
	if metered {
		response["uses_remaining"] = remaining
	}
	if meteringError != "" {
		response["metering_error"] = meteringError
	}

	autoSave := session.AutoSave
	if req.AutoSave != nil {
		autoSave = *req.AutoSave
	}
	if autoSave && m.library != nil {
		libraryKey := strings.TrimSpace(c.GetHeader("X-Library-Key"))
		if libraryKey == "" {
			libraryKey = session.LibraryKey
		}
		saved, saveErr := m.autoSaveExpression(ctx, libraryKey, device, strings.TrimSpace(req.Prompt), imageURI)
		if saveErr != nil {
			response["save_error"] = "expression generated but could not be saved to the library"
		} else {
			response["expression"] = saved
		}
	}

	c.JSON(http.StatusOK, response)
}

func (m *Module) autoSaveExpression(ctx context.Context, libraryKey, device, name, imageURI string) (library.Expression, error) {
	store, err := m.library.StoreForDevice(libraryKey, device)
	if err != nil {
		return library.Expression{}, err
	}
	return store.Add(ctx, library.Expression{Name: name, Image: imageURI})
}

type promoteBaseRequest struct {
	ID string `json:"id" binding:"required"`
}

// handlePromoteBase copies a saved expression into the session's base slot.
// The library record itself is untouched.
func (m *Module) handlePromoteBase(c *gin.Context) {
	device, ok := deviceFromRequest(c)
	if !ok {
		return
	}

	var req promoteBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expression id is required"})
		return
	}
	if m.library == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "library is not configured"})
		return
	}

	ctx := c.Request.Context()
	session, err := m.sessionForDevice(ctx, device)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load studio session"})
		return
	}

	libraryKey := strings.TrimSpace(c.GetHeader("X-Library-Key"))
	if libraryKey == "" {
		libraryKey = session.LibraryKey
	}
	store, err := m.library.StoreForDevice(libraryKey, device)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expressions, err := store.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read library"})
		return
	}

	var promoted *library.Expression
	for i := range expressions {
		if expressions[i].ID == req.ID {
			promoted = &expressions[i]
			break
		}
	}
	if promoted == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "expression not found"})
		return
	}

	image := promoted.Image
	if !assetstore.IsDataURI(image) {
		data, downloadErr := m.downloadAsset(ctx, promoted)
		if downloadErr != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch expression image"})
			return
		}
		image = assetstore.EncodeDataURI(data, "image/png")
	}

	session.BaseName = promoted.Name
	session.BaseImage = image
	if err := m.saveSession(ctx, session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save studio session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"name": session.BaseName, "image": session.BaseImage})
}

func (m *Module) downloadAsset(ctx context.Context, exp *library.Expression) ([]byte, error) {
	assets := m.library.Assets()
	if assets == nil {
		return nil, errors.New("studio: asset store is not configured")
	}
	locator := exp.StoragePath
	if locator == "" {
		locator = exp.Image
	}
	return assets.Download(ctx, locator)
}

func (m *Module) handleGetSession(c *gin.Context) {
	device, ok := deviceFromRequest(c)
	if !ok {
		return
	}

	session, err := m.sessionForDevice(c.Request.Context(), device)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load studio session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

type putSessionRequest struct {
	BaseName   *string         `json:"base_name"`
	BaseImage  *string         `json:"base_image"`
	AutoSave   *bool           `json:"auto_save"`
	LibraryKey *string         `json:"library_key"`
	Token      *string         `json:"token"`
	Settings   json.RawMessage `json:"settings"`
}

// handlePutSession updates only the fields the caller sent.
func (m *Module) handlePutSession(c *gin.Context) {
	device, ok := deviceFromRequest(c)
	if !ok {
		return
	}

	var req putSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	ctx := c.Request.Context()
	session, err := m.sessionForDevice(ctx, device)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load studio session"})
		return
	}

	if req.BaseName != nil {
		session.BaseName = strings.TrimSpace(*req.BaseName)
	}
	if req.BaseImage != nil {
		if *req.BaseImage != "" && !assetstore.IsDataURI(*req.BaseImage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "base image must be a base64 data URI"})
			return
		}
		session.BaseImage = *req.BaseImage
	}
	if req.AutoSave != nil {
		session.AutoSave = *req.AutoSave
	}
	if req.LibraryKey != nil {
		session.LibraryKey = strings.TrimSpace(*req.LibraryKey)
	}
	if req.Token != nil {
		session.Token = strings.TrimSpace(*req.Token)
	}
	if len(req.Settings) > 0 {
		session.Settings = datatypes.JSON(req.Settings)
	}

	if err := m.saveSession(ctx, session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save studio session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}
