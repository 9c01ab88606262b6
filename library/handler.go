package library

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"chibistudio_back/assetstore"
	"chibistudio_back/authorization"
	"chibistudio_back/recordstore"
)

const (
	headerLibraryKey = "X-Library-Key"
	headerDeviceID   = "X-Device-ID"
)

// Module exposes the expression library over HTTP. Cloud mode is selected by
// the X-Library-Key request header; without it the collection is device-local
// and keyed by X-Device-ID.
type Module struct {
	db       *gorm.DB
	records  recordstore.Store
	assets   assetstore.Store
	upgrader websocket.Upgrader
}

type addExpressionRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Image      string `json:"image" binding:"required"`
	IsFavorite bool   `json:"isFavorite"`
}

type updateExpressionRequest struct {
	Name       string `json:"name"`
	Image      string `json:"image" binding:"required"`
	IsFavorite bool   `json:"isFavorite"`
}

// RegisterRoutes mounts the library endpoints.
func RegisterRoutes(router *gin.Engine, records recordstore.Store, assets assetstore.Store, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&localExpression{}); err != nil {
		return nil, fmt.Errorf("library: migrate tables: %w", err)
	}

	module := &Module{
		db:      db,
		records: records,
		assets:  assets,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	group := router.Group("/library")
	group.POST("/keys", module.handleCreateKey)
	group.GET("", module.handleList)
	group.POST("", module.handleAdd)
	group.PUT("/:id", module.handleUpdate)
	group.DELETE("/:id", module.handleDelete)
	group.DELETE("", module.handleClear)
	group.GET("/watch", module.handleWatch)
	group.POST("/import", module.handleImport)

	admin := group.Group("")
	if guard != nil {
		admin.Use(guard.RequireAuthenticated(), guard.RequireRole("admin"))
	} else {
		admin.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	admin.GET("/deleted", module.handleListDeleted)

	return module, nil
}

// DB exposes the relational handle so sibling modules can share it.
func (m *Module) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

// Assets exposes the asset store, nil when cloud mode is not configured.
func (m *Module) Assets() assetstore.Store {
	if m == nil {
		return nil
	}
	return m.assets
}

// StoreForDevice builds the mode-appropriate store for a caller identified by
// its library key (cloud) or device id (local).
func (m *Module) StoreForDevice(libraryKey, deviceID string) (*Store, error) {
	if key := strings.TrimSpace(libraryKey); key != "" {
		if m.records == nil || m.assets == nil {
			return nil, errors.New("library: cloud mode is not configured")
		}
		backend, err := NewCloudBackend(key, m.records, m.assets)
		if err != nil {
			return nil, err
		}
		return NewStore(backend), nil
	}

	backend, err := NewLocalBackend(m.db, deviceID)
	if err != nil {
		return nil, err
	}
	return NewStore(backend), nil
}

func (m *Module) storeFromRequest(c *gin.Context) (*Store, bool) {
	store, err := m.StoreForDevice(c.GetHeader(headerLibraryKey), c.GetHeader(headerDeviceID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide X-Library-Key for a shared library or X-Device-ID for a local one"})
		return nil, false
	}
	return store, true
}

func respondStoreError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrBadImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must be a base64 data URI"})
	case errors.Is(err, recordstore.ErrConnectionFailed), errors.Is(err, assetstore.ErrConnectionFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "library store unreachable, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func (m *Module) handleCreateKey(c *gin.Context) {
	if m.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cloud libraries are not configured"})
		return
	}
	key, err := CreateLibraryKey(c.Request.Context(), m.records)
	if err != nil {
		respondStoreError(c, err, "failed to create library key")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"library_key": key})
}

func (m *Module) handleList(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	expressions, err := store.List(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "failed to list expressions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"expressions": expressions})
}

func (m *Module) handleAdd(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	var req addExpressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	exp, err := store.Add(c.Request.Context(), Expression{
		ID:         strings.TrimSpace(req.ID),
		Name:       strings.TrimSpace(req.Name),
		Image:      req.Image,
		IsFavorite: req.IsFavorite,
	})
	if err != nil {
		respondStoreError(c, err, "failed to add expression")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"expression": exp})
}

func (m *Module) handleUpdate(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expression id is required"})
		return
	}

	var req updateExpressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	err := store.Update(c.Request.Context(), Expression{
		ID:         id,
		Name:       strings.TrimSpace(req.Name),
		Image:      req.Image,
		IsFavorite: req.IsFavorite,
	})
	if err != nil {
		respondStoreError(c, err, "failed to update expression")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (m *Module) handleDelete(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expression id is required"})
		return
	}

	if err := store.Delete(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "failed to delete expression")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (m *Module) handleClear(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	if err := store.Clear(c.Request.Context()); err != nil {
		respondStoreError(c, err, "failed to clear library")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (m *Module) handleListDeleted(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(headerLibraryKey))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Library-Key header is required"})
		return
	}
	if m.records == nil || m.assets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cloud libraries are not configured"})
		return
	}

	backend, err := NewCloudBackend(key, m.records, m.assets)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expressions, err := backend.ListDeleted(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "failed to list deleted expressions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"expressions": expressions})
}

// handleWatch upgrades to a websocket and pushes the favorite-sorted
// collection on every change until the client hangs up. The store
// subscription is torn down on every exit path.
func (m *Module) handleWatch(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(payload interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(payload)
	}

	unsubscribe, err := store.Watch(func(expressions []Expression) {
		if err := send(gin.H{"expressions": expressions}); err != nil {
			log.Printf("library: watch push failed: %v", err)
		}
	}, func(err error) {
		_ = send(gin.H{"error": "library stream interrupted"})
		log.Printf("library: watch stream error: %v", err)
	})
	if err != nil {
		_ = send(gin.H{"error": "failed to watch library"})
		return
	}
	defer unsubscribe()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
