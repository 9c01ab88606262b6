package tokens

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chibistudio_back/authorization"
	"chibistudio_back/recordstore"
)

// Module exposes the token gate over HTTP.
type Module struct {
	meter *Meter
}

type validateRequest struct {
	Token string `json:"token" binding:"required"`
}

type grantRequest struct {
	Uses int64 `json:"uses" binding:"required"`
}

// RegisterRoutes mounts the token endpoints. Validation is public; minting
// and topping up are admin-only.
func RegisterRoutes(router *gin.Engine, records recordstore.Store, guard *authorization.Guard) (*Module, error) {
	if records == nil {
		return nil, errors.New("tokens: record store is required")
	}

	module := &Module{meter: NewMeter(records)}

	group := router.Group("/tokens")
	group.POST("/validate", module.handleValidate)

	admin := group.Group("")
	if guard != nil {
		admin.Use(guard.RequireAuthenticated(), guard.RequireRole("admin"))
	} else {
		admin.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	admin.POST("", module.handleMint)
	admin.POST("/:token/topup", module.handleTopUp)

	return module, nil
}

// Meter exposes the underlying meter for orchestration callers.
func (m *Module) Meter() *Meter {
	if m == nil {
		return nil
	}
	return m.meter
}

func (m *Module) handleValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	uses, err := m.meter.Validate(c.Request.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		case errors.Is(err, ErrConnectionFailed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not reach the token store, please retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate token"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"uses_remaining": uses})
}

func (m *Module) handleMint(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Uses <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uses must be a positive integer"})
		return
	}

	token := uuid.NewString()
	uses, err := m.meter.Grant(c.Request.Context(), token, req.Uses)
	if err != nil {
		if errors.Is(err, ErrConnectionFailed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not reach the token store, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "uses_remaining": uses})
}

func (m *Module) handleTopUp(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Uses <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uses must be a positive integer"})
		return
	}

	uses, err := m.meter.Grant(c.Request.Context(), token, req.Uses)
	if err != nil {
		if errors.Is(err, ErrConnectionFailed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not reach the token store, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to top up token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "uses_remaining": uses})
}
