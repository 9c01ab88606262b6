package authorization

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	identityKey    = "admin_id"
	defaultTimeout = time.Hour
)

// AdminUser is an operator account allowed to mint and top up access tokens.
type AdminUser struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"size:100;not null" json:"-"`
	DisplayName  string    `gorm:"size:100" json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName names the backing table for AdminUser.
func (AdminUser) TableName() string {
	return "admin_users"
}

// Module wires together the JWT middleware and the admin account store.
type Module struct {
	db            *gorm.DB
	jwtMiddleware *jwt.GinJWTMiddleware
	captcha       *CaptchaStore
}

// RegisterRoutes bootstraps the admin authentication endpoints under /auth.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&AdminUser{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}

	if err := bootstrapAdminFromEnv(db); err != nil {
		return nil, err
	}

	captchaStore := NewCaptchaStore(3 * time.Minute)

	middleware, err := buildJWTMiddleware(db, captchaStore)
	if err != nil {
		return nil, err
	}

	module := &Module{db: db, jwtMiddleware: middleware, captcha: captchaStore}

	authGroup := router.Group("/auth")
	authGroup.GET("/captcha", func(c *gin.Context) {
		challenge := captchaStore.Issue()
		expiresIn := int(challenge.TTL.Seconds())
		if expiresIn < 1 {
			expiresIn = 1
		}
		c.JSON(200, gin.H{
			"captcha_id": challenge.ID,
			"image":      challenge.ImageBase64,
			"expires_in": expiresIn,
			"expires_at": challenge.ExpiresAt.UTC(),
		})
	})
	authGroup.POST("/login", func(c *gin.Context) {
		middleware.LoginHandler(c)
	})
	authGroup.POST("/refresh", middleware.RefreshHandler)

	return module, nil
}

// Guard returns the middleware helper shared with token-admin routes.
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// bootstrapAdminFromEnv ensures the account named by ADMIN_USERNAME exists,
// hashing ADMIN_PASSWORD on first boot. Skipped when the variables are unset.
func bootstrapAdminFromEnv(db *gorm.DB) error {
	username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || strings.TrimSpace(password) == "" {
		log.Printf("authorization: ADMIN_USERNAME/ADMIN_PASSWORD unset, skipping admin bootstrap")
		return nil
	}

	var count int64
	if err := db.Model(&AdminUser{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return fmt.Errorf("authorization: check admin account: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authorization: hash admin password: %w", err)
	}

	admin := AdminUser{Username: username, PasswordHash: string(hash), DisplayName: username}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("authorization: create admin account: %w", err)
	}
	log.Printf("authorization: bootstrapped admin account %q", username)
	return nil
}

func authenticate(ctx context.Context, db *gorm.DB, username, password string) (*AdminUser, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return nil, jwt.ErrMissingLoginValues
	}

	var admin AdminUser
	if err := db.WithContext(ctx).First(&admin, "username = ?", strings.TrimSpace(username)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jwt.ErrFailedAuthentication
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, jwt.ErrFailedAuthentication
	}
	return &admin, nil
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Username      string `json:"username" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id" binding:"required"`
	CaptchaAnswer string `json:"captcha_answer" binding:"required"`
}

func buildJWTMiddleware(db *gorm.DB, captchaStore *CaptchaStore) (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "chibistudio",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if admin, ok := data.(*AdminUser); ok {
				return jwt.MapClaims{
					identityKey: admin.ID,
					"username":  admin.Username,
					"role":      "admin",
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			username, _ := claims["username"].(string)
			return &AdminUser{Username: username}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}

			if captchaStore != nil && !captchaStore.Verify(req.CaptchaID, req.CaptchaAnswer) {
				return nil, jwt.ErrFailedAuthentication
			}

			return authenticate(c.Request.Context(), db, req.Username, req.Password)
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			_, ok := data.(*AdminUser)
			return ok
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			c.JSON(code, gin.H{"token": token, "expire": expire})
		},
		TokenLookup:   "header: Authorization, cookie: jwt",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}
