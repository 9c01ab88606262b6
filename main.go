package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"chibistudio_back/assetstore"
	"chibistudio_back/authorization"
	"chibistudio_back/cache"
	"chibistudio_back/generation"
	"chibistudio_back/library"
	"chibistudio_back/recordstore"
	"chibistudio_back/studio"
	"chibistudio_back/tokens"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowHeaders = append(config.AllowHeaders,
		"Authorization", "X-Library-Key", "X-Device-ID", "X-Access-Token")
	return cors.New(config)
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(corsMiddleware())

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	var records recordstore.Store
	if cache.Enabled() {
		redisStore, err := recordstore.NewRedisStoreFromEnv()
		if err != nil {
			log.Fatalf("connect record store: %v", err)
		}
		records = redisStore
	} else {
		log.Printf("main: redis unavailable, shared libraries and token metering disabled")
	}

	var assets assetstore.Store
	minioStore, err := assetstore.NewMinioStoreFromEnv()
	if err != nil {
		log.Fatalf("connect asset store: %v", err)
	}
	if minioStore != nil {
		assets = minioStore
	}

	var meter *tokens.Meter
	if records != nil {
		if _, err := tokens.RegisterRoutes(r, records, guard); err != nil {
			log.Fatalf("register token routes: %v", err)
		}
		meter = tokens.NewMeter(records)
	}

	libraryModule, err := library.RegisterRoutes(r, records, assets, guard)
	if err != nil {
		log.Fatalf("register library routes: %v", err)
	}

	var generator studio.Generator
	if client, err := generation.NewClientFromEnv(); err != nil {
		log.Printf("main: generation disabled: %v", err)
	} else {
		generator = client
	}

	var useMeter studio.UseMeter
	if meter != nil {
		useMeter = meter
	}
	if _, err := studio.RegisterRoutes(r, libraryModule.DB(), generator, useMeter, assets, libraryModule); err != nil {
		log.Fatalf("register studio routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
