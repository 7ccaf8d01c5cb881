package main

import (
	"context"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"duochat/internal/chat"
	"duochat/internal/config"
	"duochat/internal/db"
	"duochat/internal/media"
	myMiddleware "duochat/internal/middleware"
	"duochat/internal/obs"
	"duochat/internal/user"
)

func main() {
	// 1. Config & Logging
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("❌ " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	// 2. Platform layer: Postgres, Redis, MinIO
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := database.AutoMigrate(); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ connected to redis")

	blobs, err := media.NewMinioStore(context.Background(),
		cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		logger.Error("failed to connect to minio", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ connected to minio", "bucket", cfg.MinioBucket)

	// 3. User feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)

	// 4. Chat feature: one service pipeline shared by HTTP and websocket
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(redisClient, logger)
	go hub.Run(context.Background())

	authorizer := chat.NewAuthorizer(nil)
	chatService := chat.NewService(chatRepo, authorizer, hub, blobs, logger, cfg.StoreTimeout)
	chatHandler := chat.NewHandler(chatService, hub, blobs, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Public
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected (JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/api/chats", chatHandler.ResolveChat)
		r.Get("/api/chats", chatHandler.ListChats)
		r.Get("/api/chats/{chatID}/messages", chatHandler.PageMessages)

		r.Post("/api/messages", chatHandler.SendMessage)
		r.Patch("/api/messages/{id}", chatHandler.EditMessage)
		r.Delete("/api/messages/{id}", chatHandler.DeleteMessage)

		r.Get("/api/images/{key}", chatHandler.ServeImage)
	})

	logger.Info("🚀 server starting", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
