package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/auth"
	"chatbridge/internal/cache"
	"chatbridge/internal/config"
	"chatbridge/internal/database"
	"chatbridge/internal/handlers"
	"chatbridge/internal/server"
	"chatbridge/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis (unread counters)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	unread, err := cache.Connect(ctx, cfg.Redis.Addr)
	cancel()
	if err != nil {
		logger.Fatal("Failed to connect to redis: %v", err)
	}
	defer unread.Close()

	// Initialize services
	authService := auth.NewService(db, cfg)
	hub := server.NewHub()
	msgService := server.NewService(db, unread, hub, cfg.RateLimit.CommandsPerMinute)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, hub, msgService)

	// Setup routes
	mux := http.NewServeMux()
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	// Create server
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /login")
	logger.Info("   POST /register")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
