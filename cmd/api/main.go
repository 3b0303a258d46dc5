package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/isopen-io/meeshy-sub013/internal/config"
	"github.com/isopen-io/meeshy-sub013/internal/crypto"
	"github.com/isopen-io/meeshy-sub013/internal/handler"
	"github.com/isopen-io/meeshy-sub013/internal/middleware"
	"github.com/isopen-io/meeshy-sub013/internal/repository"
	"github.com/isopen-io/meeshy-sub013/internal/service"
	"github.com/isopen-io/meeshy-sub013/internal/translation"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg := config.Load()
	slog.SetDefault(config.NewLogger(cfg))
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	adapter := crypto.NewAdapter()
	masterKey, err := adapter.ImportKey(cfg.MasterKey)
	if err != nil {
		slog.Error("invalid master key", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, translation requests will fail until it recovers", "addr", cfg.RedisAddr, "error", err)
	}
	cancel()

	convRepo := repository.NewConversationRepository(db)
	keyRepo := repository.NewConversationKeyRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	backupRepo := repository.NewKeyBackupRepository(db)

	logger := slog.Default()
	dispatcher := translation.NewDispatcher(rdb, cfg.TranslationChannel, cfg.TranslationTargets, logger)

	encryptionService := service.NewEncryptionService(convRepo, keyRepo, adapter, masterKey, logger)
	messageService := service.NewMessageService(convRepo, msgRepo, encryptionService, dispatcher, logger)
	backupService := service.NewKeyBackupService(backupRepo, logger)

	encryptionHandler := handler.NewEncryptionHandler(encryptionService)
	messageHandler := handler.NewMessageHandler(messageService)
	backupHandler := handler.NewKeyBackupHandler(backupService)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTIssuer, cfg.JWTSecret))

		r.Route("/api/v1/conversations/{conversation_id}", func(r chi.Router) {
			r.Post("/encryption", encryptionHandler.HandleEnable)
			r.Get("/encryption", encryptionHandler.HandleStatus)

			r.With(middleware.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)).
				Post("/messages", messageHandler.HandleSend)
			r.Get("/messages", messageHandler.HandleList)
		})

		r.Get("/api/v1/keys/backup", backupHandler.HandleList)
		r.Put("/api/v1/keys/backup/{device_id}", backupHandler.HandlePut)
		r.Get("/api/v1/keys/backup/{device_id}", backupHandler.HandleGet)
		r.Delete("/api/v1/keys/backup/{device_id}", backupHandler.HandleDelete)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
