package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"docchat/internal/ratelimit"
	"docchat/internal/util"
	"docchat/pkg/ai"
	"docchat/pkg/pdftext"
	"docchat/pkg/session"
	"docchat/pkg/storage"
	"docchat/services/docchat/internal/app"
	"docchat/services/docchat/internal/config"
	"docchat/services/docchat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	var revoker session.TokenRevoker = session.NewMemoryTokenRevoker()
	if redisClient != nil {
		revoker = session.NewRedisTokenRevoker(redisClient, "docchat:revoked")
	}
	sessions, err := session.NewManager(cfg.SessionSecret, cfg.SessionTTL, revoker)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	signupLimiter, err := newLimiter(redisClient, "docchat:ratelimit:signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init signup limiter: %v", err)
	}
	loginLimiter, err := newLimiter(redisClient, "docchat:ratelimit:login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init login limiter: %v", err)
	}

	blobs, err := newBlobStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	generator, err := ai.NewGenerator(cfg.GenerationProvider, cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.GenerationModel)
	if err != nil {
		log.Fatalf("failed to init text generator: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		Blobs:             blobs,
		Generator:         generator,
		Extractor:         pdftext.NewExtractor(cfg.MaxPDFPages),
		Sessions:          sessions,
		CompletionTimeout: cfg.CompletionTimeout,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		SignupLimiter:  signupLimiter,
		LoginLimiter:   loginLimiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		TrustedProxies: trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.CompletionTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("docchat server listening", "addr", addr, "backend", appCore.Backend(), "storage", cfg.StorageDriver, "provider", cfg.GenerationProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newLimiter(client *redis.Client, prefix string, perMinute int) (ratelimit.Limiter, error) {
	if client != nil {
		return ratelimit.NewRedisFixedWindowLimiter(client, prefix, perMinute, time.Minute)
	}
	return ratelimit.NewMemoryFixedWindowLimiter(perMinute, time.Minute)
}

func newBlobStore(cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.StorageDriver == "minio" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.DataDir)
}
