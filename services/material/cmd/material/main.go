package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"unetwork/internal/ratelimit"
	"unetwork/internal/usertoken"
	"unetwork/internal/util"
	"unetwork/pkg/ai"
	"unetwork/pkg/events"
	"unetwork/pkg/queue"
	"unetwork/pkg/storage"
	"unetwork/pkg/store"
	"unetwork/services/material/internal/app"
	"unetwork/services/material/internal/config"
	"unetwork/services/material/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer gormStore.Close()

	objects, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	classifier, err := newClassifier(cfg)
	if err != nil {
		log.Fatalf("failed to init classifier: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := app.Config{
		Store:             gormStore,
		Objects:           objects,
		Classifier:        classifier,
		AutoHideThreshold: cfg.AutoHideThreshold,
		ClassifierTimeout: cfg.ClassifierTimeout(),
		InlineLimitBytes:  cfg.InlineLimitBytes,
		ExtractMaxRunes:   cfg.ExtractMaxRunes,
		PresignExpiry:     cfg.PresignExpiry(),
		AllowedExtensions: cfg.AllowedExtensions,
	}

	var cleanup *queue.CleanupQueue
	if cfg.RedisAddr != "" {
		cleanup, err = queue.NewCleanupQueue(queue.CleanupQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.JanitorStream,
		})
		if err != nil {
			log.Fatalf("failed to init cleanup queue: %v", err)
		}
		defer cleanup.Close()
		appCfg.Cleanup = cleanup
	} else {
		logger.Warn("cleanup queue disabled; failed blob deletions are only logged")
	}

	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer publisher.Close()
		appCfg.Events = publisher
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if cleanup != nil {
		cleanup.Start(ctx, cfg.JanitorConcurrency, appCore.HandleCleanup)
	}

	srvCfg := server.Config{
		App:                appCore,
		Auth:               tokenVerifier,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxUploadBytes:     cfg.MaxUploadBytes,
	}
	if cfg.UploadRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "unetwork:ratelimit:upload", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
		defer limiter.Close()
		srvCfg.UploadLimiter = limiter
	}
	if cfg.ReportRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "unetwork:ratelimit:report", cfg.ReportRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init report rate limiter: %v", err)
		}
		defer limiter.Close()
		srvCfg.ReportLimiter = limiter
	}

	httpServer, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("material server listening", "addr", addr, "storage", cfg.StorageBackend, "classifier", cfg.ClassifierProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if strings.EqualFold(cfg.StorageBackend, config.StorageFile) {
		return storage.NewFileStore(cfg.StoragePath)
	}
	return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
}

func newClassifier(cfg config.FileConfig) (ai.DocumentClassifier, error) {
	if strings.EqualFold(cfg.ClassifierProvider, config.ClassifierOpenAICompat) {
		return ai.NewOpenAICompatClassifier(cfg.OpenAICompatBaseURL, cfg.OpenAICompatAPIKey, cfg.OpenAICompatModel), nil
	}
	client, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
	if err != nil {
		return nil, err
	}
	return ai.NewGeminiClassifier(client, cfg.GeminiModel), nil
}
