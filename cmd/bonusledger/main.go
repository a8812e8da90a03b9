// Package main запускает HTTP-сервер бонусного реестра.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bonus-ledger/internal/config"
	"github.com/mmeshcher/bonus-ledger/internal/handler"
	"github.com/mmeshcher/bonus-ledger/internal/middleware"
	"github.com/mmeshcher/bonus-ledger/internal/notify"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
	"github.com/mmeshcher/bonus-ledger/internal/repository/memory"
	"github.com/mmeshcher/bonus-ledger/internal/service"
	"github.com/mmeshcher/bonus-ledger/internal/settings"
)

type store interface {
	service.Repository
	settings.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env file", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		repo = memory.New()
	}

	var rdb *redis.Client
	var cache settings.Cache
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cache = settings.NewRedisCache(rdb)
	}

	var sender notify.Sender
	switch {
	case cfg.NotifyWebhookURL != "":
		sender = notify.NewWebhookClient(cfg.NotifyWebhookURL)
	case rdb != nil:
		sender = notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
	default:
		sender = notify.LogSender{Logger: logger}
	}
	dispatcher := notify.NewDispatcher(sender, logger)

	provider := settings.NewProvider(repo, cache, cfg.SettingsCacheTTL, logger)
	svc := service.NewService(repo, provider, dispatcher, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, issued tokens will not survive a restart")
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS)
	h := handler.NewHandler(svc, logger, authMiddleware, limiter)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая сверка балансов и проверка резерва
	g.Go(func() error {
		return svc.StartAudit(ctx, cfg.AuditSchedule)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting bonus ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		dispatcher.Wait()
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
