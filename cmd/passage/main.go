package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/passage-gms/passage/internal/app"
	"github.com/passage-gms/passage/internal/credential"
	"github.com/passage-gms/passage/internal/gate"
	"github.com/passage-gms/passage/internal/notify"
	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/platform/cache"
	"github.com/passage-gms/passage/internal/platform/db"
	"github.com/passage-gms/passage/internal/shared"
	"github.com/passage-gms/passage/internal/tenant"
	"github.com/passage-gms/passage/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	queue := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool, logger)
	tenantRepo := tenant.NewRepository(pool)
	notifier := notify.NewNotifier(queue, tenantRepo, logger)
	codec := credential.NewCodec([]byte(cfg.CredentialSecret), nil)

	passRepo := pass.NewRepository(pool)
	passService := pass.NewService(passRepo, tenantRepo, codec, notifier, auditLogger, logger, nil)
	passHandler := pass.NewHandler(logger, passService)

	gateRepo := gate.NewRepository(pool)
	gateService := gate.NewService(gateRepo, passRepo, codec, notifier, auditLogger, logger, nil)
	gateHandler := gate.NewHandler(logger, gateService)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		PassHandler: passHandler,
		GateHandler: gateHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("passage listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
}
