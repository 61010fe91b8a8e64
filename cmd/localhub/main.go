package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/localhub/localhub/internal/app"
	"github.com/localhub/localhub/internal/auth"
	"github.com/localhub/localhub/internal/notify"
	"github.com/localhub/localhub/internal/observability"
	"github.com/localhub/localhub/internal/platform/cache"
	"github.com/localhub/localhub/internal/platform/db"
	"github.com/localhub/localhub/internal/rbac"
	"github.com/localhub/localhub/internal/token"
	"github.com/localhub/localhub/internal/view"
	"github.com/localhub/localhub/jobs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("localhub exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	codec, err := token.New(token.Config{
		Secret:     []byte(cfg.JWTSecret),
		DefaultTTL: cfg.JWTExpiresIn,
		Issuer:     cfg.JWTIssuer,
	})
	if err != nil {
		return err
	}

	templates, err := view.NewEngine()
	if err != nil {
		return err
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	notifier, err := notify.NewQueueNotifier(templates, jobClient)
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	// Dispatches still running at shutdown are allowed to finish.
	var inflight sync.WaitGroup
	background := func(fn func()) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			fn()
		}()
	}

	service := auth.NewService(auth.NewRepository(pool, auth.BcryptHasher{}), codec, notifier, auth.ServiceConfig{
		VerificationTTL: cfg.VerifyTokenTTL,
		ResetTTL:        cfg.ResetTokenTTL,
		ClientURL:       cfg.AppClientURL,
		Background:      background,
		Logger:          logger,
		Metrics:         metrics,
		Throttle:        cache.NewLimiter(redisClient, "localhub:throttle:", cfg.ForgotLimit, time.Hour),
	})
	gates := rbac.Middleware{Verifier: codec, Logger: logger}
	authHandler := auth.NewHandler(logger, service, gates, auth.HandlerOptions{
		RateLimit:   app.CredentialRateLimit(cfg.AuthRateLimit),
		DebugErrors: cfg.AppDebugErrors,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthHandler: authHandler,
		JobHandler:  jobs.NewHandler(inspector, logger),
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		inflight.Wait()
		return nil
	})
	return g.Wait()
}
