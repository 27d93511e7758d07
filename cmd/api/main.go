package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/koder/backend/internal/config"
	"github.com/zhouzirui/koder/backend/internal/handler"
	"github.com/zhouzirui/koder/backend/internal/logging"
	"github.com/zhouzirui/koder/backend/internal/model/provider"
	"github.com/zhouzirui/koder/backend/internal/monitoring"
	"github.com/zhouzirui/koder/backend/internal/service/chat"
	"github.com/zhouzirui/koder/backend/internal/service/runner"
	"github.com/zhouzirui/koder/backend/internal/service/session"
	"github.com/zhouzirui/koder/backend/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	utils.SetLogger(logger)

	metrics := monitoring.NewMetrics()

	providerStore := provider.NewMemoryStore(provider.Seed(cfg.Provider))
	if _, ok := providerStore.FindByID(cfg.Provider.Default); !ok {
		logger.Fatal("unknown default provider", zap.String("provider", cfg.Provider.Default))
	}

	sessionStore := session.NewStore(
		session.WithObserver(metrics),
		session.WithLogger(logger.Named("session")),
	)

	executor := runner.New(runner.Options{
		Timeout:        cfg.Runner.Timeout,
		MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		KillGrace:      cfg.Runner.KillGrace,
		MaxConcurrent:  cfg.Runner.MaxConcurrent,
		Observer:       metrics,
		Logger:         logger.Named("runner"),
	})

	chatService := chat.NewService(sessionStore, providerStore, executor, chat.Options{
		DefaultProvider:       cfg.Provider.Default,
		AllowedPaths:          cfg.Provider.AllowedPaths,
		RejectUnknownSessions: cfg.Session.RejectUnknown,
		SerializeTurns:        cfg.Session.SerializeTurns,
		Logger:                logger.Named("chat"),
	})

	router := handler.NewRouter(cfg, handler.Dependencies{
		Chat:      chatService,
		Providers: providerStore,
		Metrics:   metrics,
		Logger:    logger.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sessionStore.Run(gctx, cfg.Session.SweepInterval, cfg.Session.MaxAge)
	})
	g.Go(func() error {
		return startServer(gctx, cfg.Server, router, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout,
		IdleTimeout:       serverCfg.IdleTimeout,
	}

	logger.Info("koder backend listening", zap.String("addr", addr))
	return runServer(ctx, srv, serverCfg.ShutdownTimeout)
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
