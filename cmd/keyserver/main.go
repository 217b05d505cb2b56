package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"novakeys/internal/config"
	"novakeys/internal/jobs"
	"novakeys/internal/observability/logging"
	"novakeys/internal/observability/metrics"
	"novakeys/internal/pickle"
	"novakeys/internal/service"
	"novakeys/internal/store"
	httptransport "novakeys/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keyserver",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	logger.Info("starting service")

	metrics.MustRegister()

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(gdb)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	codec, err := pickle.NewCodec(cfg.PickleKey)
	if err != nil {
		logger.Error("pickle codec", "error", err)
		os.Exit(1)
	}

	svc := service.New(st, codec, service.Config{
		RotationThreshold:   cfg.RotationThreshold,
		MaxSessionAge:       cfg.MaxSessionAge,
		ClaimedKeyRetention: cfg.ClaimedKeyRetention,
		ToDeviceRetention:   cfg.ToDeviceRetention,
		LowStockThreshold:   cfg.LowStockThreshold,
	}, logger)

	auth := httptransport.NewAuthenticator(cfg.AuthSecret, cfg.AuthIssuer)
	router := httptransport.NewRouter(svc, auth)

	runner := jobs.NewRunner(svc, cfg.JobInterval, logger)
	go runner.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("keyserver listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("keyserver stopped")
}
