// Package main implements the entry point for the Way-Share backend.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/anonymize"
	"github.com/WayShare/wayshare-go/internal/auth"
	"github.com/WayShare/wayshare-go/internal/config"
	"github.com/WayShare/wayshare-go/internal/event"
	"github.com/WayShare/wayshare-go/internal/logging"
	"github.com/WayShare/wayshare-go/internal/media"
	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/schema"
	"github.com/WayShare/wayshare-go/internal/server"
	"github.com/WayShare/wayshare-go/internal/storage"
	"github.com/WayShare/wayshare-go/internal/telemetry"
)

const (
	serviceName = "wayshare-backend"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var traceOut io.Writer
	if cfg.Env == "dev" {
		traceOut = os.Stdout
	}
	tp, err := telemetry.InitTracer(serviceName, version, traceOut)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx, tp, logger)
	}()

	// PostgreSQL when configured, otherwise in-memory for development
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
	} else {
		logger.Warn("WAYSHARE_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	m := metrics.NewMetrics()

	pub := event.NewPublisher(cfg.NATSURL, logger, m)
	defer pub.Close()

	var mediaStore media.Store
	if cfg.S3Bucket != "" {
		s3, err := media.NewS3Store(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		mediaStore = s3
	} else {
		logger.Warn("WAYSHARE_S3_BUCKET not set, attachments will be dropped")
	}

	validator, err := schema.NewValidator(m)
	if err != nil {
		return fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	hasher, err := anonymize.NewHasher(cfg.PlateSalt)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, serviceName)
	if err != nil {
		return err
	}

	handler := server.NewMux(server.Deps{
		Store:      store,
		Publisher:  pub,
		Validator:  validator,
		Anonymizer: anonymize.New(hasher),
		Accounts:   auth.NewAccounts(store, issuer, logger),
		Media:      mediaStore,
		Metrics:    m,
		Logger:     logger,
	}, server.Options{
		Env:                cfg.Env,
		MaxMediaSize:       cfg.MaxMediaSize,
		AllowedMimeTypes:   cfg.AllowedMimeTypes,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second, // uploads carry attachments
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
