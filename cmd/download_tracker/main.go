package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/download_tracker/internal/cleanup"
	"github.com/italolelis/download_tracker/internal/config"
	"github.com/italolelis/download_tracker/internal/downloader"
	"github.com/italolelis/download_tracker/internal/fetch"
	"github.com/italolelis/download_tracker/internal/http/rest"
	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/notifier"
	"github.com/italolelis/download_tracker/internal/storage/sqlite"
	"github.com/italolelis/download_tracker/internal/telemetry"
	"github.com/italolelis/download_tracker/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("download tracker starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		InstanceID:     telemetry.GenerateInstanceID(),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTaskRepository(database, tel)

	// =========================================================================
	// Start Coordinator
	resolver := location.NewResolver(cfg.Environment())

	client := fetch.NewClient(fetch.Options{
		Token:            cfg.Fetch.Token,
		UserAgent:        cfg.Fetch.UserAgent,
		ProgressBytes:    cfg.Fetch.ProgressBytes,
		ProgressInterval: cfg.Fetch.ProgressInterval,
	})

	coordinator := downloader.NewCoordinator(
		resolver,
		transfer.NewInstrumentedTransport(client, tel, "http"),
		downloader.WithRepository(repo),
		downloader.WithRemapper(location.NewRemapper(resolver, location.DefaultMarkers...)),
		downloader.WithTelemetry(tel),
		downloader.WithLogger(logger),
		downloader.WithEventBuffer(cfg.EventBuffer),
		downloader.WithKeepCompleted(cfg.KeepCompleted),
		downloader.WithAutoResume(cfg.AutoResume),
	)

	restored, err := coordinator.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore downloads: %w", err)
	}

	logger.Info("restored downloads", "count", restored)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		setupNotification(ctx, coordinator, cfg)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		setupCleanup(gctx, coordinator, resolver, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, coordinator, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown coordinator", "err", err)
		}

		if err := client.Wait(shutdownCtx); err != nil {
			logger.Warn("transfers still running at exit", "err", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

func setupNotification(ctx context.Context, coordinator *downloader.Coordinator, cfg *config.Config) {
	var notif notifier.Notifier
	if n := notifier.NewDiscordNotifier(cfg.DiscordWebhookURL); n != nil {
		notif = n
	}

	// Notifications keep going while the coordinator drains on shutdown.
	notifier.Forward(context.WithoutCancel(ctx), notif, coordinator.OnDownloadCompleted, coordinator.OnDownloadFailed)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, coordinator *downloader.Coordinator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(coordinator, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Mount("/downloads", dHandler.Routes())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if tel != nil {
		r.Handle("/metrics", tel.Handler())
	}

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, coordinator *downloader.Coordinator, resolver *location.Resolver, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			tempRoot, err := resolver.RootPath(location.RootTemporary)
			if err != nil {
				logger.Error("failed to resolve temporary root", "err", err)

				continue
			}

			dir := filepath.Join(tempRoot, downloader.PartialDir)

			removed, err := cleanup.DeleteOrphanedPartials(ctx, dir, downloader.PartialSuffix, coordinator.Owns, cfg.KeepPartialsFor)
			if err != nil {
				logger.Error("failed to delete orphaned partials", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("cleanup finished", "removed", removed)
			}
		}
	}
}
