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

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/api"
	"github.com/multisession-gateway/backend/internal/client"
	"github.com/multisession-gateway/backend/internal/config"
	"github.com/multisession-gateway/backend/internal/db"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/metrics"
	"github.com/multisession-gateway/backend/internal/repository"
	"github.com/multisession-gateway/backend/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the YAML config file")
	port := flags.IntP("port", "p", 0, "listen port (overrides config)")
	dbPath := flags.String("db", "", "SQLite database path (overrides config)")
	dataDir := flags.String("data-dir", "", "session credential directory (overrides config)")
	driver := flags.String("driver", "", "client driver: bridge or mock (overrides config)")
	logLevel := flags.String("log-level", "", "log level (overrides config)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Flags win over the file and the environment.
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("db") {
		cfg.Storage.DBPath = *dbPath
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = *dataDir
	}
	if flags.Changed("driver") {
		cfg.Client.Driver = *driver
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	// Initialize database
	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	statusRepo := repository.NewStatusRepository(database)
	logRepo := repository.NewLogRepository(database)

	var sinks []io.Writer
	if cfg.Log.PersistLevel != "" {
		level, err := zerolog.ParseLevel(cfg.Log.PersistLevel)
		if err != nil {
			return fmt.Errorf("invalid log.persist_level %q: %w", cfg.Log.PersistLevel, err)
		}
		storeWriter := logger.NewStoreWriter(logRepo, level, 1024)
		defer storeWriter.Close()
		sinks = append(sinks, storeWriter)
	}
	var eventWriter *logger.EventWriter
	if cfg.Log.StreamLevel != "" {
		level, err := zerolog.ParseLevel(cfg.Log.StreamLevel)
		if err != nil {
			return fmt.Errorf("invalid log.stream_level %q: %w", cfg.Log.StreamLevel, err)
		}
		eventWriter = logger.NewEventWriter(level, 256)
		defer eventWriter.Close()
		sinks = append(sinks, eventWriter)
	}
	log := logger.New(cfg.Log, os.Stderr, sinks...)

	collector := metrics.New(metrics.DefaultNamespace)
	eventHub := hub.New(cfg.Hub.SubscriberBuffer, log, collector)
	if eventWriter != nil {
		eventWriter.Start(eventHub)
	}
	coordinator := session.NewCoordinator(statusRepo, eventHub, collector, cfg.Session.PersistTimeout, log)

	factory, err := client.NewFactory(cfg.Client)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(factory, coordinator, collector, session.Options{
		DataDir:         cfg.Storage.DataDir,
		MaxSessions:     cfg.Session.MaxSessions,
		StartTimeout:    cfg.Session.StartTimeout,
		StopTimeout:     cfg.Session.StopTimeout,
		MaxSendFailures: cfg.Session.MaxSendFailures,
	}, log)
	collector.SetSessionSource(registry.List)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := registry.Reconcile(ctx, statusRepo); err != nil {
		return fmt.Errorf("failed to reconcile sessions: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Dependencies{
		Registry:    registry,
		Coordinator: coordinator,
		Hub:         eventHub,
		StatusRepo:  statusRepo,
		LogRepo:     logRepo,
		Metrics:     collector.Handler(),
		KeepAlive:   cfg.Hub.KeepAliveInterval,
		StaticDir:   cfg.Server.StaticDir,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("driver", cfg.Client.Driver).
			Int("sessions", registry.Count()).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := registry.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Not every session stopped before the deadline")
	}
	// Ends the open event streams so Shutdown does not wait on them.
	eventHub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	return nil
}
