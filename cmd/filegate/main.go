// Command filegate runs the multi-backend file gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/filegate/filegate/internal/api"
	"github.com/filegate/filegate/internal/config"
	"github.com/filegate/filegate/internal/driver"
	"github.com/filegate/filegate/internal/driver/graph"
	"github.com/filegate/filegate/internal/driver/local"
	"github.com/filegate/filegate/internal/driver/s3"
	"github.com/filegate/filegate/internal/driver/webdav"
	"github.com/filegate/filegate/internal/fs"
	"github.com/filegate/filegate/internal/job"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/internal/schedule"
	"github.com/filegate/filegate/internal/secret"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	box, err := secret.NewBox(cfg.Security.EncryptionSecret)
	if err != nil {
		return err
	}

	store := repo.NewMemoryStore()
	collector := metrics.NewCollector()

	registry := driver.NewRegistry()
	registry.Register(local.DriverType, local.Factory)
	registry.Register(s3.DriverType, s3.Factory)
	registry.Register(webdav.DriverType, webdav.Factory)
	registry.Register(graph.DriverType, graph.Factory)
	drivers := driver.NewCache(registry, driver.Env{Secrets: box, Logger: logger})

	filesystem := fs.New(store, drivers, collector, cfg.Security.EncryptionSecret,
		cfg.Server.ProxyBaseURL, logger)

	engine := job.NewEngine(store.Jobs, collector, logger)
	engine.Register(job.NewCopyHandler(filesystem))

	taskRegistry := schedule.NewRegistry()
	if err := taskRegistry.Register(&schedule.CleanupUploadSessions{}); err != nil {
		return err
	}
	if err := taskRegistry.Register(&schedule.ScheduledSyncCopy{}); err != nil {
		return err
	}
	dispatcher := schedule.NewDispatcher(store, taskRegistry, engine, collector,
		cfg.Scheduler.Tick, cfg.Scheduler.LeaseTTL, logger)

	auth := api.NewStaticAuthenticator()
	if key := os.Getenv("FILEGATE_ADMIN_KEY"); key != "" {
		auth.AddKey(key, model.Principal{ID: "admin", Name: "admin", IsAdmin: true, BasicPath: "/"})
	}

	server := api.NewServer(api.Options{
		Config:     cfg.Server,
		FileSystem: filesystem,
		Jobs:       engine,
		Dispatcher: dispatcher,
		Registry:   taskRegistry,
		Store:      store,
		Auth:       auth,
		Metrics:    collector,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.Enabled {
		go dispatcher.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.IdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	engine.Wait()
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
