// Command shadesd serves Crestron shade state and control over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"crestron-shades-backend/config"
	"crestron-shades-backend/internal/api"
	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/db"
	"crestron-shades-backend/internal/hub"
	"crestron-shades-backend/internal/logging"
	"crestron-shades-backend/internal/notification"
	"crestron-shades-backend/internal/store"
)

const shutdownTimeout = 5 * time.Second

// App holds the CLI application state.
type App struct {
	cfgFile string
	rootCmd *cobra.Command
}

// NewApp creates the CLI with its subcommands.
func NewApp() *App {
	a := &App{}
	a.rootCmd = &cobra.Command{
		Use:           "shadesd",
		Short:         "Crestron shades backend",
		Long:          "shadesd polls Crestron hubs for shade state and exposes it, with shade control, over an HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runServe,
	}
	a.rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "",
		"config file (default: $CONFIG_PATH or ./config/config.yaml)")

	a.rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start polling hubs and serve the HTTP API",
			RunE:  a.runServe,
		},
		&cobra.Command{
			Use:   "config",
			Short: "Display the effective configuration with secrets masked",
			RunE:  a.runConfig,
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write an example config.yaml and .env to the current directory",
			RunE:  a.runInit,
		},
	)
	return a
}

// Execute runs the root command.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

func (a *App) configPath() string {
	if a.cfgFile != "" {
		return a.cfgFile
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config/config.yaml"
}

func (a *App) loadConfig() (*config.Config, error) {
	path := a.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", a.configPath(), out)
	return err
}

func (a *App) runInit(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	files := []struct {
		name    string
		content []byte
	}{
		{"config.yaml", config.Example},
		{".env", []byte(config.EnvExample)},
	}
	for _, f := range files {
		if _, err := os.Stat(f.name); err == nil {
			fmt.Fprintf(w, "Skipping %s (already exists)\n", f.name)
			continue
		}
		if err := os.WriteFile(f.name, f.content, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
		fmt.Fprintf(w, "Created %s\n", f.name)
	}
	return nil
}

func (a *App) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded", "path", a.configPath(), "hubs", len(cfg.Hubs))

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var webpushOptions *webpush.Options
	var notifier coordinator.Notifier
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, logger)
		pool.Start(ctx)
		notifier = pool
	} else {
		logger.Warn("VAPID keys not configured, push notifications disabled")
	}

	registry, err := hub.FromConfig(cfg, notifier, logger)
	if err != nil {
		return err
	}
	registry.Setup(ctx)

	router := api.NewRouter(registry, appStore, webpushOptions, api.Options{
		RateLimit:      rate.Limit(cfg.Server.RateLimitPerSec),
		RateBurst:      cfg.Server.RateLimitBurst,
		CacheTTL:       cfg.Server.CacheTTL,
		ClientIPHeader: cfg.Server.RequestIPHeader,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pollDone := make(chan error, 1)
	go func() { pollDone <- registry.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping services")
	case err := <-serveErr:
		if err != nil {
			stop()
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := <-pollDone; err != nil {
		logger.Error("Coordinator stopped with error", "error", err)
	}

	logger.Info("Server gracefully stopped")
	return nil
}

func main() {
	if err := NewApp().Execute(); err != nil {
		slog.Error("shadesd failed", "error", err)
		os.Exit(1)
	}
}
