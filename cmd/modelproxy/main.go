// Command modelproxy serves the quota-metered model proxy over HTTP.
//
// Configuration is read from the file named by MODELPROXY_CONFIG (YAML or
// JSON); without it the proxy serves the simple provider from an in-memory
// account store. A .env file in the working directory is loaded first when
// present.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	modelproxy "github.com/ferro-labs/model-proxy"
	"github.com/ferro-labs/model-proxy/internal/api"
	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/ratelimit"
	"github.com/ferro-labs/model-proxy/internal/version"
)

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("model proxy failed", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	if err := loadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging, os.Getenv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An admin shutdown stops the server the same way a signal does and
	// counts as finished once the drain below completes.
	stopped := make(chan struct{})
	terminate := func() error {
		stop()
		<-stopped
		return nil
	}

	svc, err := modelproxy.New(ctx, cfg, modelproxy.WithTerminator(terminate))
	if err != nil {
		return fmt.Errorf("build proxy: %w", err)
	}
	defer func() { _ = svc.Close() }()

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	h := &api.Handlers{Service: svc, CORSOrigins: corsOrigins}
	if rl := cfg.Server.RateLimit; rl != nil {
		h.RateLimit = ratelimit.NewStore(rl.RequestsPerSecond, rl.Burst)
	}
	srv := newServer(cfg.Server, h.Router())

	serveErr := make(chan error, 1)
	go func() {
		logging.Logger.Info("model proxy listening", "addr", srv.Addr, "version", version.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	lc := svc.Lifecycle()
	lc.Shutdown("signal received")
	logging.Logger.Info("shutting down gracefully", "reason", lc.Reason())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	close(stopped)
	lc.MarkTerminated()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logging.Logger.Info("server stopped")
	return nil
}

// loadDotEnv loads path into the environment. A missing file is not an
// error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig reads MODELPROXY_CONFIG, or returns the default configuration.
// PORT overrides the listen address.
func loadConfig(getenv func(string) string) (modelproxy.Config, error) {
	cfg := modelproxy.DefaultConfig()
	if path := getenv("MODELPROXY_CONFIG"); path != "" {
		loaded, err := modelproxy.LoadConfig(path)
		if err != nil {
			return modelproxy.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}
	if port := getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if key := getenv("MODELPROXY_ROOT_API_KEY"); key != "" {
		cfg.Accounts.RootAPIKey = key
	}
	if err := modelproxy.ValidateConfig(cfg); err != nil {
		return modelproxy.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging applies the logging section; LOG_LEVEL and LOG_FORMAT win.
func setupLogging(lc modelproxy.LoggingConfig, getenv func(string) string) {
	level, format := lc.Level, lc.Format
	if v := getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		format = v
	}
	logging.Setup(level, format)
}

func newServer(sc modelproxy.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         sc.Addr,
		Handler:      handler,
		ReadTimeout:  sc.ReadTimeoutDuration(),
		WriteTimeout: sc.WriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}
}
