// Package cli provides common start-up helpers shared by cmd/statguard,
// cmd/statguard-worker and cmd/recompute.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"statguard/internal/backend"
	"statguard/internal/config"
	"statguard/internal/log"
)

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	logCfg := log.DefaultConfig()
	logCfg.Component = component
	if cfg != nil {
		logCfg.Level = log.ParseLevel(cfg.LogLevel)
		logCfg.Format = cfg.LogFormat
	}
	logger := log.New(logCfg)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig() *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		// The configured logger depends on cfg; fall back to defaults.
		log.New(log.DefaultConfig()).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitStore creates the configured snapshot store or exits the process.
func InitStore(ctx context.Context, logger *log.Logger, factory backend.Factory, cfg backend.Config) *backend.StoreResult {
	res, err := factory.CreateStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize snapshot store", log.FieldError, err, "backend", cfg.Type)
		os.Exit(1)
	}
	return res
}

// InitTransport creates the configured transition transport or exits the
// process.
func InitTransport(ctx context.Context, logger *log.Logger, factory backend.Factory, cfg backend.Config) *backend.TransportResult {
	res, err := factory.CreateTransport(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize transition transport", log.FieldError, err)
		os.Exit(1)
	}
	return res
}

// RunCleanup runs fn and logs a failure under name.
func RunCleanup(logger *log.Logger, name string, fn backend.CleanupFunc) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("Cleanup failed", "resource", name, log.FieldError, err)
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// ShutdownContext bounds the time teardown may take.
func ShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
