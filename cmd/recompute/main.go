// Command recompute runs one manual derivation pass against the configured
// snapshot store and prints the outcome as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"time"

	"statguard/internal/backend"
	"statguard/internal/cli"
	"statguard/internal/log"
	"statguard/internal/services"
)

func main() {
	full := flag.Bool("full", false, "print the corrected snapshot and patches, not only the report")
	timeout := flag.Duration("timeout", 30*time.Second, "abort the pass after this long")
	flag.Parse()

	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentDerive)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store := cli.InitStore(ctx, logger, backend.NewFactory(logger), backendCfg)

	result, err := services.NewDerivationService(store.Store).Recompute(ctx)
	cli.RunCleanup(logger, "store", store.Cleanup)
	if err != nil {
		if errors.Is(err, services.ErrNoSnapshot) {
			logger.Warn("Nothing to recompute, store is empty", "backend", backendCfg.Type)
		} else {
			logger.Error("Recompute failed", log.FieldError, err)
		}
		os.Exit(1)
	}

	var out any = result.Report
	if *full {
		out = result
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		logger.Error("Failed to write report", log.FieldError, err)
		os.Exit(1)
	}
}
