package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"statguard/internal/backend"
	"statguard/internal/cli"
	"statguard/internal/eventbus"
	apphttp "statguard/internal/http"
	"statguard/internal/log"
	"statguard/internal/services"
	"statguard/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	factory := backend.NewFactory(logger)
	store := cli.InitStore(ctx, logger, factory, backendCfg)
	defer cli.RunCleanup(logger, "store", store.Cleanup)
	transport := cli.InitTransport(ctx, logger, factory, backendCfg)
	defer cli.RunCleanup(logger, "transport", transport.Cleanup)

	service := services.NewDerivationService(store.Store)
	transitions, err := startTransitionWorker(ctx, transport, service.OnTransition)
	if err != nil {
		logger.Error("Failed to start transition worker", log.FieldError, err)
		os.Exit(1)
	}

	readyChecks := map[string]apphttp.ReadyCheck{}
	if store.Ping != nil {
		readyChecks["store"] = apphttp.ReadyCheck(store.Ping)
	}
	if transport.Ping != nil {
		readyChecks["amqp"] = apphttp.ReadyCheck(transport.Ping)
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		Deriver:            service,
		Snapshots:          store.Store,
		Publisher:          transport.Publisher,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ReadyChecks:        readyChecks,
		Logger:             logger.WithComponent(log.ComponentHTTP),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting statguard server",
			"port", cfg.Port,
			"backend", backendCfg.Type,
			"amqp", transport.Remote)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := cli.ShutdownContext(shutdownTimeout)
		defer shutdownCancel()

		if transitions != nil {
			if err := transitions.Stop(); err != nil {
				logger.Warn("Transition worker stop error", log.FieldError, err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		cli.RunCleanup(logger, "transport", transport.Cleanup)
		cli.RunCleanup(logger, "store", store.Cleanup)
		os.Exit(1)
	}

	metrics := srv.Metrics()
	logger.Info("Server stopped gracefully",
		"total_requests", metrics.TotalRequests,
		"server_errors", metrics.ServerErrors)
}

// startTransitionWorker consumes transitions in process when they travel
// over the in-memory bus. With a broker, statguard-worker is the only
// consumer and nil is returned.
func startTransitionWorker(ctx context.Context, transport *backend.TransportResult, h eventbus.Handler) (*worker.TransitionWorker, error) {
	if transport.Remote {
		return nil, nil
	}
	w := worker.NewTransitionWorker(transport.Subscriber, h)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
