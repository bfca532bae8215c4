package main

import (
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"statguard/internal/backend"
	"statguard/internal/cli"
	"statguard/internal/log"
	"statguard/internal/services"
	"statguard/internal/worker"
)

const healthInterval = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)

	if !cfg.UsesAMQP() {
		logger.Error("statguard-worker needs AMQP_URL; the in-process bus has no remote publishers")
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("Starting statguard-worker",
		"backend", backendCfg.Type,
		"exchange", cfg.AMQPExchange,
		"queue", cfg.AMQPQueue)

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	factory := backend.NewFactory(logger)
	store := cli.InitStore(ctx, logger, factory, backendCfg)
	defer cli.RunCleanup(logger, "store", store.Cleanup)
	transport := cli.InitTransport(ctx, logger, factory, backendCfg)
	defer cli.RunCleanup(logger, "transport", transport.Cleanup)

	service := services.NewDerivationService(store.Store)
	transitions := worker.NewTransitionWorker(transport.Subscriber, service.OnTransition)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := transitions.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return transitions.Stop()
	})
	g.Go(func() error {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := transport.Ping(gctx); err != nil {
					// A closed connection delivers nothing more; let the
					// supervisor restart the process.
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", log.FieldError, err)
		cli.RunCleanup(logger, "transport", transport.Cleanup)
		cli.RunCleanup(logger, "store", store.Cleanup)
		os.Exit(1)
	}
	logger.Info("statguard-worker stopped gracefully")
}
