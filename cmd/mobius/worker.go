package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/mobius/internal/archive"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/retry"
	"github.com/AltairaLabs/mobius/internal/worker"
)

var (
	workerIndex       int
	workerMaxSessions int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Host sessions for a mobius host (started by serve)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return runWorker(cfg, logger.With("worker_index", workerIndex))
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerIndex, "index", 0, "Worker index assigned by the host")
	workerCmd.Flags().IntVar(&workerMaxSessions, "max-sessions", 0, "Maximum concurrent sessions (0 = unlimited)")
}

func runWorker(cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting mobius worker", "version", version, "host", cfg.Workers.BridgeAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, closeFetcher, err := sessionOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFetcher()

	store, err := archive.Open(ctx, workerArchiveConfig(cfg.Archive, workerIndex))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer store.Close()

	bus := broadcast.NewBus(logger)
	opts.Bus = bus
	opts.Archive = store
	pool := worker.NewSessionPool(opts, workerMaxSessions, logger)

	client := worker.NewRegistrationClient(&worker.RegistrationConfig{
		Index:      workerIndex,
		HostAddr:   cfg.Workers.BridgeAddr,
		Pool:       pool,
		Bus:        bus,
		DialPolicy: retry.BridgeDialPolicy(),
		Logger:     logger,
	})
	if err := client.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-client.Done():
		if err := client.Err(); err != nil {
			logger.Warn("Host stream ended", "error", err)
		} else {
			logger.Info("Host closed the stream")
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer stop()
	pool.DestroyAll(shutdownCtx)
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop registration client", "error", err)
	}
	logger.Info("Worker shutdown complete")
	return nil
}
