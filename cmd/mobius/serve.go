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
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/AltairaLabs/mobius/internal/archive"
	"github.com/AltairaLabs/mobius/internal/bridge"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/coordinator"
	"github.com/AltairaLabs/mobius/internal/observability"
)

// grpcStopTimeout bounds GracefulStop; worker streams never end on their own
const grpcStopTimeout = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sessions over HTTP, in-process or on worker processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return serve(cfg, logger)
	},
}

func serve(cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting mobius host",
		"version", version,
		"debug", debug,
		"addr", cfg.Server.Addr,
		"program", cfg.Server.Program,
		"workers", cfg.Workers.Count,
		"archive", cfg.Archive.Backend,
	)
	observability.RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broadcast.NewBus(logger)
	audit := coordinator.NewAuditLogger(logger)

	var (
		orch      coordinator.Orchestrator
		registry  *coordinator.WorkerRegistry
		launcher  *coordinator.ExecLauncher
		grpcSrv   *grpc.Server
		deliver   = bus.Deliver
		relayInto func(broadcast.Relay)
	)

	if cfg.Workers.Count == 0 {
		opts, closeFetcher, err := sessionOptions(cfg, logger)
		if err != nil {
			return err
		}
		defer closeFetcher()

		store, err := archive.Open(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer store.Close()

		opts.Bus = bus
		opts.Archive = store
		orch = coordinator.NewInProcessOrchestrator(opts)
		relayInto = bus.SetRelay
	} else {
		registry = coordinator.NewWorkerRegistry(logger)
		workers := coordinator.NewWorkerOrchestrator(registry, bus, logger)
		orch = workers
		deliver = workers.Deliver
		relayInto = func(external broadcast.Relay) {
			workers.SetExternalRelay(external)
			bus.SetRelay(broadcast.Fanout{workers, external})
		}
		bus.SetRelay(workers)

		grpcSrv = grpc.NewServer()
		bridge.RegisterBridgeServer(grpcSrv, workers)
		lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Workers.BridgeAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Workers.BridgeAddr, err)
		}
		go func() {
			logger.Info("Starting bridge server for workers", "address", cfg.Workers.BridgeAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("Bridge server error", "error", err)
				cancel()
			}
		}()

		launcher = &coordinator.ExecLauncher{Args: workerArgs(), Registry: registry, Logger: logger}
		for i := 0; i < cfg.Workers.Count; i++ {
			if err := launcher.Launch(ctx, i); err != nil {
				return err
			}
		}
		waitCtx, stop := context.WithTimeout(ctx, cfg.Workers.StartTimeout.Duration)
		err = registry.WaitForWorkers(waitCtx, cfg.Workers.Count)
		stop()
		if err != nil {
			return fmt.Errorf("workers did not attach: %w", err)
		}
		logger.Info("All workers attached", "count", cfg.Workers.Count)
	}

	if cfg.Broadcast.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Broadcast.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid broadcast redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		relay := broadcast.NewRedisRelay(rdb, cfg.Broadcast.Channel, deliver, logger)
		relayInto(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("Broadcast relay stopped", "error", err)
			}
		}()
	}

	sessions := coordinator.NewSessionManager(orch, audit, logger)
	sessions.SetAllowMultipleClients(cfg.Session.AllowMultipleClients)

	handler := coordinator.NewHandler(sessions, audit, coordinator.HandlerConfig{
		Hostname:        cfg.Server.Hostname,
		ClientScriptURL: cfg.Server.ClientScriptURL,
		LongPollTimeout: cfg.Session.LongPollTimeout.Duration,
	}, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	var adminSrv interface{ Shutdown(context.Context) error }
	if cfg.Server.AdminAddr != "" {
		admin := coordinator.NewAdminServer(coordinator.AdminConfig{Name: "mobius-admin", Version: version},
			sessions, registry, bus, audit)
		sse := admin.NewSSEServer(cfg.Server.AdminAddr, logger)
		adminSrv = sse
		go func() {
			if err := sse.Start(cfg.Server.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin server error", "error", err)
			}
		}()
	}

	// Start session reaping goroutine
	go func() {
		ticker := time.NewTicker(cfg.Session.ReapInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := sessions.CleanupStale(ctx, cfg.Session.IdleTimeout.Duration); removed > 0 {
					logger.Info("Reaped idle sessions", "count", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, stop := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer stop()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown", "error", err)
		}
	}
	for _, hs := range sessions.ListSessions() {
		if hs.Ended() {
			continue
		}
		if err := hs.Destroy(shutdownCtx); err != nil {
			logger.Warn("Failed to destroy session", "session_id", hs.ID(), "error", err)
		}
	}

	cancel()
	if grpcSrv != nil {
		stopGRPC(grpcSrv, logger)
		launcher.Wait()
	}

	logger.Info("Host shutdown complete")
	return nil
}

// stopGRPC stops the bridge server, forcing it once grpcStopTimeout passes
func stopGRPC(srv *grpc.Server, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Bridge server stopped gracefully")
	case <-time.After(grpcStopTimeout):
		logger.Warn("Graceful shutdown timeout, forcing stop")
		srv.Stop()
		<-done
	}
}
