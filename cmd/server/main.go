package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/roomrelay/internal/coordinator"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/registry"
	"github.com/Tyrowin/roomrelay/internal/server"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config := server.NewConfigFromEnv()
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()[:8]
	}

	logger, err := logging.New(config.LogLevel, config.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("instance", config.InstanceID))

	if err := run(config, logger); err != nil {
		logger.Fatal("Room relay stopped", zap.Error(err))
	}
}

func run(config *server.Config, logger *zap.Logger) error {
	logger.Info("Starting room relay",
		zap.String("store", config.Store.Backend),
		zap.String("relay", config.Relay.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, config.CommandTimeout)
	defer cancel()

	roomStore, err := server.OpenStore(startCtx, config.Store, logger)
	if err != nil {
		return fmt.Errorf("open room store: %w", err)
	}
	defer closeWithLog(logger, "room store", roomStore.Close)

	bus, err := server.OpenRelay(startCtx, *config, logger)
	if err != nil {
		return fmt.Errorf("open relay: %w", err)
	}
	defer closeWithLog(logger, "relay", bus.Close)

	coord := coordinator.New(roomStore, bus, registry.New(), logger)
	if err := coord.Start(context.Background()); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	hub := server.NewHub(coord, *config, logger)
	server.StartHub(hub)

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, mux)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = hub.Shutdown(shutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	// Closing clients makes their users leave their rooms, which needs the
	// store and relay, so the hub goes before them.
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("Hub did not shut down cleanly", zap.Error(err))
	}
	return nil
}

func closeWithLog(logger *zap.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("Error closing "+name, zap.Error(err))
	}
}
