// main package for the studio-service
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/rberketuran/music-generation-backend/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	bootstrapLogFile = "studio-service-bootstrap.log"
	serviceLogFile   = "studio-service.log"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Pick up secrets from .env before the configuration reads the environment
	err = godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootstrapLog.Warn("Failed to load .env file: %v", err)
	}

	// 3. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 4. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Wire stores, workers and controllers
	svc, err := newService(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialize service: %v", err)

		return err
	}
	defer svc.close()

	finalLog.System("Studio-Service listening on %s", cfg.Server.ListenAddress)

	return serve(ctx, svc)
}

// serve runs the HTTP server, the retention sweeper and the optional NATS intake
// until ctx is done, then drains the server and worker pool within the configured
// shutdown window.
func serve(ctx context.Context, svc *service) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := svc.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server: %w", err)
	})

	group.Go(func() error {
		return svc.sweeper.Run(groupCtx)
	})

	if svc.intake != nil {
		group.Go(func() error {
			return svc.intake.Run(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		svc.log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.cfg.Server.ShutdownTimeout())
		defer cancel()

		serverErr := svc.server.Shutdown(shutdownCtx)
		poolErr := svc.pool.Shutdown(shutdownCtx)

		return errors.Join(serverErr, poolErr)
	})

	err := group.Wait()
	if err != nil {
		return err
	}

	svc.log.System("Studio-Service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
