package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sharenest/internal/logger"
	"sharenest/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sharenest",
		Short:         "PIN-protected file sharing backed by object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(getenvDefault("SHARENEST_ENV_FILE", ".env"))
		},
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newCleanupCmd(),
		newObjectsCmd(),
		newUseraddCmd(),
		newHashPasswordCmd(),
	)
	return root
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// getenvDefault returns the value of key, or def when it is unset or empty.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func newLogger() (*zap.Logger, error) {
	log, err := logger.New(logger.FromEnv())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log.With(zap.String("service", "sharenest")), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the scheduled cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := openBackends(ctx, log, true)
			if err != nil {
				log.Error("startup_failed", zap.Error(err))
				return err
			}
			defer app.Close()

			srv := app.server()
			if app.cfg.CleanupEnabled {
				task := func(ctx context.Context) {
					if _, err := srv.RunCleanup(ctx); err != nil {
						log.Error("cleanup_failed", zap.Error(err))
					}
				}
				stopCleanup, err := server.StartCleanupScheduler(ctx, app.cfg.CleanupSchedule, log, task)
				if err != nil {
					return err
				}
				// Runs before app.Close so a cleanup in flight finishes first.
				defer stopCleanup()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("starting", zap.String("addr", app.cfg.Addr), zap.String("driver", app.cfg.Storage.Driver))
				errCh <- srv.Start()
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting_down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error("shutdown_error", zap.Error(err))
					return err
				}
				log.Info("shutdown_complete")
				return nil
			case err := <-errCh:
				if err != nil {
					log.Error("server_error", zap.Error(err))
				}
				return err
			}
		},
	}
}
