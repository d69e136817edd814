package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregate/internal/app"
)

// serveCmd runs the gateway: HTTP and WebSocket endpoints, the relay and any workers.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Start the HTTP/WebSocket gateway, join the broker when the relay is enabled and supervise worker processes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, logger, err := loadConfig(os.Stdout)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		application, err := app.New(ctx, cfg, logger, app.WithWorkerCommand(exe, workerArgs(path)...))
		if err != nil {
			return err
		}

		logger.Info().Str("addr", cfg.Addr).Str("config", path).Bool("relay", cfg.Relay.Enabled).Int("workers", cfg.Workers).Msg("starting wiregate")
		if err := application.Run(ctx); err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	serveCmd.Flags().DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	serveCmd.Flags().DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "Graceful shutdown timeout")
	serveCmd.Flags().StringVar(&overrides.DatabasePath, "db", "", "SQLite database path for accounts")
	serveCmd.Flags().IntVar(&overrides.Workers, "workers", 0, "Number of worker processes to supervise")
}

// workerArgs forwards the flags that shape a worker's relay to each spawned worker.
func workerArgs(configPath string) []string {
	args := []string{"worker", "--config", configPath}
	if overrides.LogLevel != "" {
		args = append(args, "--log-level", overrides.LogLevel)
	}
	if overrides.LogFormat != "" {
		args = append(args, "--log-format", overrides.LogFormat)
	}
	if overrides.Relay.Enabled {
		args = append(args, "--relay")
	}
	if overrides.Relay.NatsURL != "" {
		args = append(args, "--nats-url", overrides.Relay.NatsURL)
	}
	if overrides.Relay.Service != "" {
		args = append(args, "--service", overrides.Relay.Service)
	}
	return args
}
