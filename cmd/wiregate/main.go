package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregate/internal/config"
	applog "github.com/vovakirdan/wiregate/internal/log"
)

var (
	configFile string
	overrides  config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "wiregate",
	Short: "Real-time WebSocket gateway",
	Long: `wiregate accepts WebSocket connections, routes client events to handlers and
delivers events to clients across every gateway process sharing a NATS broker.

Configuration is read from a YAML file, WIREGATE_* environment variables and flags,
in increasing order of precedence.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&overrides.LogFormat, "log-format", "", "Log format: console or json")
	rootCmd.PersistentFlags().BoolVar(&overrides.Relay.Enabled, "relay", false, "Enable the NATS broker relay")
	rootCmd.PersistentFlags().StringVar(&overrides.Relay.NatsURL, "nats-url", "", "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&overrides.Relay.Service, "service", "", "Upstream service this process consumes")
}

// loadConfig resolves configuration and builds the process logger on logOut.
func loadConfig(logOut *os.File) (config.Config, string, *zerolog.Logger, error) {
	bootstrap := applog.New("info", "console", os.Stderr)
	cfg, path, err := config.Load(bootstrap, configFile)
	if err != nil {
		return cfg, path, bootstrap, err
	}
	cfg.UpdateFrom(overrides)
	if err := cfg.Validate(); err != nil {
		return cfg, path, bootstrap, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, applog.New(cfg.LogLevel, cfg.LogFormat, logOut), nil
}
