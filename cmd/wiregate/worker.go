package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregate/internal/app"
)

// workerCmd consumes routed events for one service. Stdout is the IPC channel to the
// parent, so logs go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a headless upstream worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}

		// The parent stops workers by closing stdin; signals only cancel.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := app.NewWorker(cfg, logger)
		if err != nil {
			return err
		}
		return w.Run(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
