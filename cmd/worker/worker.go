package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mnabil10/fasket-sub001/internal/app"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(deliveryCmd)
	cmd.AddCommand(watcherCmd)
	cmd.AddCommand(ingestCmd)
	return cmd
}

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Deliver outbox events to the automation webhook (with the overdue sweeper)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "delivery", func(a *app.App) []app.Loop { return a.DeliveryLoops() })
	},
}

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "Alert on orders stuck in one status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "watcher", func(a *app.App) []app.Loop { return []app.Loop{a.WatcherLoop()} })
	},
}

// run loads config, opens the app and runs loops until SIGINT/SIGTERM.
func run(cmd *cobra.Command, name string, loops func(*app.App) []app.Loop) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, logger.Log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Named(name).Info("worker started")
	return app.Run(ctx, logger.Log, loops(a)...)
}

func load(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}
