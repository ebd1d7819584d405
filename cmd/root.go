package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mnabil10/fasket-sub001/cmd/worker"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "fasket-automation",
		Short: "Fasket automation event outbox and delivery pipeline",
	}
)

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// loadConfig reads the config and initialises the global logger from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}
