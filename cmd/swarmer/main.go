package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/config"
)

var version = "dev"

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "swarmer",
		Short: "Swarmer - map-reduce batch jobs over a pool of workers",
		Long: `Swarmer splits a list of items into batches, fans them out to workers
with bounded concurrency and retries, and reduces the batch results into
one output.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $SWARMER_CONFIG or config/swarmer.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("swarmer %s\n", version)
		},
	})
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.Path()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configFile())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
