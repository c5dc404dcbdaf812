package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appconfig "github.com/manthysbr/scoutOS/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scout-kernel",
	Short: "Run web extraction batches against a browser agent",
	Long: `scout-kernel turns tabular batches into extraction jobs, runs them through
an extraction backend with bounded concurrency and retries, classifies every
outcome and streams progress events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scout.yaml", "path to the YAML config file")

	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *appconfig.FileConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.SlogLevel()}))
}
