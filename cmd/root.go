package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wabridge/pkg/config"
	"wabridge/pkg/logger"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "wabridge",
	Short:         "Bridge a chat session to RabbitMQ",
	Long:          "wabridge keeps one chat session alive, publishes every received message to RabbitMQ and delivers send requests consumed from it.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $WABRIDGE_CONFIG or ./config.{json,yaml})")
}

// loadConfig reads the --config file when given, the default locations
// otherwise.
func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}
	return config.LoadConfig()
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg *config.Config, component string) (*slog.Logger, error) {
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	return appLogger.With("component", component), nil
}
