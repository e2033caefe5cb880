package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wabridge/pkg/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the session gateway",
	Long:  "Connects the chat session, publishes received messages, consumes send requests and serves health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		log, err := setupLogger(cfg, "cmd.gateway")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		comps, err := gateway.BuildComponents(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to connect backends", "error", err)
			return err
		}
		defer func() {
			if err := comps.Close(); err != nil {
				log.Warn("Failed to close backends", "error", err)
			}
		}()

		svc, err := gateway.NewService(cfg, comps, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Gateway started",
			"transport", cfg.Session.Transport,
			"received_queue", cfg.RabbitMQ.ReceivedQueue,
			"send_queue", cfg.RabbitMQ.SendQueue,
			"address", cfg.Gateway.Addr(),
		)
		if err := svc.Run(runCtx); err != nil {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
