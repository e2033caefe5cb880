package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wabridge/pkg/gateway"
	"wabridge/pkg/outbound"
)

const sendTimeout = 15 * time.Second

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Queue a text message for the running gateway",
	Long:  "Publishes a send request on the send queue. The running gateway delivers it through the session.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSendRequest(args)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := setupLogger(cfg, "cmd.send")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		broker, err := gateway.NewBroker(ctx, cfg.RabbitMQ, cfg.RabbitMQ.SendQueue, log)
		if err != nil {
			return err
		}
		defer func() { _ = broker.Close() }()

		if err := broker.Publish(ctx, outbound.PatternSendMessage, req); err != nil {
			return fmt.Errorf("publish send request: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Queued message to %s on %s\n", req.To, cfg.RabbitMQ.SendQueue)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

// buildSendRequest joins args after the chat id into the message text.
func buildSendRequest(args []string) (outbound.Request, error) {
	if len(args) < 2 {
		return outbound.Request{}, errors.New("chat id and text are required")
	}

	req := outbound.Request{
		To:      strings.TrimSpace(args[0]),
		Content: strings.TrimSpace(strings.Join(args[1:], " ")),
	}
	if err := req.Validate(outbound.PatternSendMessage); err != nil {
		return outbound.Request{}, err
	}
	return req, nil
}
