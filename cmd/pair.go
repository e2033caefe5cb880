package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wabridge/pkg/bus"
	"wabridge/pkg/connection"
	"wabridge/pkg/gateway"
	"wabridge/pkg/ui/pair"
)

var resetCredentials bool

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link the session interactively",
	Long:  "Connects the chat session and shows each pairing code as a QR code until the phone links it and the credentials are saved.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := setupLogger(cfg, "cmd.pair")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialer, err := gateway.NewDialer(cfg.Session, log)
		if err != nil {
			return err
		}

		store, closeStore, err := gateway.NewCredentialStore(ctx, cfg.Credentials)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()

		if resetCredentials {
			if err := store.Delete(ctx); err != nil {
				return fmt.Errorf("reset credentials: %w", err)
			}
			log.Info("Stored credentials removed")
		}

		events := bus.New()
		manager, err := connection.NewManager(connection.Options{
			Dialer:           dialer,
			Credentials:      store,
			Retry:            gateway.RetryPolicy(cfg.Session.Retry),
			HandshakeTimeout: cfg.Session.HandshakeTimeout(),
			Events:           events,
			Logger:           log,
		})
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		updates, unsubscribe := events.SubscribeEvents(runCtx, 16)
		defer unsubscribe()

		managerDone := make(chan error, 1)
		go func() { managerDone <- manager.Run(runCtx) }()

		pairErr := pair.Run(runCtx, updates, pair.Info{
			Transport:   cfg.Session.Transport,
			Credentials: cfg.Credentials.Backend,
		})

		cancel()
		<-managerDone
		events.Close()

		if pairErr != nil {
			return pairErr
		}
		fmt.Println("Session paired. Start the gateway with: wabridge gateway")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.Flags().BoolVar(&resetCredentials, "reset", false, "remove stored credentials before pairing")
}
