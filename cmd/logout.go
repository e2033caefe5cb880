package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"wabridge/pkg/gateway"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session credentials",
	Long:  "Deletes the stored credentials so the next start pairs a fresh session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := context.Background()
		store, closeStore, err := gateway.NewCredentialStore(ctx, cfg.Credentials)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()

		if err := store.Delete(ctx); err != nil {
			return fmt.Errorf("remove credentials: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Credentials removed from %s backend\n", cfg.Credentials.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
