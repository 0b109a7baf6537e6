package cmd

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
	"github.com/cobot-ai/sandbox-gateway/internal/cli/output"
)

var bootUserID string

func newBootCmd(client api.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot <tenant-id> <bot-token>",
		Short: "Register a tenant and bring its gateway up",
		Long: `Register (or update) a tenant with the given Telegram bot token and
boot its sandbox gateway. The command blocks until the gateway is
reachable, which can take a couple of minutes on a cold start.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			botToken := args[1]

			styler := output.NewStyler(noColor)
			styler.PrintInfo(fmt.Sprintf("Booting tenant '%s'...", tenantID))

			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Minute)
			defer cancel()

			err := client.Boot(ctx, tenantID, &api.BootRequest{
				BotToken: botToken,
				UserID:   bootUserID,
			})
			if err != nil {
				styler.PrintError(fmt.Sprintf("Boot failed: %v", err))
				return err
			}

			styler.PrintSuccess(fmt.Sprintf("Tenant '%s' booted", tenantID))
			return nil
		},
	}

	cmd.Flags().StringVar(&bootUserID, "user-id", "", "Provider user ID to route webhooks by")

	return cmd
}
