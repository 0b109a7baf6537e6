package cmd

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
	"github.com/cobot-ai/sandbox-gateway/internal/cli/output"
)

func newRestartCmd(client api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <tenant-id>",
		Short: "Force-restart a tenant's gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]

			styler := output.NewStyler(noColor)
			styler.PrintInfo(fmt.Sprintf("Restarting gateway for tenant '%s'...", tenantID))

			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Minute)
			defer cancel()

			if err := client.Restart(ctx, tenantID); err != nil {
				styler.PrintError(fmt.Sprintf("Restart failed: %v", err))
				return err
			}

			styler.PrintSuccess(fmt.Sprintf("Gateway for tenant '%s' restarted", tenantID))
			return nil
		},
	}
}
