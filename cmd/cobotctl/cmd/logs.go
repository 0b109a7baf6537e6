package cmd

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
	"github.com/cobot-ai/sandbox-gateway/internal/cli/output"
)

func newLogsCmd(client api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <tenant-id>",
		Short: "Show a tenant gateway's captured output",
		Long: `Fetch the gateway's captured stdout and stderr from inside the tenant
sandbox. A sleeping tenant has no sandbox to read from; this command
never wakes one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]

			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 60*time.Second)
			defer cancel()

			logs, err := client.Logs(ctx, tenantID)
			if err != nil {
				output.NewStyler(noColor).PrintError(fmt.Sprintf("Failed to fetch logs: %v", err))
				return err
			}

			if outputFormat == "json" {
				jsonStr, err := output.FormatJSON(logs)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), jsonStr)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "gateway pid %d\n", logs.PID)
			if logs.Stdout != "" {
				fmt.Fprintln(cmd.OutOrStdout(), logs.Stdout)
			}
			if logs.Stderr != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), logs.Stderr)
			}
			return nil
		},
	}
}
