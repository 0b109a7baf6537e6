package cmd

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
	"github.com/cobot-ai/sandbox-gateway/internal/cli/output"
)

var sweepDryRun bool

func newSweepCmd(client api.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a webhook reconciliation sweep now",
		Long: `Trigger an immediate reconciliation pass: every tenant with a stale
heartbeat gets its provider webhook re-armed. With --dry-run the sweep
only reports what it would do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)

			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Minute)
			defer cancel()

			report, err := client.Sweep(ctx, sweepDryRun)
			if err != nil {
				styler.PrintError(fmt.Sprintf("Sweep failed: %v", err))
				return err
			}

			if outputFormat == "json" {
				jsonStr, err := output.FormatJSON(report)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), jsonStr)
				return nil
			}

			for _, res := range report.Results {
				line := fmt.Sprintf("%s: %s", res.TenantID, res.Action)
				if res.Error != "" {
					styler.Fprint(cmd.OutOrStdout(), styler.Warn(line+" ("+res.Error+")"))
					continue
				}
				styler.Fprint(cmd.OutOrStdout(), line)
			}
			styler.PrintSuccess(fmt.Sprintf("Sweep finished, %d tenant(s) visited", len(report.Results)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Report without arming webhooks")

	return cmd
}
