package cmd

import (
	stdcontext "context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
	"github.com/cobot-ai/sandbox-gateway/internal/cli/output"
)

func newTenantsCmd(client api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List registered tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 60*time.Second)
			defer cancel()

			list, err := client.ListTenants(ctx)
			if err != nil {
				output.NewStyler(noColor).PrintError(fmt.Sprintf("Failed to list tenants: %v", err))
				return err
			}

			if outputFormat == "json" {
				jsonStr, err := output.FormatJSON(list)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), jsonStr)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tUSER\tCREATED")
			for _, t := range list.Tenants {
				created := ""
				if !t.CreatedAt.IsZero() {
					created = t.CreatedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.TenantID, t.UserID, created)
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tenant(s)\n", list.Count)
			return nil
		},
	}
}
