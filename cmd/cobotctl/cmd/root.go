package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cobot-ai/sandbox-gateway/internal/cli/api"
)

var (
	version   string
	commit    string
	buildDate string

	// Global flags
	gatewayURL   string
	adminToken   string
	outputFormat string
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:   "cobotctl",
	Short: "Cobot sandbox gateway CLI",
	Long: `cobotctl operates the sandbox gateway control plane.

It provides commands to boot and restart tenant gateways, inspect their
logs, list registered tenants, and trigger a webhook reconciliation sweep.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway-url", getEnvOrDefault("COBOT_GATEWAY_URL", "http://localhost:8080"), "Gateway HTTP URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("COBOT_ADMIN_TOKEN"), "Admin bearer token")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "Output format: json|table")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func initClient() api.Client {
	return api.NewHTTPClient(gatewayURL, adminToken)
}

func Execute() error {
	client := initClient()

	rootCmd.AddCommand(newBootCmd(client))
	rootCmd.AddCommand(newRestartCmd(client))
	rootCmd.AddCommand(newLogsCmd(client))
	rootCmd.AddCommand(newTenantsCmd(client))
	rootCmd.AddCommand(newSweepCmd(client))

	return rootCmd.Execute()
}

func SetVersion(v, c, d string) {
	version = v
	commit = c
	buildDate = d
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
