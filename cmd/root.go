package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the kura-mcp gateway
var rootCmd = &cobra.Command{
	Use:   "kura-mcp",
	Short: "MCP gateway for the Kura notes service",
	Long: `kura-mcp is an authenticated Model Context Protocol (MCP) gateway that
exposes the Kura notes service to AI assistants.

It verifies OAuth2 bearer tokens against the configured authorization
server, enforces per-tool scopes, and forwards the caller's own token
to the notes service for every operation.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "kura-mcp version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
