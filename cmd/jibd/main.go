// jibd — credential-isolating gateway sidecar for untrusted sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jibd",
	Short: "jibd — gateway sidecar that keeps credentials out of untrusted sandboxes.",
	Long: `jibd sits between a sandboxed coding agent and the outside world.
It holds all credentials, injects them into outbound requests on the gateway
side, validates every git/gh operation against a default-deny policy, and
records an append-only audit trail of every decision.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
