package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "An evented multi-loop HTTP server",
		Long: `Strand is an evented multi-loop HTTP server for Go.

Each listening port is served by its own event loop, and request
handlers run on a separate fixed pool of worker loops. Requests are
routed to workers round-robin for even distribution, or by remote
address hash for per-client session affinity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
