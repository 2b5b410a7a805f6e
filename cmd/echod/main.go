// main.go
// echod wires the echo server together: it loads configuration, installs the
// slog handler, binds the TCP listener, and optionally starts the admin HTTP
// surface that also carries the WebSocket echo endpoint.

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
		Use:   "echod",
		Short: "Protobuf echo server",
		Long: `echod accepts TCP connections, decodes one EchoMessage per read,
and writes the same message back until the peer disconnects.`,
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
