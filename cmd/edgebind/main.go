// Package main is the entry point for the edgebind binary.
// It serves HTTPS with TLS behavior driven entirely by configuration:
// included/excluded cipher suites, client certificate modes, and
// credential containers (PKCS#12 or PEM).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for edgebind
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgebind",
		Short: "Embedded HTTPS listener with declarative cipher-suite policy",
		Long: `edgebind binds an HTTPS listener whose TLS posture comes from a
configuration file: which cipher suites to offer, which TLS versions to
accept, and whether clients must present certificates.

Example:
  edgebind keygen --dir ./certs --secret changeit
  edgebind serve --config edgebind.yaml`,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCiphersCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgebind %s\n", version)
		},
	}
}
