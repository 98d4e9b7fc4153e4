package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgebind/edgebind/internal/suite"
	"github.com/edgebind/edgebind/pkg/config"
)

func newCiphersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ciphers",
		Short: "Show platform cipher suites and the resolved policy",
		Long: `Prints every cipher suite this platform can be configured to offer.
With --config, also resolves the file's included/excluded cipher suites
against the platform set, so policy mistakes show up before a deploy.`,
		RunE: runCiphers,
	}

	cmd.Flags().StringP("config", "c", "", "Resolve the policy from this configuration file")

	return cmd
}

func runCiphers(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	catalog := suite.PlatformCatalog()

	fmt.Fprintf(out, "Platform cipher suites (%d):\n", len(catalog))
	for _, cs := range catalog {
		fmt.Fprintf(out, "  0x%04x  %s\n", cs.ID, cs.Name)
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configPath == "" {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	https := cfg.Server.HTTPS

	included := suite.ParseSpec(https.IncludedCipherSuites)
	excluded := suite.ParseSpec(https.ExcludedCipherSuites)
	policy := suite.Resolve(included, excluded, catalog)

	fmt.Fprintln(out)
	if !policy.Constrained() {
		fmt.Fprintln(out, "Policy: unconstrained (engine defaults apply)")
		return nil
	}

	fmt.Fprintf(out, "Policy: included=%q excluded=%q\n", included.String(), excluded.String())
	fmt.Fprintf(out, "Effective suites (%d):\n", len(policy.Suites()))
	for _, name := range policy.Names() {
		fmt.Fprintf(out, "  %s\n", name)
	}
	if unknown := policy.Unknown(); len(unknown) > 0 {
		fmt.Fprintf(out, "Unknown names (ignored): %s\n", strings.Join(unknown, ", "))
	}
	if policy.Empty() {
		fmt.Fprintln(out, "WARNING: the effective set is empty; the listener would accept no TLS connection")
	}
	return nil
}
