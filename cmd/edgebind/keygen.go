package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgebind/edgebind/internal/keystore"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate development TLS credentials",
		Long: `Generates self-signed credentials for local development and tests.

By default a single self-signed server keystore is written. With --full,
a CA, a CA-signed server keystore, a PEM truststore and a client
credential pair are generated, enough for mutual TLS setups.`,
		RunE: runKeygen,
	}

	cmd.Flags().String("dir", ".", "Directory to write credential files into")
	cmd.Flags().String("secret", "changeit", "Secret protecting the keystore")
	cmd.Flags().String("cn", "localhost", "Certificate common name")
	cmd.Flags().StringSlice("dns", nil, "DNS names to add as subject alternative names")
	cmd.Flags().String("format", "pkcs12", "Keystore format: pkcs12, pkcs12-legacy or pem")
	cmd.Flags().Bool("full", false, "Generate a CA, server keystore, truststore and client credential")

	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return fmt.Errorf("failed to get dir flag: %w", err)
	}
	secret, err := cmd.Flags().GetString("secret")
	if err != nil {
		return fmt.Errorf("failed to get secret flag: %w", err)
	}
	full, err := cmd.Flags().GetBool("full")
	if err != nil {
		return fmt.Errorf("failed to get full flag: %w", err)
	}

	if full {
		ts, err := keystore.GenerateTestStores(dir, secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Credentials generated in %s:\n", ts.Dir)
		fmt.Fprintf(out, "  Keystore:    %s\n", ts.KeystorePath)
		fmt.Fprintf(out, "  Truststore:  %s\n", ts.TruststorePath)
		fmt.Fprintf(out, "  Client cert: %s\n", ts.ClientCertPath)
		fmt.Fprintf(out, "  Client key:  %s\n", ts.ClientKeyPath)
		return nil
	}

	cn, err := cmd.Flags().GetString("cn")
	if err != nil {
		return fmt.Errorf("failed to get cn flag: %w", err)
	}
	dnsNames, err := cmd.Flags().GetStringSlice("dns")
	if err != nil {
		return fmt.Errorf("failed to get dns flag: %w", err)
	}
	formatName, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	var format keystore.Format
	var filename string
	switch formatName {
	case "pkcs12":
		format, filename = keystore.PKCS12, "server.p12"
	case "pkcs12-legacy":
		format, filename = keystore.PKCS12Legacy, "server.p12"
	case "pem":
		format, filename = keystore.PEM, "server.pem"
	default:
		return fmt.Errorf("unknown keystore format %q (want pkcs12, pkcs12-legacy or pem)", formatName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	cert, key, err := keystore.GenerateCertificate(keystore.GenerateOptions{
		CommonName: cn,
		DNSNames:   dnsNames,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, filename)
	if err := keystore.WriteKeystore(path, secret, format, key, cert); err != nil {
		return err
	}

	fmt.Fprintf(out, "Keystore generated:\n")
	fmt.Fprintf(out, "  Path:        %s\n", path)
	fmt.Fprintf(out, "  Common name: %s\n", cert.Subject.CommonName)
	if len(cert.DNSNames) > 0 {
		fmt.Fprintf(out, "  DNS names:   %s\n", strings.Join(cert.DNSNames, ", "))
	}
	fmt.Fprintf(out, "  Expires:     %s\n", cert.NotAfter.Format(time.RFC3339))
	return nil
}
