package cmd

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/pki"
)

func newCACommand() *cobra.Command {
	ca := &cobra.Command{
		Use:   "ca",
		Short: "Manage keybridge signing authorities",
	}

	var certFile, keyFile, cn string
	var days int
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a CA keypair, or renew it when close to expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, created, err := pki.EnsureCA(certFile, keyFile, cn, time.Duration(days)*24*time.Hour, nil)
			if err != nil {
				return err
			}
			verb := "Using existing"
			if created {
				verb = "Created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s CA %q (expires %s)\n", verb, c.Cert.Subject.CommonName, c.Cert.NotAfter.Format(time.DateOnly))
			fmt.Fprintf(cmd.OutOrStdout(), "SHA-256 fingerprint: %X\n", sha256.Sum256(c.Cert.Raw))
			return nil
		},
	}
	initCmd.Flags().StringVar(&certFile, "cert", "", "CA certificate file (PEM)")
	initCmd.Flags().StringVar(&keyFile, "key", "", "CA private key file (PEM)")
	initCmd.Flags().StringVar(&cn, "cn", "Bastion Interception CA", "Common name")
	initCmd.Flags().IntVar(&days, "days", 3650, "Validity in days")
	initCmd.MarkFlagRequired("cert")
	initCmd.MarkFlagRequired("key")

	ca.AddCommand(initCmd)
	return ca
}
