// Package cmd implements the bastion command line using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/brand"
)

// NewRootCommand builds the command tree. Each call returns independent
// flag state.
func NewRootCommand() *cobra.Command {
	var policyFile string

	root := &cobra.Command{
		Use:           brand.BinaryName,
		Short:         brand.Description,
		Version:       brand.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("%s %s (built: %s)\n", brand.Name, brand.Version, brand.BuildTime))
	root.PersistentFlags().StringVarP(&policyFile, "policy", "p", brand.DefaultConfigPath(), "Policy file")

	path := func() string { return policyFile }
	root.AddCommand(
		newStartCommand(path),
		newCheckCommand(path),
		newMatchCommand(path),
		newConnectionsCommand(path),
		newCACommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s)\n", brand.ProxyAgent(), brand.GitCommit, brand.BuildTime)
		},
	}
}
