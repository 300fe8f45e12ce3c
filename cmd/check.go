package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/policy"
)

func newCheckCommand(policyFile func() string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the policy file and report unreachable rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.OutOrStdout(), policyFile(), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print services and rules")
	return cmd
}

// runCheck loads the policy exactly as start would, without binding any
// listener.
func runCheck(out io.Writer, path string, verbose bool) error {
	p, err := policy.Load(path, policy.Options{})
	if err != nil {
		return err
	}

	cfg := p.Config
	fmt.Fprintf(out, "Policy valid: %s\n", path)
	fmt.Fprintf(out, "Schema Version: %s\n", cfg.SchemaVersion)
	fmt.Fprintf(out, "Listeners: %d\n", len(cfg.Listeners))
	fmt.Fprintf(out, "Zones: %d\n", p.Zones.Len())
	fmt.Fprintf(out, "Services: %d\n", len(p.Services))
	fmt.Fprintf(out, "Rules: %d\n", len(p.Rules))

	for _, s := range p.ShadowedRules() {
		fmt.Fprintf(out, "Warning: rule %s can never match; rule %s accepts every connection it would\n", s.Rule.ID, s.By.ID)
	}

	if !verbose {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tSERVICE\tPROXY\tROUTER\tMATCH")
	for _, r := range p.Rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Service.Name, r.Service.Kind, r.Service.Router.Kind(), r)
	}
	w.Flush()

	for _, name := range sortedServices(p) {
		svc := p.Services[name]
		fmt.Fprintf(out, "\nservice %s (%s)\n", name, svc.Kind)
		for _, line := range svc.Hooks.Summary() {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
	return nil
}

func sortedServices(p *policy.Policy) []string {
	return slices.Sorted(maps.Keys(p.Services))
}
