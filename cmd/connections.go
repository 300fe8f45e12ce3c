package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/config"
)

type connectionsFlags struct {
	db      string
	service string
	outcome string
	src     string
	since   time.Duration
	limit   int
	json    bool
}

func newConnectionsCommand(policyFile func() string) *cobra.Command {
	var f connectionsFlags
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List recent connections from the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.db == "" {
				cfg, err := config.LoadFile(policyFile())
				if err != nil {
					return err
				}
				f.db = auditPath(cfg)
			}
			return runConnections(cmd.OutOrStdout(), f, time.Now())
		},
	}
	cmd.Flags().StringVar(&f.db, "db", "", "Audit database (default: from the policy)")
	cmd.Flags().StringVar(&f.service, "service", "", "Only this service")
	cmd.Flags().StringVar(&f.outcome, "outcome", "", "Only this outcome (ok, no_match, rejected, ...)")
	cmd.Flags().StringVar(&f.src, "src", "", "Only this client address or ip")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only connections started within this duration")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "Maximum number of records")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print JSON")
	return cmd
}

func runConnections(out io.Writer, f connectionsFlags, now time.Time) error {
	store, err := audit.NewStore(f.db, 0, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := audit.Filter{
		Service: f.service,
		Outcome: f.outcome,
		Src:     f.src,
		Limit:   f.limit,
	}
	if f.since > 0 {
		filter.Since = now.Add(-f.since)
	}
	records, err := store.Query(filter)
	if err != nil {
		return err
	}

	if f.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tSRC\tDST\tRULE\tSERVICE\tSERVER\tOUTCOME\tDURATION\tIN\tOUT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.Start.Local().Format(time.DateTime), r.Src, r.Dst, dash(r.Rule), dash(r.Service), dash(r.Server),
			r.Outcome, r.Duration.Round(time.Millisecond), r.BytesIn, r.BytesOut)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
