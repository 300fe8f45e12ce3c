package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/policy"
)

func newMatchCommand(policyFile func() string) *cobra.Command {
	var src, dst, listener string
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Show which rule a connection would be dispatched to",
		Example: `  bastion match --src 172.16.10.5 --dst 172.16.20.10:80
  bastion match --src 172.16.10.5:40000 --dst [2001:db8::1]:443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMatch(cmd.OutOrStdout(), policyFile(), listener, src, dst)
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "Client address, with optional port")
	cmd.Flags().StringVar(&dst, "dst", "", "Original destination address:port")
	cmd.Flags().StringVar(&listener, "listener", "", "Listener name")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	return cmd
}

func runMatch(out io.Writer, path, listener, srcArg, dstArg string) error {
	src, err := parseEndpoint(srcArg, false)
	if err != nil {
		return fmt.Errorf("--src: %w", err)
	}
	dst, err := parseEndpoint(dstArg, true)
	if err != nil {
		return fmt.Errorf("--dst: %w", err)
	}

	p, err := policy.Load(path, policy.Options{})
	if err != nil {
		return err
	}

	steps, d, err := p.Trace(policy.Conn{Listener: listener, Src: src, Dst: dst})
	for _, s := range steps {
		if s.Failed != "" {
			fmt.Fprintf(out, "rule %-20s skip: %s\n", s.Rule.ID, s.Failed)
		}
	}

	var me *policy.MatchError
	if errors.As(err, &me) {
		fmt.Fprintf(out, "no match: %s\n", me)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rule %-20s match: service %s (%s, router %s)\n",
		d.Rule.ID, d.Service.Name, d.Service.Kind, d.Service.Router.Kind())
	fmt.Fprintf(out, "zones: %s -> %s\n", zoneName(d.SrcZone.String()), zoneName(d.DstZone.String()))
	return nil
}

// parseEndpoint accepts "ip:port", or a bare IP when the port is optional.
func parseEndpoint(s string, needPort bool) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	if needPort {
		return netip.AddrPort{}, fmt.Errorf("expected ip:port, got %q", s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q", s)
	}
	return netip.AddrPortFrom(addr, 0), nil
}

func zoneName(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
