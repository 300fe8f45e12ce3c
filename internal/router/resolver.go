package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Resolver maps a host name to addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemResolver uses the host's resolver configuration.
type SystemResolver struct{}

func (SystemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

// DNSResolver queries one name server directly for A and AAAA records.
// IPv4 answers are returned first.
type DNSResolver struct {
	Server string
	client *dns.Client
}

// NewDNSResolver builds a resolver for an "ip:port" name server.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

func (r *DNSResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var out []netip.Addr
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("%s: no such host", host)
	}
	return out, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		if resp, _, err = tcp.ExchangeContext(ctx, msg, r.Server); err != nil {
			return nil, fmt.Errorf("%s %s over tcp: %w", dns.TypeToString[qtype], host, err)
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}

	var out []netip.Addr
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(v.A); ok {
				out = append(out, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(v.AAAA); ok {
				out = append(out, a)
			}
		}
	}
	return out, nil
}
