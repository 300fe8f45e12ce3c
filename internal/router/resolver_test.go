package router

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		if q.Name != "www.example.test." {
			resp.Rcode = dns.RcodeNameError
			w.WriteMsg(resp)
			return
		}
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
		switch q.Qtype {
		case dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("172.16.21.25")})
		case dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::25")})
		}
		w.WriteMsg(resp)
	})

	r := NewDNSResolver(addr)
	addrs, err := r.LookupNetIP(context.Background(), "www.example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("172.16.21.25"),
		netip.MustParseAddr("2001:db8::25"),
	}, addrs)

	_, err = r.LookupNetIP(context.Background(), "missing.example.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestDNSResolver_NoAnswers(t *testing.T) {
	addr := startDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		w.WriteMsg(resp)
	})

	_, err := NewDNSResolver(addr).LookupNetIP(context.Background(), "empty.example.test")
	assert.ErrorContains(t, err, "no such host")
}

func TestNew_InbandUsesNameserver(t *testing.T) {
	r, err := New("http", &routerInbandConfig, Options{})
	require.NoError(t, err)
	in, ok := r.(*Inband)
	require.True(t, ok)
	res, ok := in.Resolver.(*DNSResolver)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:5353", res.Server)
}
