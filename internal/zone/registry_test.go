package zone

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labZones() []Spec {
	return []Spec{
		{Name: "clients", Addrs: []string{"172.16.10.0/23"}},
		{Name: "servers", Addrs: []string{"172.16.20.0/23"}},
		{Name: "servers.audit", Addrs: []string{"172.16.21.1/32"}, AdminParent: "servers"},
		{Name: "servers.stack_clamav", Addrs: []string{"172.16.21.5/32"}, AdminParent: "servers"},
		{Name: "servers.http_header_replace", Addrs: []string{"172.16.21.25"}, AdminParent: "servers"},
		{Name: "servers.plug", Addrs: []string{"172.16.21.33/32"}, AdminParent: "servers"},
	}
}

func mustRegistry(t *testing.T, specs []Spec) *Registry {
	t.Helper()
	r, err := New(specs)
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := mustRegistry(t, labZones())

	tests := []struct {
		addr string
		want string
	}{
		{"172.16.10.5", "clients"},
		{"172.16.11.254", "clients"},
		{"172.16.20.1", "servers"},
		{"172.16.21.1", "servers.audit"},
		{"172.16.21.2", "servers"},
		{"172.16.21.25", "servers.http_header_replace"},
		{"172.16.21.33", "servers.plug"},
		{"::ffff:172.16.21.5", "servers.stack_clamav"},
		{"10.0.0.1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got := r.Resolve(netip.MustParseAddr(tt.addr))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestResolve_InvalidAddr(t *testing.T) {
	r := mustRegistry(t, labZones())
	assert.Nil(t, r.Resolve(netip.Addr{}))
}

func TestResolve_MultipleRanges(t *testing.T) {
	r := mustRegistry(t, []Spec{
		{Name: "branch", Addrs: []string{"10.1.0.0/16", "10.9.0.0/16", "2001:db8::/32"}},
	})
	for _, a := range []string{"10.1.2.3", "10.9.255.1", "2001:db8::1"} {
		assert.Equal(t, "branch", r.Resolve(netip.MustParseAddr(a)).String(), a)
	}
	assert.Nil(t, r.Resolve(netip.MustParseAddr("10.2.0.1")))
	assert.Nil(t, r.Resolve(netip.MustParseAddr("2001:db9::1")))
}

func TestResolve_IdenticalPrefixFirstDeclaredWins(t *testing.T) {
	r := mustRegistry(t, []Spec{
		{Name: "first", Addrs: []string{"192.168.0.0/24"}},
		{Name: "second", Addrs: []string{"192.168.0.0/24"}},
	})
	assert.Equal(t, "first", r.Resolve(netip.MustParseAddr("192.168.0.7")).String())
}

func TestResolve_LongestPrefixIndependentOfOrder(t *testing.T) {
	// the narrow zone is declared first and still wins only inside its range
	r := mustRegistry(t, []Spec{
		{Name: "host", Addrs: []string{"192.168.0.10/32"}},
		{Name: "lan", Addrs: []string{"192.168.0.0/16"}},
		{Name: "subnet", Addrs: []string{"192.168.0.0/24"}},
	})
	assert.Equal(t, "host", r.Resolve(netip.MustParseAddr("192.168.0.10")).String())
	assert.Equal(t, "subnet", r.Resolve(netip.MustParseAddr("192.168.0.11")).String())
	assert.Equal(t, "lan", r.Resolve(netip.MustParseAddr("192.168.7.1")).String())
}

func TestResolve_DefaultRoute(t *testing.T) {
	r := mustRegistry(t, []Spec{
		{Name: "internet", Addrs: []string{"0.0.0.0/0"}},
		{Name: "lan", Addrs: []string{"10.0.0.0/8"}},
	})
	assert.Equal(t, "internet", r.Resolve(netip.MustParseAddr("8.8.8.8")).String())
	assert.Equal(t, "lan", r.Resolve(netip.MustParseAddr("10.3.3.3")).String())
}

func TestAncestors(t *testing.T) {
	r := mustRegistry(t, []Spec{
		{Name: "servers", Addrs: []string{"10.0.0.0/8"}},
		{Name: "servers.dmz", Addrs: []string{"10.1.0.0/16"}, AdminParent: "servers"},
		{Name: "servers.dmz.web", Addrs: []string{"10.1.1.1"}, AdminParent: "servers.dmz"},
	})

	web, ok := r.Lookup("servers.dmz.web")
	require.True(t, ok)
	assert.Equal(t, []string{"servers.dmz.web", "servers.dmz", "servers"}, web.Ancestors())
	assert.Equal(t, 2, web.Depth())
	assert.True(t, web.IsA("servers"))
	assert.True(t, web.IsA("servers.dmz"))
	assert.True(t, web.IsA("servers.dmz.web"))

	servers, _ := r.Lookup("servers")
	assert.False(t, servers.IsA("servers.dmz"), "membership must not flow downward")

	var none *Zone
	assert.False(t, none.IsA("servers"))
}

func TestAdministrativeNestingWithoutAddressNesting(t *testing.T) {
	r := mustRegistry(t, []Spec{
		{Name: "hq", Addrs: []string{"10.0.0.0/16"}},
		{Name: "hq.remote", Addrs: []string{"192.0.2.0/24"}, AdminParent: "hq"},
	})
	z := r.Resolve(netip.MustParseAddr("192.0.2.9"))
	require.NotNil(t, z)
	assert.Equal(t, "hq.remote", z.Name)
	assert.True(t, z.IsA("hq"))
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		want  error
	}{
		{"duplicate", []Spec{{Name: "a"}, {Name: "a"}}, ErrDuplicateZone},
		{"unknown parent", []Spec{{Name: "a", AdminParent: "b"}}, ErrUnknownParent},
		{"cycle", []Spec{{Name: "a", AdminParent: "b"}, {Name: "b", AdminParent: "a"}}, ErrParentCycle},
		{"self parent", []Spec{{Name: "a", AdminParent: "a"}}, ErrParentCycle},
		{"bad cidr", []Spec{{Name: "a", Addrs: []string{"172.16.10.0/33"}}}, ErrBadAddress},
		{"bad addr", []Spec{{Name: "a", Addrs: []string{"not-an-ip"}}}, ErrBadAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("172.16.10.77/23")
	require.NoError(t, err)
	assert.Equal(t, "172.16.10.0/23", p.String())

	p, err = ParsePrefix("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, 128, p.Bits())

	p, err = ParsePrefix("::ffff:10.0.0.0/104")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", p.String())
}

func BenchmarkResolve(b *testing.B) {
	specs := labZones()
	r, err := New(specs)
	if err != nil {
		b.Fatal(err)
	}
	addr := netip.MustParseAddr("172.16.21.25")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolve(addr)
	}
}
