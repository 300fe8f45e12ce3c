package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Lab(t *testing.T) {
	cfg, err := LoadFile("testdata/lab.hcl")
	require.NoError(t, err)

	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.Len(t, cfg.Zones, 11)
	require.Len(t, cfg.Listeners, 2)
	assert.Nil(t, cfg.Listeners[0].RateLimit)
	require.NotNil(t, cfg.Listeners[1].RateLimit)
	assert.Equal(t, 20, cfg.Listeners[1].RateLimit.Connections)
	assert.Equal(t, 10*time.Second, cfg.Listeners[1].RateLimit.WindowDuration())
	require.Len(t, cfg.KeyBridges, 1)
	assert.Equal(t, "lab", cfg.KeyBridges[0].Name)

	byName := make(map[string]Service)
	for _, s := range cfg.Services {
		byName[s.Name] = s
	}

	hr := byName["service_http_transparent_header_replace"]
	require.Len(t, hr.RequestHeaders, 1)
	assert.Equal(t, "User-Agent", hr.RequestHeaders[0].Name)
	assert.Equal(t, HeaderChangeValue, hr.RequestHeaders[0].Action)
	assert.Equal(t, "Forged Browser 1.0", hr.RequestHeaders[0].Value)

	dir := byName["service_http_transparent_directed"]
	require.NotNil(t, dir.Router)
	assert.Equal(t, RouterDirected, dir.Router.Type)
	assert.Equal(t, []string{"172.16.20.254:80"}, dir.Router.Targets)

	inband := byName["service_ftp_nontransparent_inband"]
	assert.False(t, inband.IsTransparent())
	assert.True(t, inband.Router.ForgePort)

	https := byName["service_https_transparent"]
	assert.False(t, https.RequiresHost())
	require.NotNil(t, https.SSL)
	assert.Equal(t, HandshakeServerClient, https.SSL.HandshakeSeq)
	assert.True(t, https.SSL.ClientKeypairGenerate)

	stack := byName["service_http_transparent_stack_tr"]
	require.Len(t, stack.ResponseStacks, 1)
	assert.Equal(t, "GET", stack.ResponseStacks[0].Verb)

	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d.Connect)
	assert.Equal(t, 10*time.Second, d.Inband)
	assert.Equal(t, 30*time.Second, d.Stack)
	assert.Equal(t, DefaultDurations().Idle, d.Idle)
}

func TestLoadHCL_RuleForms(t *testing.T) {
	src := `
zone "clients" { addrs = ["10.0.0.0/8"] }
zone "servers" { addrs = ["192.168.0.0/16"] }
service "web" {
  proxy = "http"
  router "transparent" {}
}
rule {
  service  = "web"
  dst_port = 80
  src_zone = "clients"
}
rule {
  id         = "many"
  service    = "web"
  dst_port   = [80, "8000-8080"]
  src_zone   = ["clients", "servers"]
  dst_subnet = "192.168.1.0/24"
}
rule {
  service = "web"
}
`
	cfg, err := LoadHCL([]byte(src), "rules.hcl")
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 3)

	first := cfg.Rules[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, []PortRange{{Lo: 80, Hi: 80}}, first.Match.DstPorts)
	// a bare string is one zone name, never a list of characters
	assert.Equal(t, []string{"clients"}, first.Match.SrcZones)
	assert.Nil(t, first.Match.DstZones)

	many := cfg.Rules[1]
	assert.Equal(t, "many", many.ID)
	assert.Equal(t, []PortRange{{Lo: 80, Hi: 80}, {Lo: 8000, Hi: 8080}}, many.Match.DstPorts)
	assert.Equal(t, []string{"clients", "servers"}, many.Match.SrcZones)
	assert.Equal(t, []string{"192.168.1.0/24"}, many.Match.DstSubnets)

	wild := cfg.Rules[2]
	assert.Equal(t, "3", wild.ID)
	assert.Equal(t, RuleMatch{}, wild.Match)

	assert.Empty(t, cfg.Validate())
}

func TestLoadHCL_RuleErrors(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want string
	}{
		{"empty zone list", `src_zone = []`, "empty list"},
		{"port out of range", `dst_port = 70000`, "out of range"},
		{"port zero", `dst_port = 0`, "out of range"},
		{"fractional port", `dst_port = 80.5`, "whole number"},
		{"reversed range", `dst_port = "90-80"`, "reversed"},
		{"garbage range", `dst_port = "http"`, "invalid port"},
		{"bool port", `dst_port = true`, "expected port"},
		{"blank zone", `dst_zone = [""]`, "empty string"},
		{"object zone", `dst_zone = { a = 1 }`, "expected string"},
		{"unknown variable", `dst_zone = servers`, "Variables not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "service \"s\" {\n proxy = \"plug\"\n}\nrule {\n service = \"s\"\n " + tt.rule + "\n}\n"
			_, err := LoadHCL([]byte(src), "bad.hcl")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadHCL_SyntaxAndVersion(t *testing.T) {
	_, err := LoadHCL([]byte(`zone "x" {`), "broken.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	_, err = LoadHCL([]byte(`schema_version = "9.0"`), "future.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")

	_, err = LoadHCL([]byte(`bogus = 1`), "unknown.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode error")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/does-not-exist.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestParsePortRange(t *testing.T) {
	pr, err := ParsePortRange(" 21 ")
	require.NoError(t, err)
	assert.Equal(t, PortRange{Lo: 21, Hi: 21}, pr)

	pr, err = ParsePortRange("1024-65535")
	require.NoError(t, err)
	assert.True(t, pr.Contains(1024))
	assert.True(t, pr.Contains(65535))
	assert.False(t, pr.Contains(1023))

	_, err = ParsePortRange("10-")
	assert.Error(t, err)
}

func TestDurations_Invalid(t *testing.T) {
	cfg := &Config{Timeouts: &TimeoutsConfig{Stack: "-1s"}}
	_, err := cfg.Durations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.stack")

	h := StackHook{Timeout: "bad"}
	assert.Equal(t, time.Minute, h.StackTimeout(time.Minute))
	h.Timeout = "3s"
	assert.Equal(t, 3*time.Second, h.StackTimeout(time.Minute))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
