package protocol

import (
	"bufio"
	"crypto/tls"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/pipeline"
	"grimm.is/bastion/internal/pki"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/zone"
)

func smtpService(mods ...func(*config.Service)) config.Service {
	svc := config.Service{Name: "mail", Proxy: config.ProxySMTP}
	for _, m := range mods {
		m(&svc)
	}
	return svc
}

func (h *harness) smtpGreet(t *testing.T) {
	t.Helper()
	h.serverSend(t, "220 mx.lab ESMTP\r\n")
	assert.Equal(t, "220 mx.lab ESMTP", h.clientLine(t))
}

func fromZone(t *testing.T, name string) func(*Session) {
	t.Helper()
	reg, err := zone.New([]zone.Spec{
		{Name: "internal", Addrs: []string{"10.0.0.0/8"}},
		{Name: "office", Addrs: []string{"10.1.0.0/16"}, AdminParent: "internal"},
		{Name: "guests", Addrs: []string{"192.168.0.0/16"}},
	})
	require.NoError(t, err)
	z, ok := reg.Lookup(name)
	require.True(t, ok)
	return func(s *Session) { s.Decision = &policy.Decision{SrcZone: z} }
}

const ehloReply = "250-mx.lab\r\n250-PIPELINING\r\n250-SIZE 10240000\r\n250-STARTTLS\r\n250-CHUNKING\r\n250 8BITMIME\r\n"

func TestSMTP_EHLOFiltersExtensions(t *testing.T) {
	h := startDriver(t, smtpService(), nil)
	h.smtpGreet(t)

	h.clientSend(t, "EHLO client.lab\r\n")
	assert.Equal(t, "EHLO client.lab", h.serverLine(t))
	h.serverSend(t, ehloReply)

	assert.Equal(t, "250-mx.lab", h.clientLine(t))
	assert.Equal(t, "250-SIZE 10240000", h.clientLine(t))
	assert.Equal(t, "250 8BITMIME", h.clientLine(t))

	h.clientSend(t, "STARTTLS\r\n")
	assert.Equal(t, "502 5.5.1 STARTTLS not available", h.clientLine(t))
	h.clientSend(t, "BDAT 10 LAST\r\n")
	assert.Equal(t, "502 5.5.1 BDAT not supported", h.clientLine(t))

	h.clientSend(t, "QUIT\r\n")
	h.serverLine(t)
	h.serverSend(t, "221 2.0.0 Bye\r\n")
	assert.Equal(t, "221 2.0.0 Bye", h.clientLine(t))
	assert.NoError(t, h.wait(t))
}

func TestSMTP_StartTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := pki.GenerateCA("mx.lab", time.Hour, nil)
	require.NoError(t, err)
	certFile, keyFile := filepath.Join(dir, "mx.pem"), filepath.Join(dir, "mx.key")
	require.NoError(t, ca.Write(certFile, keyFile))

	h := startDriver(t, smtpService(func(s *config.Service) {
		s.SSL = &config.SSLConfig{
			ClientConnectionSecurity: config.SecurityAcceptStartTLS,
			ClientKeypairFiles:       []string{certFile, keyFile},
		}
	}), nil)
	h.smtpGreet(t)

	h.clientSend(t, "EHLO client.lab\r\n")
	h.serverLine(t)
	h.serverSend(t, ehloReply)
	assert.Equal(t, "250-mx.lab", h.clientLine(t))
	assert.Equal(t, "250-SIZE 10240000", h.clientLine(t))
	assert.Equal(t, "250-8BITMIME", h.clientLine(t))
	assert.Equal(t, "250 STARTTLS", h.clientLine(t))

	h.clientSend(t, "STARTTLS\r\n")
	assert.Equal(t, "220 2.0.0 Ready to start TLS", h.clientLine(t))

	tc := tls.Client(h.client, &tls.Config{InsecureSkipVerify: true, ServerName: "mx.lab"})
	require.NoError(t, tc.Handshake())
	tr := bufio.NewReader(tc)

	_, err = tc.Write([]byte("EHLO client.lab\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "EHLO client.lab", h.serverLine(t))
	h.serverSend(t, ehloReply)

	var lines []string
	for {
		line := readTestLine(t, h.client, tr)
		lines = append(lines, line)
		if line[3] == ' ' {
			break
		}
	}
	assert.NotContains(t, strings.Join(lines, "\n"), "STARTTLS")
	assert.Equal(t, pipeline.StateHeaderExchange, h.session.Pipeline.State())

	tc.CloseWrite()
	assert.NoError(t, h.wait(t))
}

func TestSMTP_StartTLSPipelined(t *testing.T) {
	dir := t.TempDir()
	ca, err := pki.GenerateCA("mx.lab", time.Hour, nil)
	require.NoError(t, err)
	certFile, keyFile := filepath.Join(dir, "mx.pem"), filepath.Join(dir, "mx.key")
	require.NoError(t, ca.Write(certFile, keyFile))

	h := startDriver(t, smtpService(func(s *config.Service) {
		s.SSL = &config.SSLConfig{
			ClientConnectionSecurity: config.SecurityAcceptStartTLS,
			ClientKeypairFiles:       []string{certFile, keyFile},
		}
	}), nil)
	h.smtpGreet(t)

	h.clientSend(t, "STARTTLS\r\nMAIL FROM:<a@lab>\r\n")
	assert.Equal(t, "503 5.5.1 Commands pipelined after STARTTLS", h.clientLine(t))
	assert.ErrorIs(t, h.wait(t), ErrProtocol)
}

func TestSMTP_Relaying(t *testing.T) {
	svc := smtpService(func(s *config.Service) {
		s.RelayZones = []string{"internal"}
		s.RelayDomains = []string{"lab.example", ".corp.example"}
	})

	cases := []struct {
		name    string
		zone    string
		rcpt    string
		allowed bool
	}{
		{"local domain from guests", "guests", "TO:<alice@lab.example>", true},
		{"subdomain from guests", "guests", "TO:<bob@mx.corp.example>", true},
		{"case folded", "guests", "to:<Bob@LAB.Example> NOTIFY=NEVER", true},
		{"foreign from guests", "guests", "TO:<eve@elsewhere.example>", false},
		{"lookalike from guests", "guests", "TO:<eve@evillab.example>", false},
		{"foreign from child zone", "office", "TO:<carol@elsewhere.example>", true},
		{"foreign from relay zone", "internal", "TO:<carol@elsewhere.example>", true},
		{"garbage from guests", "guests", "TO:nobody", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := startDriver(t, svc, nil, fromZone(t, tc.zone))
			h.smtpGreet(t)

			h.clientSend(t, "RCPT "+tc.rcpt+"\r\n")
			if tc.allowed {
				assert.Equal(t, "RCPT "+tc.rcpt, h.serverLine(t))
				h.serverSend(t, "250 2.1.5 Ok\r\n")
				assert.Equal(t, "250 2.1.5 Ok", h.clientLine(t))
			} else {
				assert.Equal(t, "554 5.7.1 Relaying denied", h.clientLine(t))
			}

			require.NoError(t, closeWrite(h.client))
			assert.NoError(t, h.wait(t))
		})
	}
}

func TestSMTP_NoRelayConfigAcceptsAll(t *testing.T) {
	h := startDriver(t, smtpService(), nil)
	h.smtpGreet(t)

	h.clientSend(t, "RCPT TO:<anyone@anywhere.example>\r\n")
	h.serverLine(t)
	h.serverSend(t, "250 Ok\r\n")
	assert.Equal(t, "250 Ok", h.clientLine(t))

	require.NoError(t, closeWrite(h.client))
	assert.NoError(t, h.wait(t))
}

func TestSMTP_Data(t *testing.T) {
	h := startDriver(t, smtpService(), nil)
	h.smtpGreet(t)

	h.clientSend(t, "DATA\r\n")
	h.serverLine(t)
	h.serverSend(t, "354 End data with <CR><LF>.<CR><LF>\r\n")
	assert.Equal(t, "354 End data with <CR><LF>.<CR><LF>", h.clientLine(t))

	h.clientSend(t, "Subject: hi\r\n\r\n..leading dot\r\nbody\r\n.\r\n")
	for _, want := range []string{"Subject: hi", "", "..leading dot", "body", "."} {
		assert.Equal(t, want, h.serverLine(t))
	}
	h.serverSend(t, "250 2.0.0 Queued\r\n")
	assert.Equal(t, "250 2.0.0 Queued", h.clientLine(t))
	assert.Equal(t, pipeline.StateHeaderExchange, h.session.Pipeline.State())

	require.NoError(t, closeWrite(h.client))
	assert.NoError(t, h.wait(t))
}

func TestSMTP_VerbReject(t *testing.T) {
	h := startDriver(t, smtpService(func(s *config.Service) {
		s.Requests = []config.VerbHook{{Verb: "VRFY", Action: config.VerbReject, ErrorInfo: "Address verification disabled"}}
	}), nil)
	h.smtpGreet(t)

	h.clientSend(t, "VRFY root\r\n")
	assert.Equal(t, "550 5.7.1 Address verification disabled", h.clientLine(t))
	assert.True(t, pipeline.IsRejection(h.wait(t)))
}

func TestRecipientDomain(t *testing.T) {
	assert.Equal(t, "lab.example", recipientDomain("TO:<a@Lab.Example>"))
	assert.Equal(t, "lab.example", recipientDomain("TO: <a@lab.example> SIZE=10"))
	assert.Equal(t, "", recipientDomain("FROM:<a@lab.example>"))
	assert.Equal(t, "", recipientDomain("TO:<postmaster>"))
}
