package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/pipeline"
)

func pop3Service(mods ...func(*config.Service)) config.Service {
	svc := config.Service{Name: "pop3", Proxy: config.ProxyPOP3}
	for _, m := range mods {
		m(&svc)
	}
	return svc
}

func (h *harness) pop3Greet(t *testing.T) {
	t.Helper()
	h.serverSend(t, "+OK POP3 server ready\r\n")
	assert.Equal(t, "+OK POP3 server ready", h.clientLine(t))
}

func TestPOP3_MultiLineResponses(t *testing.T) {
	h := startDriver(t, pop3Service(), nil)
	h.pop3Greet(t)

	h.clientSend(t, "RETR 1\r\n")
	assert.Equal(t, "RETR 1", h.serverLine(t))
	h.serverSend(t, "+OK 42 octets\r\nSubject: hi\r\n\r\n..dot\r\n.\r\n")
	for _, want := range []string{"+OK 42 octets", "Subject: hi", "", "..dot", "."} {
		assert.Equal(t, want, h.clientLine(t))
	}

	// LIST with an argument is a single line
	h.clientSend(t, "LIST 1\r\n")
	h.serverLine(t)
	h.serverSend(t, "+OK 1 42\r\n")
	assert.Equal(t, "+OK 1 42", h.clientLine(t))

	h.clientSend(t, "LIST\r\n")
	h.serverLine(t)
	h.serverSend(t, "+OK 1 messages\r\n1 42\r\n.\r\n")
	for _, want := range []string{"+OK 1 messages", "1 42", "."} {
		assert.Equal(t, want, h.clientLine(t))
	}

	// an error status carries no body
	h.clientSend(t, "RETR 9\r\n")
	h.serverLine(t)
	h.serverSend(t, "-ERR no such message\r\n")
	assert.Equal(t, "-ERR no such message", h.clientLine(t))

	h.clientSend(t, "QUIT\r\n")
	h.serverLine(t)
	h.serverSend(t, "+OK bye\r\n")
	assert.Equal(t, "+OK bye", h.clientLine(t))
	assert.NoError(t, h.wait(t))
}

func TestPOP3_CapaHidesSTLS(t *testing.T) {
	h := startDriver(t, pop3Service(), nil)
	h.pop3Greet(t)

	h.clientSend(t, "CAPA\r\n")
	h.serverLine(t)
	h.serverSend(t, "+OK Capability list follows\r\nUSER\r\nSTLS\r\nUIDL\r\n.\r\n")
	for _, want := range []string{"+OK Capability list follows", "USER", "UIDL", "."} {
		assert.Equal(t, want, h.clientLine(t))
	}

	h.clientSend(t, "STLS\r\n")
	assert.Equal(t, "-ERR STLS not supported", h.clientLine(t))

	require.NoError(t, closeWrite(h.client))
	assert.NoError(t, h.wait(t))
}

func TestPOP3_Reject(t *testing.T) {
	h := startDriver(t, pop3Service(func(s *config.Service) {
		s.Requests = []config.VerbHook{{Verb: "DELE", Action: config.VerbReject, ErrorInfo: "Mailbox is read-only"}}
	}), nil)
	h.pop3Greet(t)

	h.clientSend(t, "DELE 1\r\n")
	assert.Equal(t, "-ERR Mailbox is read-only", h.clientLine(t))
	assert.True(t, pipeline.IsRejection(h.wait(t)))
}

func TestPOP3_ServerRefuses(t *testing.T) {
	h := startDriver(t, pop3Service(), nil)

	h.serverSend(t, "-ERR maintenance\r\n")
	assert.Equal(t, "-ERR maintenance", h.clientLine(t))
	assert.NoError(t, h.wait(t))
}
