package protocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"

	"grimm.is/bastion/internal/pipeline"
)

// SMTP relays mail commands. It offers STARTTLS to the client when the
// service accepts it and enforces relaying restrictions on RCPT.
type SMTP struct{}

// Extensions hidden from the client: the driver handles commands one at a
// time and never negotiates TLS with the server in-protocol.
var hiddenExtensions = map[string]bool{
	"STARTTLS":   true,
	"CHUNKING":   true,
	"PIPELINING": true,
}

func (SMTP) Serve(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	stop := closeOnDone(ctx, s.Client, s.Server)
	defer stop()

	m := &smtpConn{
		s:   s,
		p:   s.Pipeline,
		cbr: bufio.NewReader(s.Client),
		sbr: bufio.NewReader(s.Server),
	}
	return m.serve(ctx)
}

type smtpConn struct {
	s   *Session
	p   *pipeline.Pipeline
	cbr *bufio.Reader
	sbr *bufio.Reader

	clientTLS bool
}

func (m *smtpConn) reply(line string) error {
	return writeLine(m.s.Client, line)
}

func (m *smtpConn) serve(ctx context.Context) error {
	greeting, err := readReply(m.sbr)
	if err != nil {
		return err
	}
	if err := greeting.write(m.s.Client); err != nil {
		return err
	}
	if greeting.Code/100 != 2 {
		return nil
	}

	for {
		line, err := readLine(m.cbr, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := m.command(ctx, line)
		if err != nil || done {
			return err
		}
	}
}

func (m *smtpConn) command(ctx context.Context, line string) (bool, error) {
	verb, arg := splitCommand(line)

	if err := m.p.CheckVerb(ctx, verb, arg); err != nil {
		m.reply("550 5.7.1 " + rejectReason(err, "Command rejected by policy"))
		return true, err
	}

	switch verb {
	case "STARTTLS":
		return false, m.startTLS(ctx)
	case "BDAT":
		return false, m.reply("502 5.5.1 BDAT not supported")
	case "RCPT":
		if !m.mayRelay(arg) {
			return false, m.reply("554 5.7.1 Relaying denied")
		}
	}

	if err := writeLine(m.s.Server, line); err != nil {
		return true, err
	}
	r, err := readReply(m.sbr)
	if err != nil {
		return true, err
	}
	if (verb == "EHLO") && r.Code == 250 {
		r = m.filterEHLO(r)
	}
	if err := r.write(m.s.Client); err != nil {
		return true, err
	}

	switch {
	case verb == "QUIT":
		return true, nil
	case verb == "DATA" && r.Code == 354:
		return false, m.data()
	}
	return false, nil
}

// filterEHLO hides extensions the driver cannot relay and advertises
// STARTTLS when the client may upgrade.
func (m *smtpConn) filterEHLO(r reply) reply {
	text := r.text()
	lines := []string{text[0]}
	for _, ext := range text[1:] {
		keyword, _, _ := strings.Cut(ext, " ")
		if hiddenExtensions[strings.ToUpper(keyword)] {
			continue
		}
		lines = append(lines, ext)
	}
	if m.p.Hooks().TLS().AcceptsStartTLS() && !m.clientTLS {
		lines = append(lines, "STARTTLS")
	}
	return buildReply(r.Code, lines)
}

func (m *smtpConn) startTLS(ctx context.Context) error {
	if !m.p.Hooks().TLS().AcceptsStartTLS() || m.clientTLS {
		return m.reply("502 5.5.1 STARTTLS not available")
	}
	if m.cbr.Buffered() > 0 {
		m.reply("503 5.5.1 Commands pipelined after STARTTLS")
		return m.p.Close(protocolError("client pipelined commands after STARTTLS"))
	}
	if err := m.reply("220 2.0.0 Ready to start TLS"); err != nil {
		return err
	}
	c, err := m.p.UpgradeClient(ctx, m.s.Client)
	if err != nil {
		return err
	}
	m.s.Client = c
	m.cbr = bufio.NewReader(c)
	m.clientTLS = true
	return nil
}

// mayRelay applies relay_zones and relay_domains to a RCPT argument.
// Services that configure neither accept every recipient.
func (m *smtpConn) mayRelay(arg string) bool {
	svc := m.s.Service
	if svc == nil || svc.Config == nil {
		return true
	}
	if len(svc.Config.RelayZones) == 0 && len(svc.Config.RelayDomains) == 0 {
		return true
	}
	if svc.MayRelay(m.s.srcZone()) {
		return true
	}
	domain := recipientDomain(arg)
	if domain == "" {
		return false
	}
	for _, d := range svc.RelayDomains() {
		d = strings.TrimPrefix(strings.ToLower(d), ".")
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// recipientDomain extracts the lower-cased domain of "TO:<user@domain>".
func recipientDomain(arg string) string {
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		return ""
	}
	path := strings.TrimSpace(arg[3:])
	if end := strings.IndexByte(path, '>'); end >= 0 {
		path = path[:end+1]
	}
	addr, err := mail.ParseAddress(path)
	if err != nil {
		return ""
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

func (m *smtpConn) data() error {
	if err := m.p.Transition(pipeline.StateBodyTransfer); err != nil {
		return err
	}
	if err := relayDotBody(m.s.Server, m.cbr); err != nil {
		return err
	}
	r, err := readReply(m.sbr)
	if err != nil {
		return err
	}
	if err := m.p.Transition(pipeline.StateHeaderExchange); err != nil {
		return err
	}
	return r.write(m.s.Client)
}
