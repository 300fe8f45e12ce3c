package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pipeline"
)

// FTP relays the control channel command by command and proxies passive
// data connections. Active mode (PORT, EPRT) is refused.
type FTP struct{}

func (FTP) Serve(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	stop := closeOnDone(ctx, s.Client, s.Server)
	defer stop()

	f := &ftpConn{
		s:   s,
		p:   s.Pipeline,
		log: s.logger(),
		cbr: bufio.NewReader(s.Client),
		sbr: bufio.NewReader(s.Server),
	}
	defer f.closeData()
	return f.serve(ctx)
}

type ftpConn struct {
	s   *Session
	p   *pipeline.Pipeline
	log *logging.Logger

	cbr, sbr *bufio.Reader
	data     *dataChannel
}

// dataChannel is a prepared passive transfer: the server side is already
// connected, the client side is awaited on ln.
type dataChannel struct {
	ln     net.Listener
	server net.Conn
}

func (d *dataChannel) close() {
	d.ln.Close()
	d.server.Close()
}

func (f *ftpConn) serve(ctx context.Context) error {
	greeting, err := readReply(f.sbr)
	if err != nil {
		return err
	}
	greeted := f.s.Target != nil && f.s.Target.Greeted
	if !greeted || greeting.Code/100 != 2 {
		if err := greeting.write(f.s.Client); err != nil {
			return err
		}
		if greeting.Code/100 != 2 {
			return nil
		}
	}

	for {
		line, err := readLine(f.cbr, maxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := f.command(ctx, line)
		if err != nil || done {
			return err
		}
	}
}

func (f *ftpConn) reply(code int, text string) error {
	return writeLine(f.s.Client, fmt.Sprintf("%d %s", code, text))
}

// command handles one client command and reports whether the session ended.
func (f *ftpConn) command(ctx context.Context, line string) (bool, error) {
	verb, arg := splitCommand(line)

	switch verb {
	case "":
		return false, f.reply(500, "Empty command")
	case "PORT", "EPRT":
		return false, f.reply(502, "Active mode is not supported; use passive mode")
	case "AUTH", "PBSZ", "PROT", "CCC":
		return false, f.reply(502, "TLS is not supported on this connection")
	}

	if err := f.p.CheckVerb(ctx, verb, arg); err != nil {
		f.reply(550, rejectReason(err, "Command not permitted by policy"))
		return true, err
	}

	switch verb {
	case "PASV":
		return false, f.passive(ctx, line, false)
	case "EPSV":
		if arg == "" || arg == "1" || arg == "2" {
			return false, f.passive(ctx, line, true)
		}
	case "RETR", "LIST", "NLST", "MLSD":
		return false, f.transfer(ctx, verb, line, true)
	case "STOR", "STOU", "APPE":
		return false, f.transfer(ctx, verb, line, false)
	}

	if err := writeLine(f.s.Server, line); err != nil {
		return true, err
	}
	r, err := readReply(f.sbr)
	if err != nil {
		return true, err
	}
	if err := r.write(f.s.Client); err != nil {
		return true, err
	}
	return verb == "QUIT", nil
}

var pasvRe = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

// passivePort extracts the data port of a 227 or 229 reply. The address a
// server advertises is ignored; data always goes to the control peer.
func passivePort(r reply) (uint16, error) {
	text := strings.Join(r.text(), " ")
	switch r.Code {
	case 227:
		m := pasvRe.FindStringSubmatch(text)
		if m == nil {
			return 0, protocolError("malformed PASV reply %q", text)
		}
		hi, _ := strconv.Atoi(m[5])
		lo, _ := strconv.Atoi(m[6])
		if hi > 255 || lo > 255 {
			return 0, protocolError("malformed PASV reply %q", text)
		}
		return uint16(hi<<8 | lo), nil
	case 229:
		open := strings.IndexByte(text, '(')
		end := strings.LastIndexByte(text, ')')
		if open < 0 || end < open+2 {
			return 0, protocolError("malformed EPSV reply %q", text)
		}
		inner := text[open+1 : end]
		parts := strings.Split(inner, inner[:1])
		if len(parts) != 5 {
			return 0, protocolError("malformed EPSV reply %q", text)
		}
		port, err := strconv.ParseUint(parts[3], 10, 16)
		if err != nil || port == 0 {
			return 0, protocolError("malformed EPSV reply %q", text)
		}
		return uint16(port), nil
	}
	return 0, protocolError("unexpected passive reply %d", r.Code)
}

// passive forwards PASV/EPSV, connects to the server's data port and offers
// the client a data port of our own on the address it reached us at.
func (f *ftpConn) passive(ctx context.Context, line string, extended bool) error {
	f.closeData()

	if err := writeLine(f.s.Server, line); err != nil {
		return err
	}
	r, err := readReply(f.sbr)
	if err != nil {
		return err
	}
	if r.Code != 227 && r.Code != 229 {
		return r.write(f.s.Client)
	}

	port, err := passivePort(r)
	if err != nil {
		f.log.Warn("unusable passive reply", "error", err)
		return f.reply(425, "Cannot open data connection")
	}
	serverIP := addrIP(f.s.Server.RemoteAddr())
	dctx, cancel := context.WithTimeout(ctx, f.s.dataTimeout())
	defer cancel()
	var d net.Dialer
	sconn, err := d.DialContext(dctx, "tcp", netip.AddrPortFrom(serverIP, port).String())
	if err != nil {
		f.log.Warn("server data connection failed", "error", err)
		return f.reply(425, "Cannot open data connection")
	}

	localIP := addrIP(f.s.Client.LocalAddr())
	if !extended && !localIP.Is4() {
		sconn.Close()
		return f.reply(425, "PASV needs IPv4; use EPSV")
	}
	listen := f.s.DataListen
	if listen == nil {
		listen = net.Listen
	}
	ln, err := listen("tcp", netip.AddrPortFrom(localIP, 0).String())
	if err != nil {
		sconn.Close()
		f.log.Warn("client data listener failed", "error", err)
		return f.reply(425, "Cannot open data connection")
	}
	f.data = &dataChannel{ln: ln, server: sconn}

	lport := uint16(ln.Addr().(*net.TCPAddr).Port)
	if extended {
		return f.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", lport))
	}
	ip := localIP.As4()
	return f.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], lport>>8, lport&0xff))
}

func addrIP(a net.Addr) netip.Addr {
	if ta, ok := a.(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(ta.IP); ok {
			return ip.Unmap()
		}
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func (f *ftpConn) closeData() {
	if f.data != nil {
		f.data.close()
		f.data = nil
	}
}

// transfer runs one data-carrying command. download is true when data flows
// from the server to the client.
func (f *ftpConn) transfer(ctx context.Context, verb, line string, download bool) error {
	dc := f.data
	f.data = nil
	if dc == nil {
		return f.reply(425, "Use PASV or EPSV first")
	}
	defer dc.close()

	if err := writeLine(f.s.Server, line); err != nil {
		return err
	}
	r, err := readReply(f.sbr)
	if err != nil {
		return err
	}
	if err := r.write(f.s.Client); err != nil {
		return err
	}
	if r.Code/100 != 1 {
		return nil
	}

	cconn, err := acceptWithin(ctx, dc.ln, f.s.dataTimeout())
	if err != nil {
		f.log.Warn("client data connection not established", "error", err)
		resetConn(dc.server)
		if _, err := readReply(f.sbr); err != nil {
			return err
		}
		return f.reply(425, "Data connection not established")
	}
	defer cconn.Close()

	if err := f.p.Transition(pipeline.StateBodyTransfer); err != nil {
		return err
	}
	src, dst := net.Conn(cconn), dc.server
	if download {
		src, dst = dc.server, cconn
	}
	st := f.p.Stack(pipeline.Request, verb)
	if st == nil {
		st = f.p.Stack(pipeline.Response, verb)
	}

	var cerr error
	if st != nil {
		cerr = st.Run(ctx, dst, src)
	} else {
		_, cerr = io.Copy(dst, src)
	}
	if cerr != nil {
		resetConn(cconn)
		resetConn(dc.server)
	} else {
		dst.Close()
		src.Close()
	}

	final, err := readReply(f.sbr)
	if err != nil {
		return err
	}
	if err := f.p.Transition(pipeline.StateHeaderExchange); err != nil {
		return err
	}

	switch {
	case cerr == nil:
		return final.write(f.s.Client)
	case isStackFailure(cerr):
		f.s.stackFailed(cerr)
		return f.reply(451, "Transfer aborted: "+rejectReason(cerr, "content filter failed"))
	default:
		f.log.Warn("data transfer failed", "verb", verb, "error", cerr)
		return f.reply(426, "Connection closed; transfer aborted")
	}
}

// acceptWithin accepts one connection or gives up after d.
func acceptWithin(ctx context.Context, ln net.Listener, d time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return conn, err
}
