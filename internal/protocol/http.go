package protocol

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"grimm.is/bastion/internal/brand"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/pipeline"
)

// HTTP relays HTTP/1.x. Headers are forwarded in message order after the
// header hooks ran; bodies are re-framed only when a content stack
// rewrites them.
type HTTP struct{}

func (HTTP) Serve(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	stop := closeOnDone(ctx, s.Client, s.Server)
	defer stop()

	h := &httpConn{
		s:           s,
		p:           s.Pipeline,
		log:         s.logger(),
		cbr:         bufio.NewReader(s.Client),
		sbr:         bufio.NewReader(s.Server),
		scheme:      "http",
		transparent: true,
		requireHost: true,
	}
	if _, ok := s.Client.(*tls.Conn); ok {
		h.scheme = "https"
	}
	if s.Service != nil && s.Service.Config != nil {
		h.transparent = s.Service.Config.IsTransparent()
		h.requireHost = s.Service.Config.RequiresHost()
		h.keepPersistent = s.Service.Config.KeepPersistent
	}

	for n := 0; ; n++ {
		more, err := h.exchange(ctx, n)
		if err != nil || !more {
			return err
		}
		if err := h.p.Transition(pipeline.StateHeaderExchange); err != nil {
			return err
		}
	}
}

type httpConn struct {
	s   *Session
	p   *pipeline.Pipeline
	log *logging.Logger

	cbr, sbr *bufio.Reader

	scheme         string
	transparent    bool
	requireHost    bool
	keepPersistent bool
}

// exchange relays one request and its response. It reports whether the
// connection stays open for another request.
func (h *httpConn) exchange(ctx context.Context, n int) (bool, error) {
	first, reqHeaders, err := readHead(h.cbr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, h.malformed(http.StatusBadRequest, err)
	}
	req, err := parseRequestLine(first)
	if err != nil {
		return false, h.malformed(http.StatusBadRequest, err)
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		if n > 0 || h.s.Target == nil || !h.s.Target.Tunnel {
			return false, h.malformed(http.StatusMethodNotAllowed,
				protocolError("CONNECT is only accepted as the first request on a proxy connection"))
		}
		if err := h.p.CheckVerb(ctx, req.Method, req.Target); err != nil {
			return false, h.reject(err)
		}
		return false, h.tunnel(ctx)
	}
	if err := h.p.CheckVerb(ctx, req.Method, h.effectiveURL(req.Target, reqHeaders)); err != nil {
		return false, h.reject(err)
	}

	reqHeaders, err = h.p.ApplyHeaders(ctx, pipeline.Request, reqHeaders)
	if err != nil {
		return false, h.reject(err)
	}

	if !h.transparent {
		same, err := h.proxyRequest(&req, &reqHeaders)
		if err != nil {
			return false, h.malformed(http.StatusBadRequest, err)
		}
		if !same {
			return false, nil
		}
	}
	if _, ok := getHeader(reqHeaders, "Host"); !ok {
		if u, err := url.Parse(req.Target); err == nil && u.Host != "" {
			reqHeaders = append(reqHeaders, pipeline.Header{Name: "Host", Value: u.Host})
		} else if h.requireHost {
			return false, h.malformed(http.StatusBadRequest, protocolError("missing Host header"))
		}
	}

	clientKeep := keepAlive(req.Proto, reqHeaders)
	upgrade := hasToken(reqHeaders, "Connection", "upgrade")
	if hasToken(reqHeaders, "Expect", "100-continue") {
		reqHeaders = delHeader(reqHeaders, "Expect")
		if is11(req.Proto) {
			if _, err := io.WriteString(h.s.Client, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return false, err
			}
		}
	}

	in, err := requestFraming(reqHeaders)
	if err != nil {
		return false, h.malformed(http.StatusBadRequest, err)
	}
	out := in
	st := h.p.Stack(pipeline.Request, req.Method)
	if st != nil && in.kind != bodyNone {
		out = framing{kind: bodyChunked}
		reqHeaders = setHeader(delHeader(reqHeaders, "Content-Length"), "Transfer-Encoding", "chunked")
	} else {
		st = nil
	}
	if !h.keepPersistent && !upgrade {
		reqHeaders = setHeader(reqHeaders, "Connection", "close")
	}

	if err := writeHead(h.s.Server, req.String(), reqHeaders); err != nil {
		return false, err
	}
	if err := h.p.Transition(pipeline.StateBodyTransfer); err != nil {
		return false, err
	}
	if err := relayBody(ctx, h.s.Server, h.cbr, in, out, st); err != nil {
		if isStackFailure(err) {
			h.s.stackFailed(err)
			h.page(http.StatusBadGateway, "The request body was refused by a content filter.")
		}
		return false, h.p.Close(err)
	}
	if err := h.p.Transition(pipeline.StateHeaderExchange); err != nil {
		return false, err
	}

	status, respHeaders, err := h.readResponseHead()
	if err != nil {
		return false, err
	}
	respHeaders, err = h.p.ApplyHeaders(ctx, pipeline.Response, respHeaders)
	if err != nil {
		return false, h.reject(err)
	}

	if status.Code == http.StatusSwitchingProtocols {
		if err := writeHead(h.s.Client, status.String(), respHeaders); err != nil {
			return false, err
		}
		if err := h.p.Transition(pipeline.StateBodyTransfer); err != nil {
			return false, err
		}
		return false, relayBoth(ctx, h.s.Client, h.cbr, h.s.Server, h.sbr)
	}

	rin, err := responseFraming(req.Method, status.Code, respHeaders)
	if err != nil {
		h.page(http.StatusBadGateway, "The server sent an invalid response.")
		return false, err
	}
	rout := rin
	rst := h.p.Stack(pipeline.Response, req.Method)
	if rst == nil || rin.kind == bodyNone {
		rst = nil
		if rin.kind == bodyChunked && !is11(req.Proto) {
			rout = framing{kind: bodyClose}
			respHeaders = delHeader(respHeaders, "Transfer-Encoding")
		}
	} else if is11(req.Proto) {
		rout = framing{kind: bodyChunked}
		respHeaders = setHeader(delHeader(respHeaders, "Content-Length"), "Transfer-Encoding", "chunked")
	} else {
		rout = framing{kind: bodyClose}
		respHeaders = delHeader(delHeader(respHeaders, "Content-Length"), "Transfer-Encoding")
	}

	keep := h.keepPersistent && clientKeep && keepAlive(status.Proto, respHeaders) && rout.kind != bodyClose
	switch {
	case !keep:
		respHeaders = setHeader(respHeaders, "Connection", "close")
	case !is11(req.Proto):
		respHeaders = setHeader(respHeaders, "Connection", "keep-alive")
	}

	if err := writeHead(h.s.Client, status.String(), respHeaders); err != nil {
		return false, err
	}
	if err := h.p.Transition(pipeline.StateBodyTransfer); err != nil {
		return false, err
	}
	if err := relayBody(ctx, h.s.Client, h.sbr, rin, rout, rst); err != nil {
		if isStackFailure(err) {
			h.s.stackFailed(err)
		}
		if rout.kind == bodyClose {
			// an orderly close would end a close-delimited body cleanly
			resetConn(h.s.Client)
		}
		return false, h.p.Close(err)
	}
	return keep, nil
}

// effectiveURL is the absolute URL a request addresses; verb hooks see
// this rather than the raw request target.
func (h *httpConn) effectiveURL(target string, headers []pipeline.Header) string {
	if !strings.HasPrefix(target, "/") {
		return target
	}
	host, ok := getHeader(headers, "Host")
	if !ok || host == "" {
		return target
	}
	return h.scheme + "://" + host + target
}

// readResponseHead skips 100 Continue (already answered), forwards other
// interim responses, and returns the final status.
func (h *httpConn) readResponseHead() (statusLine, []pipeline.Header, error) {
	for {
		first, headers, err := readHead(h.sbr)
		if err != nil {
			h.page(http.StatusBadGateway, "The server closed the connection or sent an invalid response.")
			return statusLine{}, nil, err
		}
		status, err := parseStatusLine(first)
		if err != nil {
			h.page(http.StatusBadGateway, "The server sent an invalid response.")
			return statusLine{}, nil, err
		}
		switch {
		case status.Code == http.StatusContinue:
			continue
		case status.Code/100 == 1 && status.Code != http.StatusSwitchingProtocols:
			if err := writeHead(h.s.Client, status.String(), headers); err != nil {
				return statusLine{}, nil, err
			}
			continue
		}
		return status, headers, nil
	}
}

// proxyRequest turns an explicit-proxy request into an origin-form request
// for the routed server. It reports false when the request names another
// server than the one this connection was routed to.
func (h *httpConn) proxyRequest(req *requestLine, headers *[]pipeline.Header) (bool, error) {
	*headers = delHeader(*headers, "Proxy-Connection")

	authority, _ := getHeader(*headers, "Host")
	if !strings.HasPrefix(req.Target, "/") && req.Target != "*" {
		u, err := url.Parse(req.Target)
		if err != nil || u.Host == "" {
			return false, protocolError("invalid request target %q", req.Target)
		}
		if !strings.EqualFold(u.Scheme, "http") {
			return false, protocolError("unsupported scheme %q", u.Scheme)
		}
		authority = u.Host
		req.Target = u.RequestURI()
		if _, ok := getHeader(*headers, "Host"); !ok {
			*headers = append(*headers, pipeline.Header{Name: "Host", Value: u.Host})
		}
	}
	if authority == "" || h.s.Target == nil {
		return true, nil
	}

	host, port := authority, "80"
	if hh, pp, err := net.SplitHostPort(authority); err == nil {
		host, port = hh, pp
	}
	host = strings.Trim(host, "[]")
	if !strings.EqualFold(host, h.s.Target.Host) || port != strconv.Itoa(int(h.s.Target.Primary().Port())) {
		h.log.Info("request names another server; closing proxy connection",
			"authority", authority, "routed", h.s.Target.Host)
		return false, nil
	}
	return true, nil
}

func (h *httpConn) tunnel(ctx context.Context) error {
	if _, err := io.WriteString(h.s.Client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return err
	}
	if err := h.p.Transition(pipeline.StateBodyTransfer); err != nil {
		return err
	}
	return relayBoth(ctx, h.s.Client, h.cbr, h.s.Server, h.sbr)
}

// reject answers a policy rejection with the hook's error text.
func (h *httpConn) reject(err error) error {
	h.page(http.StatusForbidden, rejectReason(err, "The request was denied by the local policy."))
	return err
}

func (h *httpConn) malformed(code int, err error) error {
	if errors.Is(err, ErrProtocol) || errors.Is(err, errHeaderTooLarge) {
		h.page(code, err.Error())
		return h.p.Close(err)
	}
	return err
}

const errorPage = `<!DOCTYPE html>
<html><head><title>%[1]d %[2]s</title></head>
<body><h1>%[1]d %[2]s</h1>
<p>%[3]s</p>
<hr><address>%[4]s</address></body></html>
`

// page sends a complete error response and marks the connection for
// closing. Write errors are ignored; the connection is closed anyway.
func (h *httpConn) page(code int, reason string) {
	body := fmt.Sprintf(errorPage, code, http.StatusText(code), html.EscapeString(reason), brand.Name)
	headers := []pipeline.Header{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Connection", Value: "close"},
	}
	status := fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
	if err := writeHead(h.s.Client, status, headers); err == nil {
		io.WriteString(h.s.Client, body)
	}
}

// relayBody copies one message body from br (framed as in) to dst (framed
// as out), through st when set. On failure a chunked body is left
// unterminated so the receiver cannot mistake it for a complete message; a
// close-delimited body needs the caller to reset the connection.
func relayBody(ctx context.Context, dst io.Writer, br *bufio.Reader, in, out framing, st *pipeline.Stack) error {
	if in.kind == bodyNone {
		return nil
	}
	src := bodyReader(br, in)

	w := dst
	var cb *chunkedBody
	if out.kind == bodyChunked {
		cb = newChunkedBody(dst)
		w = cb
	}

	var err error
	if st != nil {
		if err = st.Run(ctx, w, src); err == nil {
			// the filter may exit without reading all of its input
			_, err = io.Copy(io.Discard, src)
		}
	} else {
		_, err = io.Copy(w, src)
	}
	if err != nil {
		return err
	}
	if in.kind == bodyChunked {
		if err := discardTrailer(br); err != nil {
			return err
		}
	}
	if cb != nil {
		return cb.finish()
	}
	return nil
}

func keepAlive(proto string, headers []pipeline.Header) bool {
	if hasToken(headers, "Connection", "close") {
		return false
	}
	if is11(proto) {
		return true
	}
	return hasToken(headers, "Connection", "keep-alive") || hasToken(headers, "Proxy-Connection", "keep-alive")
}

func isStackFailure(err error) bool {
	var pe *pipeline.Error
	return errors.As(err, &pe) && pe.Kind == pipeline.KindPipeline && pe.Op == "stack"
}
