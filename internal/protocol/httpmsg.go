package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"grimm.is/bastion/internal/pipeline"
)

const maxHeaderBytes = 64 << 10

var errHeaderTooLarge = errors.New("header block too large")

// readHead reads a start line and its header block, keeping headers in
// message order. Empty lines before the start line are skipped.
func readHead(br *bufio.Reader) (string, []pipeline.Header, error) {
	budget := maxHeaderBytes
	next := func() (string, error) {
		line, err := readLine(br, min(budget, maxLineBytes))
		if errors.Is(err, errLineTooLong) {
			return "", errHeaderTooLarge
		}
		budget -= len(line) + 2
		if budget < 0 {
			return "", errHeaderTooLarge
		}
		return line, err
	}

	first, err := next()
	for err == nil && first == "" {
		first, err = next()
	}
	if err != nil {
		return "", nil, err
	}

	var headers []pipeline.Header
	for {
		line, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", nil, err
		}
		if line == "" {
			return first, headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return "", nil, protocolError("obsolete header line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return "", nil, protocolError("malformed header line %q", line)
		}
		headers = append(headers, pipeline.Header{Name: name, Value: strings.Trim(value, " \t")})
	}
}

func writeHead(w io.Writer, first string, headers []pipeline.Header) error {
	var buf bytes.Buffer
	buf.WriteString(first)
	buf.WriteString("\r\n")
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

type requestLine struct {
	Method, Target, Proto string
}

func (r requestLine) String() string {
	return r.Method + " " + r.Target + " " + r.Proto
}

func parseRequestLine(line string) (requestLine, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return requestLine{}, protocolError("malformed request line %q", line)
	}
	if _, _, ok := http.ParseHTTPVersion(parts[2]); !ok {
		return requestLine{}, protocolError("unsupported protocol version %q", parts[2])
	}
	return requestLine{Method: parts[0], Target: parts[1], Proto: parts[2]}, nil
}

type statusLine struct {
	Proto  string
	Code   int
	Reason string
}

func (s statusLine) String() string {
	return fmt.Sprintf("%s %03d %s", s.Proto, s.Code, s.Reason)
}

func parseStatusLine(line string) (statusLine, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return statusLine{}, protocolError("malformed status line %q", line)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return statusLine{}, protocolError("unsupported protocol version %q", proto)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return statusLine{}, protocolError("malformed status code %q", codeStr)
	}
	return statusLine{Proto: proto, Code: code, Reason: reason}, nil
}

// is11 reports HTTP/1.1 or later.
func is11(proto string) bool {
	major, minor, ok := http.ParseHTTPVersion(proto)
	return ok && (major > 1 || (major == 1 && minor >= 1))
}

func getHeader(hs []pipeline.Header, name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func headerValues(hs []pipeline.Header, name string) []string {
	var out []string
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

func delHeader(hs []pipeline.Header, name string) []pipeline.Header {
	out := hs[:0]
	for _, h := range hs {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// setHeader replaces the first occurrence of name, drops the rest, and
// appends the header when absent.
func setHeader(hs []pipeline.Header, name, value string) []pipeline.Header {
	out := hs[:0]
	found := false
	for _, h := range hs {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
			continue
		}
		if !found {
			out = append(out, pipeline.Header{Name: h.Name, Value: value})
			found = true
		}
	}
	if !found {
		out = append(out, pipeline.Header{Name: name, Value: value})
	}
	return out
}

func hasToken(hs []pipeline.Header, name, token string) bool {
	return httpguts.HeaderValuesContainsToken(headerValues(hs, name), token)
}

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyLength
	bodyChunked
	bodyClose
)

type framing struct {
	kind   bodyKind
	length int64
}

func messageFraming(hs []pipeline.Header) (framing, bool, error) {
	if te := headerValues(hs, "Transfer-Encoding"); len(te) > 0 {
		tokens := strings.Split(te[len(te)-1], ",")
		if !strings.EqualFold(strings.TrimSpace(tokens[len(tokens)-1]), "chunked") {
			return framing{}, true, protocolError("unsupported transfer coding %q", strings.Join(te, ", "))
		}
		return framing{kind: bodyChunked}, true, nil
	}
	cls := headerValues(hs, "Content-Length")
	if len(cls) == 0 {
		return framing{}, false, nil
	}
	var n int64 = -1
	for _, v := range cls {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 || (n >= 0 && m != n) {
				return framing{}, true, protocolError("invalid Content-Length %q", v)
			}
			n = m
		}
	}
	if n == 0 {
		return framing{kind: bodyNone}, true, nil
	}
	return framing{kind: bodyLength, length: n}, true, nil
}

func requestFraming(hs []pipeline.Header) (framing, error) {
	f, _, err := messageFraming(hs)
	return f, err
}

func responseFraming(method string, code int, hs []pipeline.Header) (framing, error) {
	if method == http.MethodHead || code/100 == 1 || code == http.StatusNoContent || code == http.StatusNotModified {
		return framing{kind: bodyNone}, nil
	}
	f, explicit, err := messageFraming(hs)
	if err != nil || explicit {
		return f, err
	}
	return framing{kind: bodyClose}, nil
}

// bodyReader returns the decoded body of a message framed as f.
func bodyReader(br *bufio.Reader, f framing) io.Reader {
	switch f.kind {
	case bodyLength:
		return &exactReader{r: br, left: f.length}
	case bodyChunked:
		return httputil.NewChunkedReader(br)
	case bodyClose:
		return br
	}
	return strings.NewReader("")
}

// exactReader fails with io.ErrUnexpectedEOF when the peer sends fewer
// bytes than announced.
type exactReader struct {
	r    io.Reader
	left int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.left {
		p = p[:e.left]
	}
	n, err := e.r.Read(p)
	e.left -= int64(n)
	if errors.Is(err, io.EOF) && e.left > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// discardTrailer consumes the trailer section after the last chunk.
func discardTrailer(br *bufio.Reader) error {
	for {
		line, err := readLine(br, maxLineBytes)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// chunkedBody chunk-encodes a body whose length is not known up front.
type chunkedBody struct {
	w  io.Writer
	cw io.WriteCloser
}

func newChunkedBody(w io.Writer) *chunkedBody {
	return &chunkedBody{w: w, cw: httputil.NewChunkedWriter(w)}
}

func (c *chunkedBody) Write(p []byte) (int, error) {
	return c.cw.Write(p)
}

// finish writes the last chunk and an empty trailer.
func (c *chunkedBody) finish() error {
	if err := c.cw.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(c.w, "\r\n")
	return err
}
