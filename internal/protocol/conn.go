package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
)

// maxLineBytes bounds a single command or header line.
const maxLineBytes = 8192

var errLineTooLong = errors.New("line too long")

// readLine reads one LF-terminated line of at most limit bytes and strips
// the CRLF. A clean EOF before any byte is returned as io.EOF.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return "", errLineTooLong
		}
		switch {
		case err == nil:
			return string(bytes.TrimRight(buf, "\r\n")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// writeLine sends s followed by CRLF.
func writeLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\r\n")
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c when it supports it and fully closes it
// otherwise.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// resetConn closes c so the peer sees a reset rather than an orderly end.
// Wrappers exposing NetConn, such as *tls.Conn, are unwrapped to reach the
// TCP socket.
func resetConn(c net.Conn) {
	for inner := c; inner != nil; {
		if tc, ok := inner.(*net.TCPConn); ok {
			tc.SetLinger(0)
			break
		}
		u, ok := inner.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		inner = u.NetConn()
	}
	c.Close()
}

// replayConn serves already-consumed client bytes before reading the
// connection again.
type replayConn struct {
	net.Conn
	r io.Reader
}

// WithReplay returns c with replay prepended to its read side.
func WithReplay(c net.Conn, replay []byte) net.Conn {
	if len(replay) == 0 {
		return c
	}
	return &replayConn{Conn: c, r: io.MultiReader(bytes.NewReader(replay), c)}
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *replayConn) NetConn() net.Conn {
	return c.Conn
}

func (c *replayConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// pump copies src to dst and half-closes dst at EOF.
func pump(dst net.Conn, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return closeWrite(dst)
}

// closeOnDone closes both legs once ctx ends so blocked reads return.
func closeOnDone(ctx context.Context, conns ...net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.Close()
		}
	})
}
