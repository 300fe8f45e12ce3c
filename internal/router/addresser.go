package router

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"grimm.is/bastion/internal/config"
)

// AddresserFor returns the preamble parser for a proxy kind. Only HTTP and
// FTP carry a destination in-band.
func AddresserFor(proxy, greeting string) (Addresser, error) {
	switch proxy {
	case config.ProxyHTTP:
		return HTTPAddresser{}, nil
	case config.ProxyFTP:
		return FTPAddresser{Greeting: greeting}, nil
	}
	return nil, fmt.Errorf("inband routing is not available for %s", proxy)
}

// HTTPAddresser reads an explicit-proxy request: CONNECT host:port, an
// absolute-form URI, or failing that the Host header.
type HTTPAddresser struct{}

func (HTTPAddresser) Address(_ context.Context, _ io.Writer, r *bufio.Reader) (*Destination, error) {
	var raw []byte

	line, b, err := readLine(r)
	raw = append(raw, b...)
	// tolerate leading empty lines before the request line
	for err == nil && line == "" {
		line, b, err = readLine(r)
		raw = append(raw, b...)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request line: %w", err)
	}

	method, target, ok := parseRequestLine(line)
	if !ok {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	// the header block is consumed so CONNECT can be answered and the
	// request can be replayed as a whole
	var hostHeader string
	for {
		hline, b, err := readLine(r)
		raw = append(raw, b...)
		if err != nil {
			return nil, fmt.Errorf("reading headers: %w", err)
		}
		if hline == "" {
			break
		}
		name, value, found := strings.Cut(hline, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "Host") && hostHeader == "" {
			hostHeader = strings.TrimSpace(value)
		}
	}

	if strings.EqualFold(method, "CONNECT") {
		host, port, err := splitHostPort(target, 443)
		if err != nil {
			return nil, fmt.Errorf("CONNECT target %q: %w", target, err)
		}
		return &Destination{Host: host, Port: port, Replay: raw, Tunnel: true}, nil
	}

	if strings.HasPrefix(target, "/") || target == "*" {
		if hostHeader == "" {
			return nil, fmt.Errorf("origin-form request %q without Host header", target)
		}
		host, port, err := splitHostPort(hostHeader, 80)
		if err != nil {
			return nil, fmt.Errorf("host header %q: %w", hostHeader, err)
		}
		return &Destination{Host: host, Port: port, Replay: raw}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("request target %q: %w", target, err)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host, port, err := splitHostPort(u.Host, 80)
	if err != nil {
		return nil, fmt.Errorf("request target %q: %w", target, err)
	}
	return &Destination{Host: host, Port: port, Replay: raw}, nil
}

func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// FTPAddresser greets the client and waits for USER user@host[:port]. The
// USER command is replayed to the server with the host part removed.
type FTPAddresser struct {
	Greeting string
}

func (a FTPAddresser) Address(_ context.Context, w io.Writer, r *bufio.Reader) (*Destination, error) {
	greeting := a.Greeting
	if greeting == "" {
		greeting = "FTP proxy ready; log in as user@host"
	}
	if _, err := fmt.Fprintf(w, "220 %s\r\n", greeting); err != nil {
		return nil, fmt.Errorf("sending greeting: %w", err)
	}

	for {
		line, _, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("reading command: %w", err)
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "USER":
			at := strings.LastIndexByte(arg, '@')
			if at <= 0 {
				fmt.Fprintf(w, "530 Login as user@host\r\n")
				continue
			}
			user := arg[:at]
			host, port, err := splitHostPort(strings.TrimSpace(arg[at+1:]), 21)
			if err != nil {
				fmt.Fprintf(w, "501 Invalid host in user name\r\n")
				return nil, fmt.Errorf("USER %q: %w", arg, err)
			}
			return &Destination{
				Host:    host,
				Port:    port,
				Replay:  []byte("USER " + user + "\r\n"),
				Greeted: true,
			}, nil
		case "QUIT":
			fmt.Fprintf(w, "221 Goodbye\r\n")
			return nil, fmt.Errorf("client quit before login")
		case "":
			continue
		default:
			fmt.Fprintf(w, "530 Please login with USER first\r\n")
		}
	}
}
