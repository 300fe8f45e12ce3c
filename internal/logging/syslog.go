package logging

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig holds remote syslog configuration.
type SyslogConfig struct {
	Host     string // Remote syslog server hostname or IP
	Port     int    // default 514
	Protocol string // udp or tcp (default: udp)
	Tag      string // default: bastion
	Facility int    // default: 1 (user)
}

// SyslogWriter implements io.Writer and ships each write as one RFC 3164
// message to a remote syslog server.
type SyslogWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	config SyslogConfig
	host   string
	dial   func(network, addr string) (net.Conn, error)
}

// NewSyslogWriter creates a new syslog writer.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "bastion"
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}

	w := &SyslogWriter{
		config: cfg,
		host:   host,
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, 5*time.Second)
		},
	}
	if err := w.connect(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) connect() error {
	addr := net.JoinHostPort(w.config.Host, fmt.Sprint(w.config.Port))
	conn, err := w.dial(w.config.Protocol, addr)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog server %s: %w", addr, err)
	}
	w.conn = conn
	return nil
}

// Write implements io.Writer.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if err := w.connect(); err != nil {
			return 0, err
		}
	}

	// severity 6 (informational); slog already carries the level in the line
	priority := w.config.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, time.Now().Format(time.Stamp),
		w.host, w.config.Tag, os.Getpid(), p)

	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.conn.Close()
		w.conn = nil
		return 0, err
	}
	return len(p), nil
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
