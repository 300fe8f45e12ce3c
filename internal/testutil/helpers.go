// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grimm.is/bastion/internal/pki"
)

// RequireNetAdmin skips the test unless BASTION_NET_TEST is set. Tests that
// need CAP_NET_ADMIN (transparent sockets, original-destination lookups)
// only run in the privileged environment.
func RequireNetAdmin(t *testing.T) {
	t.Helper()
	if os.Getenv("BASTION_NET_TEST") == "" {
		t.Skip("Skipping test: requires BASTION_NET_TEST environment")
	}
}

// LabPolicyFile writes the interception lab policy into a temporary
// directory, together with the CA, keypair and trust directories it names,
// and returns its path.
func LabPolicyFile(t *testing.T) string {
	t.Helper()

	src, err := os.ReadFile(filepath.Join(moduleRoot(t), "internal", "config", "testdata", "lab.hcl"))
	if err != nil {
		t.Fatalf("read lab policy: %v", err)
	}

	dir := t.TempDir()
	kb := filepath.Join(dir, "keybridge")
	for _, name := range []string{"TrustedCA", "UnTrustedCA"} {
		writeCA(t, name, filepath.Join(kb, name+".cert.pem"), filepath.Join(kb, name+".key.pem"))
	}
	snakeCert := filepath.Join(dir, "snakeoil.pem")
	snakeKey := filepath.Join(dir, "snakeoil.key")
	writeCA(t, "snakeoil", snakeCert, snakeKey)

	certs := filepath.Join(dir, "certs")
	if err := os.MkdirAll(certs, 0o755); err != nil {
		t.Fatal(err)
	}

	rep := strings.NewReplacer(
		"/etc/ssl/certs/ssl-cert-snakeoil.pem", snakeCert,
		"/etc/ssl/private/ssl-cert-snakeoil.key", snakeKey,
		"/etc/bastion/keybridge", kb,
		"/var/lib/bastion/keybridge-cache", filepath.Join(dir, "cache"),
		"/etc/bastion/certs", certs,
		"/etc/ssl/certs", certs,
	)
	path := filepath.Join(dir, "policy.hcl")
	if err := os.WriteFile(path, []byte(rep.Replace(string(src))), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeCA(t *testing.T, cn, certFile, keyFile string) {
	t.Helper()
	ca, err := pki.GenerateCA(cn, 365*24*time.Hour, nil)
	if err != nil {
		t.Fatalf("generate %s: %v", cn, err)
	}
	if err := ca.Write(certFile, keyFile); err != nil {
		t.Fatalf("write %s: %v", cn, err)
	}
}

// moduleRoot walks up from the working directory to the directory holding
// go.mod.
func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found")
		}
		dir = parent
	}
}

// TCPPipe returns both ends of a loopback TCP connection. Unlike net.Pipe,
// writes are buffered by the kernel, so protocol exchanges need no reader
// goroutine per write.
func TCPPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
