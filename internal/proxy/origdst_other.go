//go:build !linux

package proxy

import (
	"errors"
	"net"
	"net/netip"
	"syscall"
)

var errNotSupported = errors.New("transparent interception needs Linux")

func originalDst(net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, errNotSupported
}

func transparentControl(string, string, syscall.RawConn) error {
	return errNotSupported
}
