//go:build !unix

// ABOUTME: Fallback listener control for platforms without x/sys/unix
// ABOUTME: Binds without SO_REUSEADDR and relies on the runtime for SO_BROADCAST
package discovery

import (
	"net"
	"syscall"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

func enableBroadcast(conn *net.UDPConn) error {
	return nil
}
