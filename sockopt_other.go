//go:build !unix

package udpfetch

import "syscall"

// enableBroadcast is a no-op where the runtime already enables broadcast on
// datagram sockets.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
