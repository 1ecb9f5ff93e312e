//go:build !linux

package wsconn

import "net"

// tuneTCP is a no-op on non-Linux platforms; the socket options in
// netpoll_linux.go have no portable equivalent worth reaching for here.
func tuneTCP(conn net.Conn) {}
