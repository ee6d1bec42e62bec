//go:build !linux

package tcpinfo

import "net"

func Read(*net.TCPConn) (Stats, error) {
	return Stats{}, ErrUnsupported
}
