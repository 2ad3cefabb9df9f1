//go:build !linux

package transport

import "net"

func pendingBytes(net.Conn) (int, error) {
	return 0, nil
}
