//go:build !linux

package batchwriter

import "net"

// NewBatchSender on non-Linux platforms has no sendmmsg equivalent to reach for, so it returns
// the plain one-at-a-time UDPSender. isIPv6 is accepted only so callers can stay
// platform-agnostic; it has no effect here.
func NewBatchSender(conn *net.UDPConn, isIPv6 bool) Sender {
	return NewUDPSender(conn)
}
