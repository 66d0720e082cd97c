//go:build linux

package batchwriter

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchPacketConn is the subset of ipv4.PacketConn and ipv6.PacketConn that BatchSender drives;
// both types satisfy it, so BatchSender doesn't care which address family the socket is.
type batchPacketConn interface {
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

// BatchSender flushes queued payloads with a single sendmmsg(2) call via the golang.org/x/net/
// ipv4 or ipv6 PacketConn, falling back to one-at-a-time sends through UDPSender if the batch
// call itself errors out (old kernel, seccomp filter blocking sendmmsg, etc). It never disables
// itself permanently the way the teacher's GSO path does for a bad peer: a sendmmsg failure is
// a kernel/socket-level condition, not something tied to one destination address.
type BatchSender struct {
	pc       batchPacketConn
	fallback *UDPSender
}

var _ Sender = &BatchSender{}

// NewBatchSender builds a BatchSender for conn. isIPv6 selects which of ipv4.NewPacketConn /
// ipv6.NewPacketConn wraps the socket; callers know this from the local address they bound.
func NewBatchSender(conn *net.UDPConn, isIPv6 bool) Sender {
	var pc batchPacketConn
	if isIPv6 {
		pc = ipv6.NewPacketConn(conn)
	} else {
		pc = ipv4.NewPacketConn(conn)
	}
	return &BatchSender{pc: pc, fallback: NewUDPSender(conn)}
}

func (s *BatchSender) SendBatch(bufs [][]byte, addr *net.UDPAddr) (int, error) {
	msgs := make([]ipv4.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = addr
	}
	n, err := s.pc.WriteBatch(msgs, 0)
	if err != nil && n == 0 {
		// sendmmsg itself isn't usable on this socket; don't keep failing every flush.
		sent, ferr := s.fallback.SendBatch(bufs, addr)
		return sent, ferr
	}
	return n, err
}
