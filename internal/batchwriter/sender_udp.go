package batchwriter

import "net"

// UDPSender sends each payload with its own WriteToUDP call. It is the Sender used on
// platforms without a batch syscall, and the fallback sender_batch_linux.go reaches for when
// the kernel rejects a batch (GSO disabled, old kernel, sandboxed sendmmsg).
type UDPSender struct {
	conn *net.UDPConn
}

var _ Sender = &UDPSender{}

// NewUDPSender wraps conn for one-payload-at-a-time sends.
func NewUDPSender(conn *net.UDPConn) *UDPSender {
	return &UDPSender{conn: conn}
}

func (s *UDPSender) SendBatch(bufs [][]byte, addr *net.UDPAddr) (int, error) {
	for i, b := range bufs {
		if _, err := s.conn.WriteToUDP(b, addr); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}
