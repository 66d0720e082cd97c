package quic

import (
	"math/bits"
	"net"

	"github.com/frostgate-labs/qtransport/internal/utils"
)

// packetHandler is implemented by anything the transport's packet-handler map can route a
// datagram to once it's been demultiplexed by connection ID: a live connection engine, or one
// of the two stand-ins below once the connection has closed.
type packetHandler interface {
	handlePacket(data []byte, remoteAddr net.Addr)
	destroy(error)
}

// closedLocalConn answers packets that keep arriving for a connection we closed: RFC 9000
// Section 10.2.1 says to keep retransmitting the CONNECTION_CLOSE packet in response, but with
// an exponential backoff so a confused (or hostile) peer can't make us busy-loop.
type closedLocalConn struct {
	counter uint32

	closePacket []byte
	sendPacket  func(net.Addr, []byte)

	logger utils.Logger
}

var _ packetHandler = &closedLocalConn{}

func newClosedLocalConn(closePacket []byte, sendPacket func(net.Addr, []byte), logger utils.Logger) *closedLocalConn {
	return &closedLocalConn{closePacket: closePacket, sendPacket: sendPacket, logger: logger}
}

func (c *closedLocalConn) handlePacket(_ []byte, remoteAddr net.Addr) {
	c.counter++
	// only retransmit for the 1st, 2nd, 4th, 8th, 16th, ... packet that arrives
	if bits.OnesCount32(c.counter) != 1 {
		return
	}
	if c.logger.Debug() {
		c.logger.Debugf("retransmitting CONNECTION_CLOSE after receiving packet #%d for a closed connection", c.counter)
	}
	c.sendPacket(remoteAddr, c.closePacket)
}

func (c *closedLocalConn) destroy(error) {}

// closedRemoteConn absorbs packets reordered ahead of the CONNECTION_CLOSE that closed this
// connection from the peer's side: RFC 9000 says nothing needs to be sent back, so this just
// drops them.
type closedRemoteConn struct{}

var _ packetHandler = &closedRemoteConn{}

func newClosedRemoteConn() *closedRemoteConn { return &closedRemoteConn{} }

func (c *closedRemoteConn) handlePacket([]byte, net.Addr) {}
func (c *closedRemoteConn) destroy(error)                 {}
