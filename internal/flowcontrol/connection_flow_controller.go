package flowcontrol

import (
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// connectionFlowController is the connection-wide flow controller. Its receive side tracks
// the sum of bytes read across every stream (each stream's controller forwards its reads
// here), rather than a per-offset highest-received value, since the connection has no single
// byte-offset sequence of its own.
type connectionFlowController struct {
	baseFlowController
}

// NewConnectionFlowController creates the connection-level flow controller.
func NewConnectionFlowController(
	receiveWindow, maxReceiveWindow, sendWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
) ConnectionFlowController {
	return &connectionFlowController{
		baseFlowController: baseFlowController{
			rttStats:                  rttStats,
			receiveWindow:             receiveWindow,
			receiveWindowIncrement:    receiveWindow,
			maxReceiveWindowIncrement: maxReceiveWindow,
			sendWindow:                sendWindow,
		},
	}
}

func (c *connectionFlowController) SendWindowSize() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sendWindowSize()
}

func (c *connectionFlowController) IsNewlyBlocked() (bool, protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isNewlyBlocked()
}

// AddBytesRead credits n bytes, read by some stream, against the connection window. The
// highest-received counter is advanced in lockstep since the connection has no independent
// notion of "received but not yet read" beyond the sum its streams report.
func (c *connectionFlowController) AddBytesRead(n protocol.ByteCount) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.addBytesRead(n)
	if c.highestReceived < c.bytesRead {
		c.highestReceived = c.bytesRead
	}
	if c.checkFlowControlViolation() {
		return ErrFlowControlViolation
	}
	return nil
}

func (c *connectionFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.getWindowUpdate()
}

// EnsureMinimumWindowSize raises the receive window increment to at least inc, used when a
// newly opened stream's own window is larger than the connection's current increment: the
// connection must never become the bottleneck for a stream it just agreed to accept.
func (c *connectionFlowController) EnsureMinimumWindowSize(inc protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ensureMinimumWindowIncrement(inc)
}
