package flowcontrol

import (
	"fmt"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// streamFlowController is the per-stream flow controller. Besides the send/receive window
// bookkeeping in baseFlowController, it tracks the stream's connection-level counterpart so
// that bytes read on the stream are also credited to the connection window, and it knows the
// stream's final size once the sender has committed to one.
type streamFlowController struct {
	baseFlowController

	streamID protocol.StreamID

	connection ConnectionFlowController

	receivedFinalOffset bool
	finalOffset         protocol.ByteCount
}

// NewStreamFlowController creates a flow controller for one stream, with an initial send
// window of sendWindow and a receive window that starts at receiveWindow and auto-tunes up
// to maxReceiveWindow. conn is the connection-level controller that every byte read on this
// stream is also credited against.
func NewStreamFlowController(
	streamID protocol.StreamID,
	conn ConnectionFlowController,
	receiveWindow, maxReceiveWindow, sendWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
) StreamFlowController {
	return &streamFlowController{
		streamID:   streamID,
		connection: conn,
		baseFlowController: baseFlowController{
			rttStats:                  rttStats,
			receiveWindow:             receiveWindow,
			receiveWindowIncrement:    receiveWindow,
			maxReceiveWindowIncrement: maxReceiveWindow,
			sendWindow:                sendWindow,
		},
	}
}

func (c *streamFlowController) AddBytesSent(n protocol.ByteCount) {
	c.baseFlowController.AddBytesSent(n)
	c.connection.AddBytesSent(n)
}

func (c *streamFlowController) SendWindowSize() protocol.ByteCount {
	c.mutex.Lock()
	streamWindow := c.sendWindowSize()
	c.mutex.Unlock()
	return utils.MinByteCount(streamWindow, c.connection.SendWindowSize())
}

func (c *streamFlowController) IsNewlyBlocked() (bool, protocol.ByteCount) {
	c.mutex.Lock()
	blocked, offset := c.isNewlyBlocked()
	c.mutex.Unlock()
	if blocked {
		return true, offset
	}
	return false, 0
}

// UpdateHighestReceived is called whenever a STREAM frame is parsed: offset is the end of the
// data carried by the frame, final reports whether the frame carried the FIN bit. Once a final
// size has been seen, any later frame claiming a different final size or a byte beyond it is a
// protocol violation (RFC 9000 Section 4.5).
func (c *streamFlowController) UpdateHighestReceived(offset protocol.ByteCount, final bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.receivedFinalOffset {
		if final && offset != c.finalOffset {
			return fmt.Errorf("stream %d: final size changed from %d to %d", c.streamID, c.finalOffset, offset)
		}
		if offset > c.finalOffset {
			return fmt.Errorf("stream %d: received data beyond the final size (%d bytes, final size %d)", c.streamID, offset, c.finalOffset)
		}
	}
	if final {
		c.receivedFinalOffset = true
		c.finalOffset = offset
	}

	if _, err := c.updateHighestReceived(offset); err != nil {
		return err
	}
	if c.checkFlowControlViolation() {
		return ErrFlowControlViolation
	}
	return nil
}

func (c *streamFlowController) AddBytesRead(n protocol.ByteCount) error {
	c.mutex.Lock()
	c.addBytesRead(n)
	c.mutex.Unlock()
	return c.connection.AddBytesRead(n)
}

func (c *streamFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.receivedFinalOffset {
		// nothing left to read past the final size, no point raising the window further
		return 0
	}
	return c.getWindowUpdate()
}

// Abandon is called when the application no longer wants to read from the stream (e.g. it was
// reset or STOP_SENDING was issued): it flushes the connection-level window for all outstanding
// bytes, since they will never be consumed through AddBytesRead.
func (c *streamFlowController) Abandon() {
	c.mutex.Lock()
	unread := c.highestReceived - c.bytesRead
	c.mutex.Unlock()
	if unread > 0 {
		c.connection.AddBytesRead(unread)
	}
}
