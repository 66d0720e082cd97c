package flowcontrol

import (
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// baseFlowController is shared by the connection- and stream-level controllers: both
// track a send window (bounded by the peer's advertised max) and an auto-tuned receive
// window (bounded by a local ceiling).
type baseFlowController struct {
	mutex sync.Mutex

	rttStats *utils.RTTStats

	bytesSent  protocol.ByteCount
	sendWindow protocol.ByteCount

	lastBlockedAt protocol.ByteCount

	lastWindowUpdateTime time.Time

	bytesRead                 protocol.ByteCount
	highestReceived           protocol.ByteCount
	receiveWindow             protocol.ByteCount
	receiveWindowIncrement    protocol.ByteCount
	maxReceiveWindowIncrement protocol.ByteCount

	allowWindowIncrease func(size protocol.ByteCount) bool
}

func (c *baseFlowController) AddBytesSent(n protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bytesSent += n
}

func (c *baseFlowController) UpdateSendWindow(offset protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if offset > c.sendWindow {
		c.sendWindow = offset
	}
}

func (c *baseFlowController) sendWindowSize() protocol.ByteCount {
	// happens when data is written before the peer's transport parameters arrive
	if c.bytesSent > c.sendWindow {
		return 0
	}
	return c.sendWindow - c.bytesSent
}

func (c *baseFlowController) SendWindowSize() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sendWindowSize()
}

// isNewlyBlocked reports whether the controller became blocked since the last call
// with a different sendWindow value, used to decide whether a DATA_BLOCKED /
// STREAM_DATA_BLOCKED frame is worth sending again.
func (c *baseFlowController) isNewlyBlocked() (bool, protocol.ByteCount) {
	if c.sendWindowSize() != 0 {
		return false, 0
	}
	if c.sendWindow == c.lastBlockedAt {
		return false, 0
	}
	c.lastBlockedAt = c.sendWindow
	return true, c.sendWindow
}

func (c *baseFlowController) IsNewlyBlocked() (bool, protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isNewlyBlocked()
}

func (c *baseFlowController) addBytesRead(n protocol.ByteCount) {
	if c.bytesRead == 0 {
		// pretend a window update was just sent, so auto-tuning has a baseline for the
		// very first real update
		c.lastWindowUpdateTime = time.Now()
	}
	c.bytesRead += n
}

func (c *baseFlowController) updateHighestReceived(offset protocol.ByteCount) (protocol.ByteCount, error) {
	if offset == c.highestReceived {
		return 0, nil
	}
	if offset < c.highestReceived {
		// reordered STREAM frames can report a smaller offset than already seen; this is
		// not an error unless it contradicts a final size already fixed by the caller
		return 0, nil
	}
	increment := offset - c.highestReceived
	c.highestReceived = offset
	return increment, nil
}

func (c *baseFlowController) checkFlowControlViolation() bool {
	return c.highestReceived > c.receiveWindow
}

// maybeAdjustWindowIncrement doubles the receive window increment (up to the local
// ceiling) if window updates are happening more often than roughly every 2 RTTs,
// meaning the peer is flow-control-limited by an increment too small for its rate.
func (c *baseFlowController) maybeAdjustWindowIncrement() {
	if c.lastWindowUpdateTime.IsZero() {
		return
	}
	rtt := c.rttStats.SmoothedRTT()
	if rtt == 0 {
		return
	}
	if time.Since(c.lastWindowUpdateTime) >= 2*rtt {
		return
	}
	newIncrement := utils.MinByteCount(2*c.receiveWindowIncrement, c.maxReceiveWindowIncrement)
	if c.allowWindowIncrease != nil && !c.allowWindowIncrease(newIncrement) {
		return
	}
	c.receiveWindowIncrement = newIncrement
}

func (c *baseFlowController) getWindowUpdate() protocol.ByteCount {
	bytesRemaining := c.receiveWindow - c.bytesRead
	threshold := protocol.ByteCount(float64(c.receiveWindowIncrement) * (1 - protocol.WindowUpdateThreshold))
	if bytesRemaining >= threshold {
		return 0
	}
	c.maybeAdjustWindowIncrement()
	c.receiveWindow = c.bytesRead + c.receiveWindowIncrement
	c.lastWindowUpdateTime = time.Now()
	return c.receiveWindow
}

func (c *baseFlowController) ensureMinimumWindowIncrement(inc protocol.ByteCount) {
	if inc > c.receiveWindowIncrement {
		c.receiveWindowIncrement = utils.MinByteCount(inc, c.maxReceiveWindowIncrement)
		c.lastWindowUpdateTime = time.Time{} // next update always recomputes from scratch
	}
}

// ErrFlowControlViolation mirrors the transport-level error the connection engine
// raises when a peer sends more than its advertised limit permits (§7 FLOW_CONTROL_ERROR).
var ErrFlowControlViolation = qerr.NewTransportError(qerr.FlowControlError, "received more data than allowed")
