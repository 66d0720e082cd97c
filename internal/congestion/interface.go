// Package congestion implements the pluggable send-rate controller named in the data model
// (the "external controller" collaborator) and the pacer that spreads a controller's window
// out over a round trip instead of releasing it in one burst.
package congestion

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// Bandwidth is a rate in bits per second.
type Bandwidth uint64

// BytesPerSecond converts a byte rate to a Bandwidth.
const BytesPerSecond Bandwidth = 8

// Controller decides how much data may be in flight and paces when it is released. The
// connection engine owns exactly one Controller per connection path; it is rebuilt, not
// reused, across a Retry (the old one referenced connection state that no longer applies).
type Controller interface {
	// TimeUntilSend returns how long to wait before the next packet may be sent, given the
	// current bytes in flight. A zero duration means "now".
	TimeUntilSend(bytesInFlight protocol.ByteCount) time.Duration
	// CanSend reports whether another packet may be sent right now without exceeding the
	// congestion window.
	CanSend(bytesInFlight protocol.ByteCount) bool
	// MaybeExitSlowStart gives the controller a chance to leave slow start outside of the
	// normal ack/loss callbacks, e.g. after an idle period invalidates the bandwidth estimate.
	MaybeExitSlowStart()
	// OnPacketSent records that a packet was sent; isAckEliciting distinguishes
	// congestion-controlled packets from ones that don't count against the window (pure ACKs).
	OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, packetNumber protocol.PacketNumber, bytes protocol.ByteCount, isAckEliciting bool)
	// OnPacketAcked updates the window in response to a newly acknowledged packet.
	OnPacketAcked(packetNumber protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, eventTime time.Time)
	// OnCongestionEvent updates the window in response to one or more packets being declared
	// lost in the same loss-detection pass.
	OnCongestionEvent(priorInFlight protocol.ByteCount, lostBytes protocol.ByteCount, largestLost protocol.PacketNumber)
	// OnRetransmissionTimeout is called when a PTO fires; packetsRetransmitted reports whether
	// this PTO actually had data to retransmit (a PTO with nothing outstanding is a no-op for
	// the controller).
	OnRetransmissionTimeout(packetsRetransmitted bool)
	// InSlowStart reports whether the controller is still in the initial exponential-growth
	// phase.
	InSlowStart() bool
	// InRecovery reports whether the controller is still reacting to the most recent loss
	// event (RFC 9002's "recovery period").
	InRecovery() bool
	// GetCongestionWindow returns the current congestion window, in bytes.
	GetCongestionWindow() protocol.ByteCount
	// BandwidthEstimate returns the controller's current estimate of available bandwidth,
	// used to size the pacer's token bucket.
	BandwidthEstimate() Bandwidth
}

// ControllerFactory builds a fresh Controller bound to rttStats. The connection engine calls
// it once per connection (and again after a Retry, since the old controller's state no
// longer applies to the new connection attempt).
type ControllerFactory func(rttStats *utils.RTTStats) Controller

// NewRenoControllerFactory is the one concrete controller this module ships.
func NewRenoControllerFactory(rttStats *utils.RTTStats) Controller {
	return newRenoSender(rttStats)
}
