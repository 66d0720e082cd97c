package ackhandler

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// receivedPacketTracker decides, for a single packet number space, when an ACK is owed and what
// it should say. It always acks the first packet it sees, then acks every second ack-eliciting
// packet after that, and immediately queues an ACK whenever a packet fills a gap that a
// previously sent ACK reported as missing.
type receivedPacketTracker struct {
	packetHistory *receivedPacketHistory

	ignoreBelow protocol.PacketNumber
	// expectNext is armed by IgnoreBelow: the next packet processed is checked against it, and a
	// mismatch is treated as an out-of-order arrival even though packetHistory has no record of
	// what, if anything, was skipped below the new floor.
	expectNext protocol.PacketNumber

	largestObserved             protocol.PacketNumber
	largestObservedReceivedTime time.Time

	ackElicitingPacketsReceivedSinceLastAck int
	ackQueued                               bool
	ackAlarm                                time.Time
	lastAck                                 *wire.AckFrame

	rttStats *utils.RTTStats
	logger   utils.Logger
}

func newReceivedPacketTracker(rttStats *utils.RTTStats, logger utils.Logger, _ protocol.Version) *receivedPacketTracker {
	return &receivedPacketTracker{
		packetHistory:   newReceivedPacketHistory(),
		largestObserved: protocol.InvalidPacketNumber,
		expectNext:      protocol.InvalidPacketNumber,
		rttStats:        rttStats,
		logger:          logger,
	}
}

// ReceivedPacket records that pn arrived at rcvTime. shouldInstigateAck says whether pn is
// ack-eliciting; non-ack-eliciting packets are recorded (for duplicate detection) but never
// influence when the next ACK is sent.
func (t *receivedPacketTracker) ReceivedPacket(pn protocol.PacketNumber, rcvTime time.Time, shouldInstigateAck bool) {
	if pn < t.ignoreBelow {
		return
	}

	expectNext := t.expectNext
	t.expectNext = protocol.InvalidPacketNumber

	if t.largestObserved == protocol.InvalidPacketNumber || pn > t.largestObserved {
		t.largestObserved = pn
		t.largestObservedReceivedTime = rcvTime
	}

	t.packetHistory.ReceivedPacket(pn)

	if !shouldInstigateAck {
		return
	}

	t.ackElicitingPacketsReceivedSinceLastAck++

	switch {
	case t.lastAck == nil:
		// always ack the first packet
		t.ackQueued = true
	case expectNext != protocol.InvalidPacketNumber && pn != expectNext:
		// arrived out of order relative to the floor IgnoreBelow just raised
		t.ackQueued = true
	case pn < t.lastAck.LargestAcked() && !t.lastAck.AcksPacket(pn):
		// fills a gap that was reported missing in the last ACK we sent
		t.ackQueued = true
	case t.ackElicitingPacketsReceivedSinceLastAck >= 2:
		t.ackQueued = true
	}

	if t.ackQueued {
		return
	}
	if t.ackAlarm.IsZero() {
		t.ackAlarm = rcvTime.Add(protocol.MaxAckDelay)
	}
}

// IgnoreBelow tells the tracker to stop caring about packet numbers below pn: they're treated as
// potentially duplicate, never missing, from now on.
func (t *receivedPacketTracker) IgnoreBelow(pn protocol.PacketNumber) {
	if pn <= t.ignoreBelow {
		return
	}
	t.ignoreBelow = pn
	t.expectNext = pn
	t.packetHistory.DeleteBelow(pn)
}

func (t *receivedPacketTracker) IsPotentiallyDuplicate(pn protocol.PacketNumber) bool {
	return t.packetHistory.IsPotentiallyDuplicate(pn)
}

// GetAlarmTimeout returns when a currently-armed ACK alarm goes off, or the zero time if none is
// armed (either nothing is owed, or an ACK is already queued for the next send opportunity).
func (t *receivedPacketTracker) GetAlarmTimeout() time.Time {
	return t.ackAlarm
}

// GetAckFrame returns the ACK we currently owe, or nil if none is due. With dequeue set, a
// returned ACK is treated as sent: the urgency flags (ackQueued, ackAlarm) are cleared, so the
// next ack-eliciting packet starts the queueing decision fresh. Without it, the call only peeks,
// but still considers anything due as long as at least one ack-eliciting packet has arrived since
// the last time an ACK (queued or peeked) was produced.
func (t *receivedPacketTracker) GetAckFrame(dequeue bool) *wire.AckFrame {
	var due bool
	if dequeue {
		due = t.ackQueued || (!t.ackAlarm.IsZero() && !t.ackAlarm.After(time.Now()))
	} else {
		due = t.ackQueued || t.ackElicitingPacketsReceivedSinceLastAck > 0
	}
	if !due {
		return nil
	}

	ackRanges := t.packetHistory.AppendAckRanges(nil)
	if len(ackRanges) == 0 {
		return nil
	}

	delay := time.Since(t.largestObservedReceivedTime)
	if delay < 0 {
		delay = 0
	}

	ack := &wire.AckFrame{
		AckRanges: ackRanges,
		DelayTime: delay,
	}
	t.lastAck = ack
	t.ackElicitingPacketsReceivedSinceLastAck = 0
	if dequeue {
		t.ackQueued = false
		t.ackAlarm = time.Time{}
	}
	return ack
}
