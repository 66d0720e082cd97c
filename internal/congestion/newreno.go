package congestion

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// renoSender is a byte-counted TCP NewReno congestion controller: exponential growth during
// slow start, additive increase in congestion avoidance, and a multiplicative window cutback
// on loss (RFC 9002 Section 7).
type renoSender struct {
	rttStats *utils.RTTStats

	congestionWindow    protocol.ByteCount
	slowStartThreshold  protocol.ByteCount
	minCongestionWindow protocol.ByteCount
	maxCongestionWindow protocol.ByteCount

	largestSentPacketNumber       protocol.PacketNumber
	largestAckedPacketNumber      protocol.PacketNumber
	largestSentAtLastCutback      protocol.PacketNumber

	// bytesAckedSinceCutback accumulates acked bytes toward the next one-MSS-per-RTT increase
	// while in congestion avoidance.
	bytesAckedSinceCutback protocol.ByteCount
}

func newRenoSender(rttStats *utils.RTTStats) *renoSender {
	return &renoSender{
		rttStats:             rttStats,
		congestionWindow:     protocol.InitialCongestionWindow,
		slowStartThreshold:   protocol.DefaultMaxCongestionWindow,
		minCongestionWindow:  protocol.MinCongestionWindow,
		maxCongestionWindow:  protocol.DefaultMaxCongestionWindow,
		largestSentPacketNumber:  protocol.InvalidPacketNumber,
		largestAckedPacketNumber: protocol.InvalidPacketNumber,
		largestSentAtLastCutback: protocol.InvalidPacketNumber,
	}
}

func (r *renoSender) TimeUntilSend(bytesInFlight protocol.ByteCount) time.Duration {
	if r.CanSend(bytesInFlight) {
		return 0
	}
	return utils.MaxDuration(r.rttStats.SmoothedRTT()/4, protocol.MinPacingDelay)
}

func (r *renoSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < r.GetCongestionWindow()
}

func (r *renoSender) MaybeExitSlowStart() {}

func (r *renoSender) OnPacketSent(_ time.Time, _ protocol.ByteCount, packetNumber protocol.PacketNumber, _ protocol.ByteCount, isAckEliciting bool) {
	if !isAckEliciting {
		return
	}
	r.largestSentPacketNumber = packetNumber
}

func (r *renoSender) InRecovery() bool {
	return r.largestSentAtLastCutback != protocol.InvalidPacketNumber &&
		r.largestAckedPacketNumber <= r.largestSentAtLastCutback
}

func (r *renoSender) InSlowStart() bool {
	return r.congestionWindow < r.slowStartThreshold
}

func (r *renoSender) GetCongestionWindow() protocol.ByteCount {
	return r.congestionWindow
}

func (r *renoSender) BandwidthEstimate() Bandwidth {
	rtt := r.rttStats.SmoothedRTT()
	if rtt <= 0 {
		return 0
	}
	bytesPerSecond := uint64(r.congestionWindow) * uint64(time.Second) / uint64(rtt)
	return Bandwidth(bytesPerSecond) * BytesPerSecond
}

func (r *renoSender) OnPacketAcked(packetNumber protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, _ time.Time) {
	if packetNumber > r.largestAckedPacketNumber {
		r.largestAckedPacketNumber = packetNumber
	}
	if r.InRecovery() {
		// packets sent before the last cutback acking out doesn't grow the window; it's just
		// draining what was already in flight when the loss was detected.
		return
	}
	if !r.isCwndLimited(priorInFlight) {
		return
	}
	if r.congestionWindow >= r.maxCongestionWindow {
		return
	}
	if r.InSlowStart() {
		r.congestionWindow += ackedBytes
		return
	}
	// congestion avoidance: grow by one MSS per congestion window worth of acked bytes.
	r.bytesAckedSinceCutback += ackedBytes
	if r.bytesAckedSinceCutback >= r.congestionWindow {
		r.bytesAckedSinceCutback -= r.congestionWindow
		r.congestionWindow += protocol.DefaultMaxPacketSize
	}
}

func (r *renoSender) isCwndLimited(bytesInFlight protocol.ByteCount) bool {
	if bytesInFlight >= r.congestionWindow {
		return true
	}
	available := r.congestionWindow - bytesInFlight
	slowStartLimited := r.InSlowStart() && bytesInFlight > r.congestionWindow/2
	return slowStartLimited || available <= protocol.DefaultMaxPacketSize
}

func (r *renoSender) OnCongestionEvent(_ protocol.ByteCount, _ protocol.ByteCount, largestLost protocol.PacketNumber) {
	// RFC 6582: treat losses among packets already sent at the time of the last cutback as
	// part of the same loss event, since they were already accounted for.
	if largestLost <= r.largestSentAtLastCutback {
		return
	}
	r.largestSentAtLastCutback = r.largestSentPacketNumber
	r.bytesAckedSinceCutback = 0
	r.congestionWindow = r.congestionWindow / 2
	if r.congestionWindow < r.minCongestionWindow {
		r.congestionWindow = r.minCongestionWindow
	}
	r.slowStartThreshold = r.congestionWindow
}

func (r *renoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	r.congestionWindow = r.minCongestionWindow
	r.slowStartThreshold = r.congestionWindow / 2
	r.bytesAckedSinceCutback = 0
}
