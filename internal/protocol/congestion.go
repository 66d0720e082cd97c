package protocol

import "time"

const (
	// MinPacingDelay is the minimum time the pacer will ever wait between two packets, so that
	// pacing a fast sender doesn't degrade into a busy-loop of sub-millisecond timers.
	MinPacingDelay = time.Millisecond

	// InitialCongestionWindow is the senders' initial congestion window, in bytes, per RFC 9002
	// Section 7.2: min(10*max_datagram_size, max(2*max_datagram_size, 14720)).
	InitialCongestionWindow ByteCount = 10 * DefaultMaxPacketSize

	// MinCongestionWindow is the smallest congestion window the controller will ever fall back
	// to, even after repeated loss: two packets, so a sender can always get an ACK-eliciting
	// probe and its retransmission in flight.
	MinCongestionWindow ByteCount = 2 * DefaultMaxPacketSize

	// DefaultMaxCongestionWindow caps how large the congestion window can grow; chosen well
	// above what any single QUIC connection realistically needs, so it only matters as a
	// backstop against pathological bandwidth/RTT inputs.
	DefaultMaxCongestionWindow ByteCount = 10 << 20
)
