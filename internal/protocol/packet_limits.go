package protocol

const (
	// MaxOutstandingSentPackets is the maximum number of packets tracked as outstanding (sent,
	// not yet acked or declared lost) before the sender stops sending anything but ACKs.
	MaxOutstandingSentPackets = 2000
	// MaxTrackedSentPackets is the hard ceiling on how many packets (outstanding or not yet
	// garbage-collected) the sent-packet history keeps around; above this, sending of any kind
	// halts until old entries are reclaimed.
	MaxTrackedSentPackets = 2 * MaxOutstandingSentPackets
	// MaxTrackedReceivedPackets bounds the received-packet history before ReceivedPacket starts
	// rejecting new packet numbers with a protocol error.
	MaxTrackedReceivedPackets = 3000
	// SkipPacketAveragePeriodLength is the average number of packets between packet numbers the
	// sender deliberately skips, as an optimistic-ack-attack mitigation.
	SkipPacketAveragePeriodLength PacketNumber = 500
	// MaxNumAckRanges bounds how many disjoint ACK ranges the received-packet history keeps
	// around; beyond this, the oldest (lowest) range is dropped to bound the size of outgoing
	// ACK frames and the memory used to track them.
	MaxNumAckRanges = 690
)
