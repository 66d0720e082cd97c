// Package ackhandler tracks sent packets until they're acknowledged or declared lost, runs
// RFC 9002 loss detection and PTO scheduling on top of a pluggable congestion.Controller, and
// tracks received packets to decide when and what to acknowledge.
package ackhandler

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// Packet is an outgoing packet that is still tracked because it might need to be
// retransmitted or have its frames' OnAcked/OnLost callbacks fired.
type Packet struct {
	PacketNumber protocol.PacketNumber
	Frames       []*Frame
	// LargestAcked is the largest packet number acknowledged by this packet's ACK frame, or
	// protocol.InvalidPacketNumber if it didn't carry one.
	LargestAcked    protocol.PacketNumber
	Length          protocol.ByteCount
	EncryptionLevel protocol.EncryptionLevel
	SendTime        time.Time

	includedInBytesInFlight bool
	skippedPacket           bool
}

func (p *Packet) outstanding() bool { return !p.skippedPacket }

// Stats is a snapshot of the sender's loss-recovery and congestion state, for diagnostics.
type Stats struct {
	MinRTT, SmoothedRTT, LatestRTT time.Duration
	BytesInFlight                 protocol.ByteCount
	CongestionWindow              protocol.ByteCount
	InSlowStart, InRecovery       bool
}

// SentPacketHandler tracks outgoing packets, processes incoming ACKs, and drives loss
// detection and PTO scheduling.
type SentPacketHandler interface {
	// SentPacket records that packet was just sent.
	SentPacket(packet *Packet)
	ReceivedAck(ackFrame *wire.AckFrame, encLevel protocol.EncryptionLevel, recvTime time.Time) error
	ReceivedBytes(protocol.ByteCount)
	DropPackets(protocol.EncryptionLevel)
	ResetForRetry() error
	SetHandshakeConfirmed()

	// SendMode reports what, if anything, may be sent right now.
	SendMode() SendMode
	AmplificationWindow() protocol.ByteCount
	// TimeUntilSend is when the next packet may be sent, for pacing.
	TimeUntilSend() time.Time

	// QueueProbePacket requeues the first outstanding packet in encLevel's space for
	// retransmission as a PTO probe. Only valid once the handshake is complete.
	QueueProbePacket(protocol.EncryptionLevel) bool

	PeekPacketNumber(protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen)
	PopPacketNumber(protocol.EncryptionLevel) protocol.PacketNumber

	GetLossDetectionTimeout() time.Time
	OnLossDetectionTimeout() error

	GetStats() Stats
}

type sentPacketTracker interface {
	GetLowestPacketNotConfirmedAcked() protocol.PacketNumber
	ReceivedPacket(protocol.EncryptionLevel)
}

// ReceivedPacketHandler tracks incoming packets and decides when an ACK is owed.
type ReceivedPacketHandler interface {
	IsPotentiallyDuplicate(protocol.PacketNumber, protocol.EncryptionLevel) bool
	ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, rcvTime time.Time, shouldInstigateAck bool) error
	DropPackets(protocol.EncryptionLevel)

	GetAlarmTimeout() time.Time
	GetAckFrame(encLevel protocol.EncryptionLevel, dequeue bool) *wire.AckFrame
}
