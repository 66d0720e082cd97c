package protocol

import "time"

// TimerGranularity is the system timer granularity assumed by loss detection and PTO computations.
const TimerGranularity = time.Millisecond

// ByteCount is used to count bytes, typically offsets into a stream or connection flow control window.
type ByteCount int64

// InvalidByteCount is used when a ByteCount is not (yet) available.
const InvalidByteCount ByteCount = -1

// MaxByteCount is the maximum value of a ByteCount.
const MaxByteCount = ByteCount(1<<62 - 1)

// StreamNum is the number of a stream, counted from 1. Stream 0 is not a valid StreamNum;
// it exists so MAX_STREAMS/STREAMS_BLOCKED, which count streams rather than identify one, have a
// natural zero value.
type StreamNum int64

// InvalidStreamNum is an out-of-range stream count.
const InvalidStreamNum StreamNum = -1

const (
	// MinInitialPacketSize is the minimum size an Initial packet is required to have, by RFC 9000.
	MinInitialPacketSize = 1200
	// DefaultMaxPacketSize is the default maximum packet size, used when the peer didn't send a
	// max_packet_size transport parameter (or sent zero).
	DefaultMaxPacketSize ByteCount = 1252
	// MaxPacketBufferSize is the upper bound on any packet this implementation will ever construct.
	MaxPacketBufferSize ByteCount = 1452
	// MinConnectionIDLenInitial is the minimum length of a connection ID chosen for an Initial packet.
	MinConnectionIDLenInitial = 8
	// MaxConnIDLen is the maximum connection ID length allowed by QUIC v1.
	MaxConnIDLen = 20
	// MaxAckDelayExponent is the largest legal value of the ack_delay_exponent transport parameter.
	MaxAckDelayExponent = 20
	// DefaultAckDelayExponent is used when the peer's transport parameters omit ack_delay_exponent.
	DefaultAckDelayExponent = 3
	// DefaultMaxAckDelay is used when the peer's transport parameters omit max_ack_delay.
	DefaultMaxAckDelay = 25 // milliseconds, see RFC 9000 18.2
	// MaxAckDelay is the maximum amount of time a receiver delays sending an ACK after an
	// ack-eliciting packet arrives, used to arm the local ACK alarm.
	MaxAckDelay = DefaultMaxAckDelay * time.Millisecond
	// MinDatagramFrameOverhead is the minimum overhead a peer must advertise in
	// max_datagram_frame_size for it to be considered a meaningful offer to receive DATAGRAM frames.
	MinDatagramFrameOverhead ByteCount = 40
	// MaxReceiveTimestampsPerACK caps the local ceiling on the ack-receive-timestamps extension.
	MaxReceiveTimestampsPerACK = 64
	// WindowUpdateThreshold is the fraction of the receive window that must remain before a
	// MAX_DATA/MAX_STREAM_DATA update is skipped; crossing below it triggers a new update.
	WindowUpdateThreshold = 0.25
)

// StatelessResetToken is a 16-byte token allowing a peer to recognize a stateless reset.
type StatelessResetToken [16]byte
