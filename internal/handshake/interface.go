// Package handshake drives the client and server handshake state machine (connect, feed
// received CRYPTO bytes, derive and rotate 1-RTT traffic secrets) on top of the
// standard library's QUIC-aware TLS 1.3 state machine.
package handshake

import (
	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// Opener decrypts a packet at a fixed encryption level.
type Opener interface {
	Open(dst, src []byte, pn protocol.PacketNumber, associatedData []byte) ([]byte, error)
	DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
}

// Sealer encrypts a packet at a fixed encryption level.
type Sealer interface {
	Seal(dst, src []byte, pn protocol.PacketNumber, associatedData []byte) []byte
	EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
	Overhead() int
}

// ShortHeaderOpener additionally tracks the 1-RTT key phase so the connection engine
// can tell a peer-initiated rotation apart from stale keys.
type ShortHeaderOpener interface {
	Opener
	DecodeKeyPhase(kp protocol.KeyPhaseBit, approxPacketNumberOffset protocol.PacketNumber) protocol.KeyPhaseBit
}

// ShortHeaderSealer additionally exposes the key phase it is currently sealing with.
type ShortHeaderSealer interface {
	Sealer
	KeyPhase() protocol.KeyPhaseBit
}

// Event is something the handshake state machine needs the connection engine to act
// on: install a key, emit CRYPTO bytes, or signal that the handshake is done.
type EventKind uint8

const (
	// EventWriteInitialData / EventWriteHandshakeData carry CRYPTO bytes to send at the
	// named level.
	EventWriteInitialData EventKind = iota
	EventWriteHandshakeData
	EventReceivedReadKeys
	EventDiscardInitialKeys
	EventWriteHandshakeDone
	EventHandshakeComplete
	EventHandshakeConfirmed
)

type Event struct {
	Kind EventKind
	Data []byte
}
