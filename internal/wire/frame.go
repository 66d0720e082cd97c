package wire

import (
	"bytes"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// Frame is implemented by every QUIC frame type this engine understands.
type Frame interface {
	// Write appends the wire encoding of the frame to b for QUIC version v.
	Write(b *bytes.Buffer, v protocol.Version) error
	// Length returns the number of bytes Write would append.
	Length(v protocol.Version) protocol.ByteCount
}

// FrameType identifies a frame on the wire (RFC 9000 Section 19, plus this engine's extensions).
type FrameType uint64

const (
	FrameTypePadding           FrameType = 0x00
	FrameTypePing              FrameType = 0x01
	FrameTypeAck               FrameType = 0x02
	FrameTypeAckECN            FrameType = 0x03
	FrameTypeResetStream       FrameType = 0x04
	FrameTypeStopSending       FrameType = 0x05
	FrameTypeCrypto            FrameType = 0x06
	FrameTypeNewToken          FrameType = 0x07
	FrameTypeStreamMin         FrameType = 0x08
	FrameTypeStreamMax         FrameType = 0x0f
	FrameTypeMaxData           FrameType = 0x10
	FrameTypeMaxStreamData     FrameType = 0x11
	FrameTypeMaxStreamsBidi    FrameType = 0x12
	FrameTypeMaxStreamsUni     FrameType = 0x13
	FrameTypeDataBlocked       FrameType = 0x14
	FrameTypeStreamDataBlocked FrameType = 0x15
	FrameTypeStreamsBlockedBidi FrameType = 0x16
	FrameTypeStreamsBlockedUni  FrameType = 0x17
	FrameTypeNewConnectionID    FrameType = 0x18
	FrameTypeRetireConnectionID FrameType = 0x19
	FrameTypePathChallenge      FrameType = 0x1a
	FrameTypePathResponse       FrameType = 0x1b
	FrameTypeConnectionCloseTransport FrameType = 0x1c
	FrameTypeConnectionCloseApp       FrameType = 0x1d
	FrameTypeHandshakeDone            FrameType = 0x1e
	FrameTypeDatagramMin              FrameType = 0x30
	FrameTypeDatagramMax              FrameType = 0x31
	// FrameTypeResetStreamAt carries the reliable-stream-reset extension (draft-ietf-quic-reliable-stream-reset).
	FrameTypeResetStreamAt FrameType = 0x24
	// FrameTypeAckFrequency carries the extended-ack / ack-frequency extension (draft-ietf-quic-ack-frequency).
	FrameTypeAckFrequency FrameType = 0xaf
	// FrameTypeKnob is a private extension (mvfst-derived) letting a server push a runtime knob to the client.
	FrameTypeKnob FrameType = 0x1550
)

// PingFrame solicits an acknowledgment, used for keepalive and RTT probing.
type PingFrame struct{}

func (f *PingFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypePing))
	return nil
}
func (f *PingFrame) Length(protocol.Version) protocol.ByteCount { return 1 }

// HandshakeDoneFrame is sent by the server once to confirm the handshake to the client.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeHandshakeDone))
	return nil
}
func (f *HandshakeDoneFrame) Length(protocol.Version) protocol.ByteCount { return 1 }

// PaddingFrame pads a packet out to a target size (e.g. for Initial packets or PMTU probes).
type PaddingFrame struct{ Length_ protocol.ByteCount }

func (f *PaddingFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	for i := protocol.ByteCount(0); i < f.Length_; i++ {
		b.WriteByte(0)
	}
	return nil
}
func (f *PaddingFrame) Length(protocol.Version) protocol.ByteCount { return f.Length_ }

// CryptoFrame carries a chunk of the TLS handshake byte stream at a given offset.
type CryptoFrame struct {
	Offset protocol.ByteCount
	Data   []byte
}

func (f *CryptoFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeCrypto))
	writeVarInt(b, uint64(f.Offset))
	writeVarInt(b, uint64(len(f.Data)))
	b.Write(f.Data)
	return nil
}
func (f *CryptoFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(uint64(f.Offset)) + varIntLen(uint64(len(f.Data))) + protocol.ByteCount(len(f.Data))
}

// DatagramFrame carries an unreliable, unordered application payload (RFC 9221).
type DatagramFrame struct {
	DataLenPresent bool
	Data           []byte
}

func (f *DatagramFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	typ := FrameTypeDatagramMin
	if f.DataLenPresent {
		typ = FrameTypeDatagramMax
	}
	b.WriteByte(byte(typ))
	if f.DataLenPresent {
		writeVarInt(b, uint64(len(f.Data)))
	}
	b.Write(f.Data)
	return nil
}
func (f *DatagramFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1 + len(f.Data))
	if f.DataLenPresent {
		l += varIntLen(uint64(len(f.Data)))
	}
	return l
}
func (f *DatagramFrame) MaxDataLen(maxSize protocol.ByteCount) protocol.ByteCount {
	headerLen := protocol.ByteCount(1) + varIntLen(uint64(maxSize))
	if maxSize < headerLen {
		return 0
	}
	return maxSize - headerLen
}

// KnobFrame delivers an out-of-band runtime configuration knob, keyed by (space, id), to the
// client. It is a private extension gated behind the knob_frames_supported transport parameter.
type KnobFrame struct {
	KnobSpace uint64
	KnobID    uint64
	KnobBlob  []byte
}

func (f *KnobFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	writeVarInt(b, uint64(FrameTypeKnob))
	writeVarInt(b, f.KnobSpace)
	writeVarInt(b, f.KnobID)
	writeVarInt(b, uint64(len(f.KnobBlob)))
	b.Write(f.KnobBlob)
	return nil
}
func (f *KnobFrame) Length(protocol.Version) protocol.ByteCount {
	return varIntLen(uint64(FrameTypeKnob)) + varIntLen(f.KnobSpace) + varIntLen(f.KnobID) +
		varIntLen(uint64(len(f.KnobBlob))) + protocol.ByteCount(len(f.KnobBlob))
}
