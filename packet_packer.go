package quic

import (
	"bytes"
	"errors"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/handshake"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// sealingKeys is the subset of handshake.CryptoSetup the packer needs to seal a packet at a
// given encryption level.
type sealingKeys interface {
	GetInitialSealer() (handshake.Sealer, error)
	GetHandshakeSealer() (handshake.Sealer, error)
	Get0RTTSealer() (handshake.Sealer, error)
	Get1RTTSealer() (handshake.ShortHeaderSealer, error)
}

// payload is the set of frames composing one packet's payload, together with the length they
// would occupy once written (used to size the header's length field and to decide whether more
// frames fit).
type payload struct {
	frames []*ackhandler.Frame
	length protocol.ByteCount
}

var errNothingToPack = errors.New("packet_packer: nothing to send")

// packetPacker assembles QUIC packets: it asks the connection for a frame payload at a given
// encryption level, writes the appropriate long- or short-header prefix, pads as needed, and
// seals the result with the matching AEAD. It holds no frames of its own; frame selection is the
// caller's job (retransmissionQueue, framer, streamsMap, ackhandler).
type packetPacker struct {
	srcConnID  protocol.ConnectionID
	getDestConnID func() protocol.ConnectionID

	cs sealingKeys

	version protocol.Version
}

func newPacketPacker(srcConnID protocol.ConnectionID, getDestConnID func() protocol.ConnectionID, cs sealingKeys, v protocol.Version) *packetPacker {
	return &packetPacker{srcConnID: srcConnID, getDestConnID: getDestConnID, cs: cs, version: v}
}

// packedPacket is a fully sealed, ready-to-send packet, plus the bookkeeping the ack handler
// needs once it's been written to the wire.
type packedPacket struct {
	buffer          []byte
	packetNumber    protocol.PacketNumber
	frames          []*ackhandler.Frame
	ackFrame        *wire.AckFrame
	encryptionLevel protocol.EncryptionLevel
	isAckEliciting  bool
}

func (p *packedPacket) length() protocol.ByteCount { return protocol.ByteCount(len(p.buffer)) }

// packLongHeaderPacket seals payload for encLevel (Initial, 0-RTT, or Handshake) using pn, the
// packet number the ack handler already reserved for this packet.
func (p *packetPacker) packLongHeaderPacket(encLevel protocol.EncryptionLevel, pn protocol.PacketNumber, pnLen protocol.PacketNumberLen, token []byte, pl payload, maxPacketSize protocol.ByteCount) (*packedPacket, error) {
	var sealer handshake.Sealer
	var err error
	var typ wire.PacketType
	switch encLevel {
	case protocol.EncryptionInitial:
		sealer, err = p.cs.GetInitialSealer()
		typ = wire.PacketTypeInitial
	case protocol.EncryptionHandshake:
		sealer, err = p.cs.GetHandshakeSealer()
		typ = wire.PacketTypeHandshake
	case protocol.Encryption0RTT:
		sealer, err = p.cs.Get0RTTSealer()
		typ = wire.PacketType0RTT
	default:
		return nil, errors.New("packet_packer: not a long-header encryption level")
	}
	if err != nil {
		return nil, err
	}

	var hdrBuf bytes.Buffer
	wire.WriteLongHeader(&hdrBuf, typ, p.version, p.getDestConnID(), p.srcConnID, token, pnLen)

	var frameBuf bytes.Buffer
	for _, f := range pl.frames {
		if err := f.Frame.Write(&frameBuf, p.version); err != nil {
			return nil, err
		}
	}
	// pad so the header-protection sample (taken 4 bytes into the packet number field) always
	// has 16 bytes of ciphertext available
	for int(pnLen)+frameBuf.Len()+sealer.Overhead() < int(pnLen)+4+16 {
		(&wire.PaddingFrame{Length_: 1}).Write(&frameBuf, p.version)
	}

	length := protocol.ByteCount(pnLen) + protocol.ByteCount(frameBuf.Len()) + protocol.ByteCount(sealer.Overhead())
	quicvarintWriteLength(&hdrBuf, length)
	hdrLen := hdrBuf.Len()

	var pnBuf bytes.Buffer
	writePacketNumber(&pnBuf, pn, pnLen)

	associatedData := make([]byte, 0, hdrLen+int(pnLen))
	associatedData = append(associatedData, hdrBuf.Bytes()...)
	associatedData = append(associatedData, pnBuf.Bytes()...)

	withPN := make([]byte, 0, hdrLen+int(pnLen)+frameBuf.Len()+sealer.Overhead())
	withPN = append(withPN, associatedData...)
	withPN = sealer.Seal(withPN, frameBuf.Bytes(), pn, associatedData)

	protectHeader(sealer, withPN, hdrLen, int(pnLen))

	return &packedPacket{
		buffer:          withPN,
		packetNumber:    pn,
		frames:          pl.frames,
		encryptionLevel: encLevel,
		isAckEliciting:  containsAckEliciting(pl.frames),
	}, nil
}

// packShortHeaderPacket seals a 1-RTT packet.
func (p *packetPacker) packShortHeaderPacket(pn protocol.PacketNumber, pnLen protocol.PacketNumberLen, pl payload, maxPacketSize protocol.ByteCount) (*packedPacket, error) {
	sealer, err := p.cs.Get1RTTSealer()
	if err != nil {
		return nil, err
	}

	destConnID := p.getDestConnID()
	var hdrBuf bytes.Buffer
	firstByte := byte(0x40) | byte(sealer.KeyPhase())<<2 | byte(pnLen-1)
	hdrBuf.WriteByte(firstByte)
	hdrBuf.Write(destConnID.Bytes())
	hdrLen := hdrBuf.Len()

	var frameBuf bytes.Buffer
	for _, f := range pl.frames {
		if err := f.Frame.Write(&frameBuf, p.version); err != nil {
			return nil, err
		}
	}
	for int(pnLen)+frameBuf.Len()+sealer.Overhead() < int(pnLen)+4+16 {
		(&wire.PaddingFrame{Length_: 1}).Write(&frameBuf, p.version)
	}

	var pnBuf bytes.Buffer
	writePacketNumber(&pnBuf, pn, pnLen)

	associatedData := make([]byte, 0, hdrLen+int(pnLen))
	associatedData = append(associatedData, hdrBuf.Bytes()...)
	associatedData = append(associatedData, pnBuf.Bytes()...)

	withPN := make([]byte, 0, hdrLen+int(pnLen)+frameBuf.Len()+sealer.Overhead())
	withPN = append(withPN, associatedData...)
	withPN = sealer.Seal(withPN, frameBuf.Bytes(), pn, associatedData)

	protectHeader(sealer, withPN, hdrLen, int(pnLen))

	return &packedPacket{
		buffer:          withPN,
		packetNumber:    pn,
		frames:          pl.frames,
		encryptionLevel: protocol.Encryption1RTT,
		isAckEliciting:  containsAckEliciting(pl.frames),
	}, nil
}

// headerProtector is the subset of handshake.Sealer/ShortHeaderSealer needed to mask a packet
// number after the AEAD ciphertext is known.
type headerProtector interface {
	EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
}

func protectHeader(sealer headerProtector, raw []byte, hdrLen, pnLen int) {
	sample := raw[hdrLen+4 : hdrLen+4+16]
	firstByte := raw[0]
	pnBytes := raw[hdrLen : hdrLen+pnLen]
	sealer.EncryptHeader(sample, &firstByte, pnBytes)
	raw[0] = firstByte
}

func writePacketNumber(b *bytes.Buffer, pn protocol.PacketNumber, l protocol.PacketNumberLen) {
	for i := int(l) - 1; i >= 0; i-- {
		b.WriteByte(byte(pn >> (8 * i)))
	}
}

// quicvarintWriteLength appends the long header's length field after what WriteLongHeader wrote
// (WriteLongHeader doesn't know the payload length until framing is done).
func quicvarintWriteLength(b *bytes.Buffer, length protocol.ByteCount) {
	quicvarint.Write(b, uint64(length))
}

func containsAckEliciting(frames []*ackhandler.Frame) bool {
	for _, f := range frames {
		if wire.IsFrameAckEliciting(f.Frame) {
			return true
		}
	}
	return false
}
