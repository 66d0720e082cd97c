package quic

import (
	"errors"
	"fmt"

	"github.com/frostgate-labs/qtransport/internal/handshake"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// unpackedPacket is a long- or short-header packet that has had header protection removed,
// its packet number decoded, and its AEAD payload decrypted, but not yet had its frames
// dispatched to the connection.
type unpackedPacket struct {
	packetNumber    protocol.PacketNumber
	encryptionLevel protocol.EncryptionLevel
	keyPhase        protocol.KeyPhaseBit
	hdr             *wire.Header // nil for short-header packets
	data            []byte       // decrypted frame payload
}

var errPacketTooSmallForHeaderProtection = errors.New("packet too small to determine header protection sample")

// packetUnpacker turns raw, still-protected datagram contents into unpackedPacket values. It
// keeps the crypto setup and the short-header connection ID length it was built with, and asks
// the crypto setup for the current keys on every call, since key availability can change packet
// to packet during the handshake.
type packetUnpacker struct {
	cs cryptoSetupOpeners

	shortHeaderConnIDLen int
}

// cryptoSetupOpeners is the subset of handshake.CryptoSetup the unpacker needs.
type cryptoSetupOpeners interface {
	GetInitialOpener() (handshake.Opener, error)
	GetHandshakeOpener() (handshake.Opener, error)
	Get0RTTOpener() (handshake.Opener, error)
	Get1RTTOpener() (handshake.ShortHeaderOpener, error)
}

func newPacketUnpacker(cs cryptoSetupOpeners, shortHeaderConnIDLen int) *packetUnpacker {
	return &packetUnpacker{cs: cs, shortHeaderConnIDLen: shortHeaderConnIDLen}
}

// UnpackLongHeader unpacks an Initial, 0-RTT, or Handshake packet. data is the full datagram
// contents starting at this packet's first byte (a datagram may coalesce several packets);
// hdr must have already been parsed via wire.ParseHeader from the same bytes.
func (u *packetUnpacker) UnpackLongHeader(hdr *wire.Header, data []byte, largestAcked protocol.PacketNumber) (*unpackedPacket, int, error) {
	hdrLen := int(hdr.ParsedLen)
	packetLen := hdrLen + int(hdr.Length)
	if packetLen > len(data) {
		return nil, 0, errors.New("packet length exceeds remaining datagram")
	}
	raw := data[:packetLen]

	var encLevel protocol.EncryptionLevel
	var opener handshake.Opener
	var err error
	switch hdr.Type {
	case wire.PacketTypeInitial:
		encLevel = protocol.EncryptionInitial
		opener, err = u.cs.GetInitialOpener()
	case wire.PacketTypeHandshake:
		encLevel = protocol.EncryptionHandshake
		opener, err = u.cs.GetHandshakeOpener()
	case wire.PacketType0RTT:
		encLevel = protocol.Encryption0RTT
		opener, err = u.cs.Get0RTTOpener()
	default:
		return nil, 0, fmt.Errorf("cannot unpack packet of type %s", hdr.Type)
	}
	if err != nil {
		return nil, 0, err
	}

	pn, pnLen, payload, err := u.removeHeaderProtectionAndDecrypt(opener, raw, hdrLen, largestAcked)
	if err != nil {
		return nil, 0, err
	}
	return &unpackedPacket{
		packetNumber:    pn,
		encryptionLevel: encLevel,
		hdr:             hdr,
		data:            payload,
	}, hdrLen + pnLen, nil
}

// UnpackShortHeader unpacks a 1-RTT packet. data is the full datagram contents starting at
// this packet's first byte.
func (u *packetUnpacker) UnpackShortHeader(data []byte, largestAcked protocol.PacketNumber) (*unpackedPacket, error) {
	opener, err := u.cs.Get1RTTOpener()
	if err != nil {
		return nil, err
	}
	hdrLen := 1 + u.shortHeaderConnIDLen
	pn, _, payload, err := u.removeHeaderProtectionAndDecrypt(opener, data, hdrLen, largestAcked)
	if err != nil {
		return nil, err
	}
	kp := protocol.KeyPhaseBit((data[0] & 0x4) >> 2)
	kp = opener.DecodeKeyPhase(kp, pn-largestAcked)
	return &unpackedPacket{
		packetNumber:    pn,
		encryptionLevel: protocol.Encryption1RTT,
		keyPhase:        kp,
		data:            payload,
	}, nil
}

// removeHeaderProtectionAndDecrypt implements the two-pass sampling scheme common to every
// encryption level (RFC 9001 Section 5.4): guess a 4-byte packet number window, unmask it to
// learn the real length, then decrypt the AEAD payload using only that many bytes as part of
// the associated data.
func (u *packetUnpacker) removeHeaderProtectionAndDecrypt(opener handshake.Opener, raw []byte, hdrLen int, largestAcked protocol.PacketNumber) (protocol.PacketNumber, int, []byte, error) {
	const sampleLen = 16
	if len(raw) < hdrLen+4+sampleLen {
		return 0, 0, nil, errPacketTooSmallForHeaderProtection
	}
	sample := raw[hdrLen+4 : hdrLen+4+sampleLen]
	pnBytes := make([]byte, 4)
	copy(pnBytes, raw[hdrLen:hdrLen+4])
	firstByte := raw[0]
	opener.DecryptHeader(sample, &firstByte, pnBytes)

	pnLen := int(firstByte&0x3) + 1
	truncated := protocol.PacketNumber(0)
	for i := 0; i < pnLen; i++ {
		truncated = truncated<<8 | protocol.PacketNumber(pnBytes[i])
	}
	pn := protocol.DecodePacketNumber(protocol.PacketNumberLen(pnLen), largestAcked, truncated)

	unprotectedHdr := make([]byte, hdrLen+pnLen)
	copy(unprotectedHdr, raw[:hdrLen])
	unprotectedHdr[0] = firstByte
	copy(unprotectedHdr[hdrLen:], pnBytes[:pnLen])

	ciphertext := raw[hdrLen+pnLen:]
	payload, err := opener.Open(nil, ciphertext, pn, unprotectedHdr)
	if err != nil {
		return 0, 0, nil, err
	}
	return pn, pnLen, payload, nil
}
