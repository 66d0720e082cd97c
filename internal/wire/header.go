package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// PacketType distinguishes the four long-header packet types from the short header.
type PacketType uint8

const (
	PacketTypeInitial PacketType = iota
	PacketType0RTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketTypeShortHeader
	PacketTypeVersionNegotiation
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketType0RTT:
		return "0-RTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	case PacketTypeShortHeader:
		return "1-RTT"
	default:
		return "Version Negotiation"
	}
}

var ErrUnsupportedVersion = errors.New("unsupported version")

// IsLongHeaderPacket says if a packet uses the long header form.
func IsLongHeaderPacket(firstByte byte) bool { return firstByte&0x80 > 0 }

// Header is the version-independent long-header prefix of a packet: enough to
// route it to a connection before the version-specific fields are parsed.
type Header struct {
	Type PacketType

	Version          protocol.Version
	DestConnectionID protocol.ConnectionID
	SrcConnectionID  protocol.ConnectionID

	Token []byte // Initial packets only

	Length protocol.ByteCount // remainder of the long header packet, as declared on the wire

	ParsedLen protocol.ByteCount // bytes consumed parsing the header itself
}

// ParseConnectionID extracts just the destination connection ID, without allocating a Header;
// used by the transport's packet-to-connection demux before full decryption.
func ParseConnectionID(data []byte, shortHeaderConnIDLen int) (protocol.ConnectionID, error) {
	if len(data) == 0 {
		return nil, io.EOF
	}
	if !IsLongHeaderPacket(data[0]) {
		if len(data) < shortHeaderConnIDLen+1 {
			return nil, io.EOF
		}
		return protocol.ConnectionID(data[1 : 1+shortHeaderConnIDLen]), nil
	}
	if len(data) < 6 {
		return nil, io.EOF
	}
	destConnIDLen := int(data[5])
	if len(data) < 6+destConnIDLen {
		return nil, io.EOF
	}
	return protocol.ConnectionID(data[6 : 6+destConnIDLen]), nil
}

// IsVersionNegotiationPacket reports whether b starts a version negotiation packet (version 0).
func IsVersionNegotiationPacket(b []byte) bool {
	return len(b) >= 5 && IsLongHeaderPacket(b[0]) && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0
}

// ParseHeader parses the long header of a packet. It does not parse the packet number, which is
// protected by header protection and can only be recovered once keys for encLevel are available.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) == 0 {
		return nil, io.EOF
	}
	if !IsLongHeaderPacket(data[0]) {
		return nil, errors.New("not a long header packet")
	}
	typeByte := data[0]
	if len(data) < 5 {
		return nil, io.EOF
	}
	v := protocol.Version(uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4]))
	pos := 5
	if len(data) <= pos {
		return nil, io.EOF
	}
	destLen := int(data[pos])
	pos++
	if len(data) < pos+destLen {
		return nil, io.EOF
	}
	dest := protocol.ConnectionID(data[pos : pos+destLen])
	pos += destLen
	if len(data) <= pos {
		return nil, io.EOF
	}
	srcLen := int(data[pos])
	pos++
	if len(data) < pos+srcLen {
		return nil, io.EOF
	}
	src := protocol.ConnectionID(data[pos : pos+srcLen])
	pos += srcLen

	h := &Header{Version: v, DestConnectionID: dest, SrcConnectionID: src}
	if v == protocol.VersionUnknown {
		h.Type = PacketTypeVersionNegotiation
		h.ParsedLen = protocol.ByteCount(pos)
		return h, nil
	}
	h.Type = longHeaderType(typeByte)

	if h.Type == PacketTypeInitial {
		tokenLen, n, err := quicvarint.Parse(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if len(data) < pos+int(tokenLen) {
			return nil, io.EOF
		}
		h.Token = data[pos : pos+int(tokenLen)]
		pos += int(tokenLen)
	}
	if h.Type == PacketTypeRetry {
		h.Token = data[pos:]
		h.ParsedLen = protocol.ByteCount(len(data))
		return h, nil
	}

	length, n, err := quicvarint.Parse(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n
	h.Length = protocol.ByteCount(length)
	h.ParsedLen = protocol.ByteCount(pos)
	return h, nil
}

func longHeaderType(typeByte byte) PacketType {
	switch (typeByte & 0x30) >> 4 {
	case 0:
		return PacketTypeInitial
	case 1:
		return PacketType0RTT
	case 2:
		return PacketTypeHandshake
	default:
		return PacketTypeRetry
	}
}

// WriteLongHeader writes a long header prefix for the given type, followed (for Initial) by the
// token. It writes no length field; the caller appends the length once the payload size and
// packet number length are known.
func WriteLongHeader(b *bytes.Buffer, typ PacketType, version protocol.Version, dest, src protocol.ConnectionID, token []byte, pnLen protocol.PacketNumberLen) {
	var typeBits byte
	switch typ {
	case PacketTypeInitial:
		typeBits = 0x00
	case PacketType0RTT:
		typeBits = 0x10
	case PacketTypeHandshake:
		typeBits = 0x20
	case PacketTypeRetry:
		typeBits = 0x30
	}
	firstByte := byte(0xc0) | typeBits | byte(pnLen-1)
	b.WriteByte(firstByte)
	writeVersion(b, version)
	b.WriteByte(byte(dest.Len()))
	b.Write(dest.Bytes())
	b.WriteByte(byte(src.Len()))
	b.Write(src.Bytes())
	if typ == PacketTypeInitial {
		quicvarint.Write(b, uint64(len(token)))
		b.Write(token)
	}
}

func writeVersion(b *bytes.Buffer, v protocol.Version) {
	b.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// ShortHeader is the version-independent parsed form of a 1-RTT packet's header.
type ShortHeader struct {
	DestConnectionID protocol.ConnectionID
	KeyPhase         protocol.KeyPhaseBit
}

func (h *ShortHeader) String() string {
	return fmt.Sprintf("ShortHeader{DestConnectionID: %s, KeyPhase: %s}", h.DestConnectionID, h.KeyPhase)
}
