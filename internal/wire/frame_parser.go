package wire

import (
	"bytes"
	"fmt"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// FrameParser turns the decrypted payload of a packet into a sequence of Frame values. It is
// configured once per connection with the extensions that were actually negotiated, so it never
// has to consult transport parameters while parsing.
type FrameParser struct {
	supportsDatagrams     bool
	supportsResetStreamAt bool
	supportsAckFrequency  bool
	supportsKnob          bool
	ackDelayExponent      uint8
}

func NewFrameParser(supportsDatagrams, supportsResetStreamAt, supportsAckFrequency, supportsKnob bool) *FrameParser {
	return &FrameParser{
		supportsDatagrams:     supportsDatagrams,
		supportsResetStreamAt: supportsResetStreamAt,
		supportsAckFrequency:  supportsAckFrequency,
		supportsKnob:          supportsKnob,
		ackDelayExponent:      protocol.DefaultAckDelayExponent,
	}
}

func (p *FrameParser) SetAckDelayExponent(e uint8) { p.ackDelayExponent = e }

// ParseNext parses a single frame from the front of data, returning the frame, the number of
// bytes consumed, and any error. A nil frame with no error and consumed == 0 means data was empty
// (i.e. caller should stop iterating, not that PADDING was seen — PADDING is returned explicitly).
func (p *FrameParser) ParseNext(data []byte, encLevel protocol.EncryptionLevel) (Frame, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	r := bytes.NewReader(data)
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	frame, err := p.parseFrameBody(r, typeByte, encLevel)
	if err != nil {
		return nil, 0, err
	}
	consumed := len(data) - r.Len()
	return frame, consumed, nil
}

func (p *FrameParser) parseFrameBody(r *bytes.Reader, typeByte byte, encLevel protocol.EncryptionLevel) (Frame, error) {
	// STREAM frames occupy the type-byte range 0x08-0x0f; everything else is parsed by varint type.
	if FrameType(typeByte) >= FrameTypeStreamMin && FrameType(typeByte) <= FrameTypeStreamMax {
		if !encryptionLevelAllows(encLevel, FrameTypeStreamMin) {
			return nil, errInvalidFrame("STREAM frame not allowed at this encryption level")
		}
		return parseStreamFrame(r, typeByte)
	}

	switch FrameType(typeByte) {
	case FrameTypePadding:
		n := 1
		for r.Len() > 0 {
			b, _ := r.ReadByte()
			if b != 0 {
				r.UnreadByte()
				break
			}
			n++
		}
		return &PaddingFrame{Length_: protocol.ByteCount(n)}, nil
	case FrameTypePing:
		return &PingFrame{}, nil
	case FrameTypeAck:
		return parseAckFrame(r, p.ackDelayExponent, false)
	case FrameTypeAckECN:
		return parseAckFrame(r, p.ackDelayExponent, true)
	case FrameTypeResetStream:
		return parseResetStreamFrame(r, false)
	case FrameTypeStopSending:
		return parseStopSendingFrame(r)
	case FrameTypeCrypto:
		return parseCryptoFrame(r)
	case FrameTypeNewToken:
		return parseNewTokenFrame(r)
	case FrameTypeMaxData:
		return parseMaxDataFrame(r)
	case FrameTypeMaxStreamData:
		return parseMaxStreamDataFrame(r)
	case FrameTypeMaxStreamsBidi:
		return parseMaxStreamsFrame(r, true)
	case FrameTypeMaxStreamsUni:
		return parseMaxStreamsFrame(r, false)
	case FrameTypeDataBlocked:
		return parseDataBlockedFrame(r)
	case FrameTypeStreamDataBlocked:
		return parseStreamDataBlockedFrame(r)
	case FrameTypeStreamsBlockedBidi:
		return parseStreamsBlockedFrame(r, true)
	case FrameTypeStreamsBlockedUni:
		return parseStreamsBlockedFrame(r, false)
	case FrameTypeNewConnectionID:
		return parseNewConnectionIDFrame(r)
	case FrameTypeRetireConnectionID:
		return parseRetireConnectionIDFrame(r)
	case FrameTypePathChallenge:
		return parsePathChallengeFrame(r)
	case FrameTypePathResponse:
		return parsePathResponseFrame(r)
	case FrameTypeConnectionCloseTransport:
		return parseConnectionCloseFrame(r, false)
	case FrameTypeConnectionCloseApp:
		return parseConnectionCloseFrame(r, true)
	case FrameTypeHandshakeDone:
		return &HandshakeDoneFrame{}, nil
	}

	// Varint-typed extension frames fall outside the single-byte switch above.
	// Re-read the type as a varint: the first byte we already consumed is its first byte.
	vt, err := reparseVarintType(r, typeByte)
	if err != nil {
		return nil, err
	}
	switch FrameType(vt) {
	case FrameTypeDatagramMin, FrameTypeDatagramMax:
		if !p.supportsDatagrams {
			return nil, errInvalidFrame("received DATAGRAM frame without the extension negotiated")
		}
		return parseDatagramFrame(r, FrameType(vt) == FrameTypeDatagramMax)
	case FrameTypeResetStreamAt:
		if !p.supportsResetStreamAt {
			return nil, errInvalidFrame("received RESET_STREAM_AT frame without reliable-stream-reset negotiated")
		}
		return parseResetStreamFrame(r, true)
	case FrameTypeAckFrequency:
		if !p.supportsAckFrequency {
			return nil, errInvalidFrame("received ACK_FREQUENCY frame without the extension negotiated")
		}
		return parseAckFrequencyFrame(r)
	case FrameTypeKnob:
		if !p.supportsKnob {
			return nil, errInvalidFrame("received KNOB frame without knob_frames_supported negotiated")
		}
		return parseKnobFrame(r)
	default:
		return nil, errInvalidFrame(fmt.Sprintf("unknown frame type: %#x", vt))
	}
}

// reparseVarintType recovers the full varint frame type for types >= 0x40 (i.e. the first byte we
// already consumed was only the first byte of a multi-byte varint).
func reparseVarintType(r *bytes.Reader, firstByte byte) (uint64, error) {
	rest := make([]byte, 0, 8)
	rest = append(rest, firstByte)
	length := 1 << ((firstByte & 0xc0) >> 6)
	for i := 1; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		rest = append(rest, b)
	}
	v, _, err := quicvarint.Parse(rest)
	return v, err
}

func encryptionLevelAllows(encLevel protocol.EncryptionLevel, _ FrameType) bool {
	// STREAM, MAX_DATA, and the other AppData-only frames are never legal at Initial/Handshake.
	return encLevel == protocol.Encryption0RTT || encLevel == protocol.Encryption1RTT
}

// IsFrameAckEliciting reports whether receiving this frame obliges the receiver to send an ACK
// (RFC 9000 Section 13.2): everything except ACK, PADDING, and CONNECTION_CLOSE.
func IsFrameAckEliciting(f Frame) bool {
	switch f.(type) {
	case *AckFrame, *PaddingFrame, *ConnectionCloseFrame:
		return false
	default:
		return true
	}
}
