package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// transportParameterID identifies a transport parameter (RFC 9000 Section 18.2, plus this
// engine's private extensions).
type transportParameterID uint64

const (
	paramOriginalDestinationConnectionID transportParameterID = 0x00
	paramMaxIdleTimeout                  transportParameterID = 0x01
	paramStatelessResetToken             transportParameterID = 0x02
	paramMaxUDPPayloadSize               transportParameterID = 0x03
	paramInitialMaxData                  transportParameterID = 0x04
	paramInitialMaxStreamDataBidiLocal   transportParameterID = 0x05
	paramInitialMaxStreamDataBidiRemote  transportParameterID = 0x06
	paramInitialMaxStreamDataUni         transportParameterID = 0x07
	paramInitialMaxStreamsBidi           transportParameterID = 0x08
	paramInitialMaxStreamsUni            transportParameterID = 0x09
	paramAckDelayExponent                transportParameterID = 0x0a
	paramMaxAckDelay                     transportParameterID = 0x0b
	paramDisableActiveMigration          transportParameterID = 0x0c
	paramPreferredAddress                transportParameterID = 0x0d
	paramActiveConnectionIDLimit         transportParameterID = 0x0e
	paramInitialSourceConnectionID       transportParameterID = 0x0f
	paramRetrySourceConnectionID         transportParameterID = 0x10
	paramMaxDatagramFrameSize            transportParameterID = 0x20

	// Private extensions. Values chosen in the experimental/private-use range (RFC 9000 18.1).
	paramKnobFramesSupported    transportParameterID = 0x7a7a
	paramReliableStreamReset    transportParameterID = 0x17f7586d2cb571
	paramAckReceiveTimestamps   transportParameterID = 0x7158
	paramExtendedAckFeatures    transportParameterID = 0x1130
	paramStreamGroupsEnabled    transportParameterID = 0x7a80
	paramMaxStreamGroups        transportParameterID = 0x7a81
)

// ExtendedAckFeature flags the optional fields an extended ACK frame may omit, negotiated as a
// bitmask so the two endpoints agree on exactly what a future ACK_FREQUENCY-governed ACK carries.
type ExtendedAckFeature uint64

const (
	ExtendedAckECNCounts        ExtendedAckFeature = 1 << 0
	ExtendedAckReceiveTimestamps ExtendedAckFeature = 1 << 1
)

// TransportParameters holds the full set of QUIC v1 transport parameters, including this
// engine's private extensions (reliable stream reset, stream groups, knob frames,
// ack-receive-timestamps, extended-ack features).
type TransportParameters struct {
	OriginalDestinationConnectionID protocol.ConnectionID
	InitialSourceConnectionID       protocol.ConnectionID
	RetrySourceConnectionID         *protocol.ConnectionID

	StatelessResetToken *protocol.StatelessResetToken

	MaxIdleTimeout        time.Duration
	MaxUDPPayloadSize     protocol.ByteCount
	MaxDatagramFrameSize  protocol.ByteCount // -1 (InvalidByteCount) if absent: datagrams disabled

	InitialMaxData                     protocol.ByteCount
	InitialMaxStreamDataBidiLocal      protocol.ByteCount
	InitialMaxStreamDataBidiRemote     protocol.ByteCount
	InitialMaxStreamDataUni            protocol.ByteCount
	MaxBidiStreamNum                   protocol.StreamNum
	MaxUniStreamNum                    protocol.StreamNum

	AckDelayExponent uint8
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64

	// Extensions.
	KnobFramesSupported bool

	// ReliableStreamReset advertises support for RESET_STREAM_AT (draft-ietf-quic-reliable-stream-reset).
	// Per spec, the parameter carries no value: presence alone is the signal, and any non-empty
	// encoding is a protocol violation.
	ReliableStreamReset bool

	// AckReceiveTimestampsExponent/MaxReceiveTimestampsPerAck are present only if the endpoint is
	// willing to receive the ack-receive-timestamps extension. On decode MaxReceiveTimestampsPerAck
	// is clamped; the exponent is taken as sent.
	AckReceiveTimestampsSupported    bool
	AckReceiveTimestampsExponent     uint8
	MaxReceiveTimestampsPerAck       uint64

	ExtendedAckFeatures ExtendedAckFeature

	StreamGroupsEnabled bool
	MaxStreamGroups     uint64
}

// defaultTransportParameters returns the values this engine assumes when a parameter is absent,
// per RFC 9000 Section 18.2's "default" column.
func defaultTransportParameters() *TransportParameters {
	return &TransportParameters{
		MaxIdleTimeout:              0,
		MaxUDPPayloadSize:           protocol.DefaultMaxPacketSize,
		MaxDatagramFrameSize:        protocol.InvalidByteCount,
		AckDelayExponent:            protocol.DefaultAckDelayExponent,
		MaxAckDelay:                 protocol.DefaultMaxAckDelay * time.Millisecond,
		ActiveConnectionIDLimit:     2,
		MaxReceiveTimestampsPerAck:  protocol.MaxReceiveTimestampsPerACK,
		AckReceiveTimestampsExponent: protocol.DefaultAckDelayExponent,
	}
}

func (p *TransportParameters) Marshal(pers protocol.Perspective) []byte {
	b := &bytes.Buffer{}

	writeTP := func(id transportParameterID, valFn func(*bytes.Buffer)) {
		quicvarint.Write(b, uint64(id))
		inner := &bytes.Buffer{}
		valFn(inner)
		quicvarint.Write(b, uint64(inner.Len()))
		b.Write(inner.Bytes())
	}

	if pers == protocol.PerspectiveServer {
		writeTP(paramOriginalDestinationConnectionID, func(b *bytes.Buffer) { b.Write(p.OriginalDestinationConnectionID.Bytes()) })
		if p.StatelessResetToken != nil {
			writeTP(paramStatelessResetToken, func(b *bytes.Buffer) { b.Write(p.StatelessResetToken[:]) })
		}
		if p.RetrySourceConnectionID != nil {
			writeTP(paramRetrySourceConnectionID, func(b *bytes.Buffer) { b.Write(p.RetrySourceConnectionID.Bytes()) })
		}
	}
	writeTP(paramInitialSourceConnectionID, func(b *bytes.Buffer) { b.Write(p.InitialSourceConnectionID.Bytes()) })

	if p.MaxIdleTimeout > 0 {
		writeTP(paramMaxIdleTimeout, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxIdleTimeout/time.Millisecond)) })
	}
	writeTP(paramMaxUDPPayloadSize, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxUDPPayloadSize)) })
	writeTP(paramInitialMaxData, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.InitialMaxData)) })
	writeTP(paramInitialMaxStreamDataBidiLocal, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.InitialMaxStreamDataBidiLocal)) })
	writeTP(paramInitialMaxStreamDataBidiRemote, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.InitialMaxStreamDataBidiRemote)) })
	writeTP(paramInitialMaxStreamDataUni, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.InitialMaxStreamDataUni)) })
	writeTP(paramInitialMaxStreamsBidi, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxBidiStreamNum)) })
	writeTP(paramInitialMaxStreamsUni, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxUniStreamNum)) })
	if p.AckDelayExponent != protocol.DefaultAckDelayExponent {
		writeTP(paramAckDelayExponent, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.AckDelayExponent)) })
	}
	if p.MaxAckDelay != protocol.DefaultMaxAckDelay*time.Millisecond {
		writeTP(paramMaxAckDelay, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxAckDelay/time.Millisecond)) })
	}
	if p.DisableActiveMigration {
		writeTP(paramDisableActiveMigration, func(b *bytes.Buffer) {})
	}
	writeTP(paramActiveConnectionIDLimit, func(b *bytes.Buffer) { quicvarint.Write(b, p.ActiveConnectionIDLimit) })
	if p.MaxDatagramFrameSize != protocol.InvalidByteCount {
		writeTP(paramMaxDatagramFrameSize, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.MaxDatagramFrameSize)) })
	}

	if p.KnobFramesSupported {
		writeTP(paramKnobFramesSupported, func(b *bytes.Buffer) {})
	}
	if p.ReliableStreamReset {
		writeTP(paramReliableStreamReset, func(b *bytes.Buffer) {})
	}
	if p.AckReceiveTimestampsSupported {
		writeTP(paramAckReceiveTimestamps, func(b *bytes.Buffer) {
			quicvarint.Write(b, uint64(p.AckReceiveTimestampsExponent))
			quicvarint.Write(b, p.MaxReceiveTimestampsPerAck)
		})
	}
	if p.ExtendedAckFeatures != 0 {
		writeTP(paramExtendedAckFeatures, func(b *bytes.Buffer) { quicvarint.Write(b, uint64(p.ExtendedAckFeatures)) })
	}
	if p.StreamGroupsEnabled {
		writeTP(paramStreamGroupsEnabled, func(b *bytes.Buffer) {})
		writeTP(paramMaxStreamGroups, func(b *bytes.Buffer) { quicvarint.Write(b, p.MaxStreamGroups) })
	}

	return b.Bytes()
}

// UnmarshalTransportParameters parses the transport parameter extension as sent by sender (i.e. the
// perspective of the SENDER, so the caller can apply the ISCID/ODCID checks that only apply to
// the server's parameters).
func UnmarshalTransportParameters(data []byte, sender protocol.Perspective) (*TransportParameters, error) {
	p := defaultTransportParameters()
	r := bytes.NewReader(data)

	var sawOriginalDCID, sawInitialSCID bool

	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		length, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		if uint64(r.Len()) < length {
			return nil, io.ErrUnexpectedEOF
		}
		val := make([]byte, length)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		vr := bytes.NewReader(val)

		switch transportParameterID(id) {
		case paramOriginalDestinationConnectionID:
			if sender != protocol.PerspectiveServer {
				return nil, fmt.Errorf("client sent original_destination_connection_id transport parameter")
			}
			p.OriginalDestinationConnectionID = protocol.ConnectionID(val)
			sawOriginalDCID = true
		case paramInitialSourceConnectionID:
			p.InitialSourceConnectionID = protocol.ConnectionID(val)
			sawInitialSCID = true
		case paramRetrySourceConnectionID:
			if sender != protocol.PerspectiveServer {
				return nil, fmt.Errorf("client sent retry_source_connection_id transport parameter")
			}
			cid := protocol.ConnectionID(val)
			p.RetrySourceConnectionID = &cid
		case paramStatelessResetToken:
			if sender != protocol.PerspectiveServer {
				return nil, fmt.Errorf("client sent stateless_reset_token transport parameter")
			}
			if length != 16 {
				return nil, fmt.Errorf("invalid length for stateless_reset_token: %d", length)
			}
			var token protocol.StatelessResetToken
			copy(token[:], val)
			p.StatelessResetToken = &token
		case paramMaxIdleTimeout:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramMaxUDPPayloadSize:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v < 1200 {
				return nil, fmt.Errorf("invalid max_udp_payload_size: %d (minimum 1200)", v)
			}
			p.MaxUDPPayloadSize = protocol.ByteCount(v)
		case paramInitialMaxData:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxData = protocol.ByteCount(v)
		case paramInitialMaxStreamDataBidiLocal:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataBidiLocal = protocol.ByteCount(v)
		case paramInitialMaxStreamDataBidiRemote:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataBidiRemote = protocol.ByteCount(v)
		case paramInitialMaxStreamDataUni:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.InitialMaxStreamDataUni = protocol.ByteCount(v)
		case paramInitialMaxStreamsBidi:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v > uint64(1<<60) {
				return nil, fmt.Errorf("invalid initial_max_streams_bidi: %d", v)
			}
			p.MaxBidiStreamNum = protocol.StreamNum(v)
		case paramInitialMaxStreamsUni:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v > uint64(1<<60) {
				return nil, fmt.Errorf("invalid initial_max_streams_uni: %d", v)
			}
			p.MaxUniStreamNum = protocol.StreamNum(v)
		case paramAckDelayExponent:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v > protocol.MaxAckDelayExponent {
				return nil, fmt.Errorf("invalid ack_delay_exponent: %d (maximum %d)", v, protocol.MaxAckDelayExponent)
			}
			p.AckDelayExponent = uint8(v)
		case paramMaxAckDelay:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v >= 1<<14 {
				return nil, fmt.Errorf("invalid max_ack_delay: %d", v)
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			if length != 0 {
				return nil, fmt.Errorf("disable_active_migration must be empty")
			}
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			if v < 2 {
				return nil, fmt.Errorf("invalid active_connection_id_limit: %d (minimum 2)", v)
			}
			p.ActiveConnectionIDLimit = v
		case paramMaxDatagramFrameSize:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.MaxDatagramFrameSize = protocol.ByteCount(v)
		case paramKnobFramesSupported:
			if length != 0 {
				return nil, fmt.Errorf("knob_frames_supported must be empty")
			}
			p.KnobFramesSupported = true
		case paramReliableStreamReset:
			if length != 0 {
				return nil, fmt.Errorf("reliable_stream_reset must be empty")
			}
			p.ReliableStreamReset = true
		case paramAckReceiveTimestamps:
			exp, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			maxTs, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.AckReceiveTimestampsSupported = true
			p.AckReceiveTimestampsExponent = uint8(exp)
			// Clamp to our own ceiling: we never promise to store more timestamps than we can hold,
			// regardless of what the peer advertises it could send.
			if maxTs > protocol.MaxReceiveTimestampsPerACK {
				maxTs = protocol.MaxReceiveTimestampsPerACK
			}
			p.MaxReceiveTimestampsPerAck = maxTs
		case paramExtendedAckFeatures:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.ExtendedAckFeatures = ExtendedAckFeature(v)
		case paramStreamGroupsEnabled:
			if length != 0 {
				return nil, fmt.Errorf("stream_groups_enabled must be empty")
			}
			p.StreamGroupsEnabled = true
		case paramMaxStreamGroups:
			v, err := quicvarint.Read(vr)
			if err != nil {
				return nil, err
			}
			p.MaxStreamGroups = v
		default:
			// Unknown transport parameters must be ignored, RFC 9000 Section 18.1.
		}
	}

	if sender == protocol.PerspectiveServer && !sawOriginalDCID {
		return nil, fmt.Errorf("server did not send an original_destination_connection_id transport parameter")
	}
	if !sawInitialSCID {
		return nil, fmt.Errorf("missing initial_source_connection_id transport parameter")
	}
	if p.StreamGroupsEnabled && p.MaxStreamGroups == 0 {
		return nil, fmt.Errorf("stream_groups_enabled set without a usable max_stream_groups")
	}
	return p, nil
}

// ValidateForUpdate checks that a 0-RTT resumption's cached parameters are still compatible with
// the parameters the server actually sent once the handshake completed; if any limit decreased,
// the client must tear down the connection per RFC 9001 Section 4.6.1.
func (p *TransportParameters) ValidateForUpdate(cached *TransportParameters) error {
	if p.InitialMaxData < cached.InitialMaxData {
		return fmt.Errorf("server decreased initial_max_data after resumption")
	}
	if p.InitialMaxStreamDataBidiLocal < cached.InitialMaxStreamDataBidiLocal {
		return fmt.Errorf("server decreased initial_max_stream_data_bidi_local after resumption")
	}
	if p.InitialMaxStreamDataBidiRemote < cached.InitialMaxStreamDataBidiRemote {
		return fmt.Errorf("server decreased initial_max_stream_data_bidi_remote after resumption")
	}
	if p.InitialMaxStreamDataUni < cached.InitialMaxStreamDataUni {
		return fmt.Errorf("server decreased initial_max_stream_data_uni after resumption")
	}
	if p.MaxBidiStreamNum < cached.MaxBidiStreamNum {
		return fmt.Errorf("server decreased initial_max_streams_bidi after resumption")
	}
	if p.MaxUniStreamNum < cached.MaxUniStreamNum {
		return fmt.Errorf("server decreased initial_max_streams_uni after resumption")
	}
	if cached.MaxDatagramFrameSize != protocol.InvalidByteCount && p.MaxDatagramFrameSize == protocol.InvalidByteCount {
		return fmt.Errorf("server withdrew datagram support after resumption")
	}
	return nil
}

// CachedServerTransportParameters is the subset of a server's transport parameters worth
// remembering across connections to decide whether resumption and 0-RTT are safe, and to size
// the 0-RTT data the client is willing to risk sending before the real values arrive.
type CachedServerTransportParameters struct {
	InitialMaxData                 protocol.ByteCount
	InitialMaxStreamDataBidiLocal  protocol.ByteCount
	InitialMaxStreamDataBidiRemote protocol.ByteCount
	InitialMaxStreamDataUni        protocol.ByteCount
	MaxBidiStreamNum               protocol.StreamNum
	MaxUniStreamNum                protocol.StreamNum
	MaxDatagramFrameSize           protocol.ByteCount
	ActiveConnectionIDLimit        uint64
}

func (p *TransportParameters) ToCached() *CachedServerTransportParameters {
	return &CachedServerTransportParameters{
		InitialMaxData:                 p.InitialMaxData,
		InitialMaxStreamDataBidiLocal:  p.InitialMaxStreamDataBidiLocal,
		InitialMaxStreamDataBidiRemote: p.InitialMaxStreamDataBidiRemote,
		InitialMaxStreamDataUni:        p.InitialMaxStreamDataUni,
		MaxBidiStreamNum:               p.MaxBidiStreamNum,
		MaxUniStreamNum:                p.MaxUniStreamNum,
		MaxDatagramFrameSize:           p.MaxDatagramFrameSize,
		ActiveConnectionIDLimit:        p.ActiveConnectionIDLimit,
	}
}
