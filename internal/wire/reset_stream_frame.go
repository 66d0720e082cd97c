package wire

import (
	"bytes"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// ResetStreamFrame abandons the send side of a stream. When ReliableSizeSet is true, this is the
// RESET_STREAM_AT extension frame (draft-ietf-quic-reliable-stream-reset): the sender still
// guarantees delivery of the first ReliableSize bytes, only bytes from ReliableSize onward are
// abandoned.
type ResetStreamFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
	FinalSize protocol.ByteCount

	ReliableSizeSet bool
	ReliableSize    protocol.ByteCount
}

func (f *ResetStreamFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	if f.ReliableSizeSet {
		writeVarInt(b, uint64(FrameTypeResetStreamAt))
	} else {
		b.WriteByte(byte(FrameTypeResetStream))
	}
	writeVarInt(b, uint64(f.StreamID))
	writeVarInt(b, f.ErrorCode)
	writeVarInt(b, uint64(f.FinalSize))
	if f.ReliableSizeSet {
		writeVarInt(b, uint64(f.ReliableSize))
	}
	return nil
}

func (f *ResetStreamFrame) Length(protocol.Version) protocol.ByteCount {
	l := varIntLen(uint64(f.StreamID)) + varIntLen(f.ErrorCode) + varIntLen(uint64(f.FinalSize))
	if f.ReliableSizeSet {
		return varIntLen(uint64(FrameTypeResetStreamAt)) + l + varIntLen(uint64(f.ReliableSize))
	}
	return 1 + l
}

func parseResetStreamFrame(r *bytes.Reader, reliable bool) (*ResetStreamFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	errCode, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	finalSize, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	f := &ResetStreamFrame{
		StreamID:  protocol.StreamID(sid),
		ErrorCode: errCode,
		FinalSize: protocol.ByteCount(finalSize),
	}
	if reliable {
		rs, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		f.ReliableSizeSet = true
		f.ReliableSize = protocol.ByteCount(rs)
		if f.ReliableSize > f.FinalSize {
			return nil, errInvalidFrame("RESET_STREAM_AT reliable size exceeds final size")
		}
	}
	return f, nil
}

// StopSendingFrame asks the peer to abandon the send side of a stream.
type StopSendingFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
}

func (f *StopSendingFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeStopSending))
	writeVarInt(b, uint64(f.StreamID))
	writeVarInt(b, f.ErrorCode)
	return nil
}
func (f *StopSendingFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(uint64(f.StreamID)) + varIntLen(f.ErrorCode)
}
func parseStopSendingFrame(r *bytes.Reader) (*StopSendingFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	errCode, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &StopSendingFrame{StreamID: protocol.StreamID(sid), ErrorCode: errCode}, nil
}

type frameEncodingError struct{ msg string }

func (e *frameEncodingError) Error() string { return e.msg }
func errInvalidFrame(msg string) error      { return &frameEncodingError{msg: msg} }
