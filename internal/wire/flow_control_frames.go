package wire

import (
	"bytes"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// MaxDataFrame raises the connection-level flow control limit.
type MaxDataFrame struct{ MaximumData protocol.ByteCount }

func (f *MaxDataFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeMaxData))
	writeVarInt(b, uint64(f.MaximumData))
	return nil
}
func (f *MaxDataFrame) Length(protocol.Version) protocol.ByteCount { return 1 + varIntLen(uint64(f.MaximumData)) }
func parseMaxDataFrame(r *bytes.Reader) (*MaxDataFrame, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &MaxDataFrame{MaximumData: protocol.ByteCount(v)}, nil
}

// MaxStreamDataFrame raises the per-stream flow control limit.
type MaxStreamDataFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func (f *MaxStreamDataFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeMaxStreamData))
	writeVarInt(b, uint64(f.StreamID))
	writeVarInt(b, uint64(f.MaximumStreamData))
	return nil
}
func (f *MaxStreamDataFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(uint64(f.StreamID)) + varIntLen(uint64(f.MaximumStreamData))
}
func parseMaxStreamDataFrame(r *bytes.Reader) (*MaxStreamDataFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamDataFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}

// MaxStreamsFrame raises the limit on streams the peer is allowed to open.
type MaxStreamsFrame struct {
	Bidi         bool
	MaxStreamNum protocol.StreamNum
}

func (f *MaxStreamsFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	if f.Bidi {
		b.WriteByte(byte(FrameTypeMaxStreamsBidi))
	} else {
		b.WriteByte(byte(FrameTypeMaxStreamsUni))
	}
	writeVarInt(b, uint64(f.MaxStreamNum))
	return nil
}
func (f *MaxStreamsFrame) Length(protocol.Version) protocol.ByteCount { return 1 + varIntLen(uint64(f.MaxStreamNum)) }
func parseMaxStreamsFrame(r *bytes.Reader, bidi bool) (*MaxStreamsFrame, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamsFrame{Bidi: bidi, MaxStreamNum: protocol.StreamNum(v)}, nil
}

// DataBlockedFrame tells the peer the sender would have sent more had the connection window allowed.
type DataBlockedFrame struct{ MaximumData protocol.ByteCount }

func (f *DataBlockedFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeDataBlocked))
	writeVarInt(b, uint64(f.MaximumData))
	return nil
}
func (f *DataBlockedFrame) Length(protocol.Version) protocol.ByteCount { return 1 + varIntLen(uint64(f.MaximumData)) }
func parseDataBlockedFrame(r *bytes.Reader) (*DataBlockedFrame, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &DataBlockedFrame{MaximumData: protocol.ByteCount(v)}, nil
}

// StreamDataBlockedFrame is the per-stream analogue of DataBlockedFrame.
type StreamDataBlockedFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func (f *StreamDataBlockedFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeStreamDataBlocked))
	writeVarInt(b, uint64(f.StreamID))
	writeVarInt(b, uint64(f.MaximumStreamData))
	return nil
}
func (f *StreamDataBlockedFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(uint64(f.StreamID)) + varIntLen(uint64(f.MaximumStreamData))
}
func parseStreamDataBlockedFrame(r *bytes.Reader) (*StreamDataBlockedFrame, error) {
	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &StreamDataBlockedFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}

// StreamsBlockedFrame tells the peer the sender would have opened more streams had its limit allowed.
type StreamsBlockedFrame struct {
	Bidi          bool
	StreamLimit   protocol.StreamNum
}

func (f *StreamsBlockedFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	if f.Bidi {
		b.WriteByte(byte(FrameTypeStreamsBlockedBidi))
	} else {
		b.WriteByte(byte(FrameTypeStreamsBlockedUni))
	}
	writeVarInt(b, uint64(f.StreamLimit))
	return nil
}
func (f *StreamsBlockedFrame) Length(protocol.Version) protocol.ByteCount { return 1 + varIntLen(uint64(f.StreamLimit)) }
func parseStreamsBlockedFrame(r *bytes.Reader, bidi bool) (*StreamsBlockedFrame, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &StreamsBlockedFrame{Bidi: bidi, StreamLimit: protocol.StreamNum(v)}, nil
}
