package wire

import (
	"bytes"
	"errors"
	"io"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// StreamFrame carries a contiguous chunk of one stream's application byte stream, optionally
// tagged as the last chunk (Fin). It has no stream-group field.
type StreamFrame struct {
	StreamID protocol.StreamID
	Offset   protocol.ByteCount
	Data     []byte
	Fin      bool

	// DataLenPresent controls whether the explicit length field is written; when false (the frame
	// is the last one in the packet) the codec infers the length from the remaining packet space.
	DataLenPresent bool
}

func (f *StreamFrame) typeByte() byte {
	t := byte(FrameTypeStreamMin)
	if f.Fin {
		t |= 0x01
	}
	if f.Offset != 0 {
		t |= 0x04
	}
	if f.DataLenPresent {
		t |= 0x02
	}
	return t
}

func (f *StreamFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(f.typeByte())
	writeVarInt(b, uint64(f.StreamID))
	if f.Offset != 0 {
		writeVarInt(b, uint64(f.Offset))
	}
	if f.DataLenPresent {
		writeVarInt(b, uint64(len(f.Data)))
	}
	b.Write(f.Data)
	return nil
}

func (f *StreamFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1) + varIntLen(uint64(f.StreamID)) + protocol.ByteCount(len(f.Data))
	if f.Offset != 0 {
		l += varIntLen(uint64(f.Offset))
	}
	if f.DataLenPresent {
		l += varIntLen(uint64(len(f.Data)))
	}
	return l
}

// MaxDataLen returns how many data bytes would fit in a STREAM frame of this shape within
// maxSize total bytes, used by the packer to split application writes across packets.
func (f *StreamFrame) MaxDataLen(maxSize protocol.ByteCount, v protocol.Version) protocol.ByteCount {
	headerLen := protocol.ByteCount(1) + varIntLen(uint64(f.StreamID))
	if f.Offset != 0 {
		headerLen += varIntLen(uint64(f.Offset))
	}
	if maxSize < headerLen {
		return 0
	}
	maxSize -= headerLen
	if f.DataLenPresent {
		// the length field itself eats into the budget; reserve the varint length of the
		// remaining budget, which is at least as long as the length actually written
		if maxSize <= 4 {
			return 0
		}
		maxSize -= varIntLen(uint64(maxSize))
	}
	return maxSize
}

// MaybeSplitOffFrame returns (rest, true) if the frame is larger than n bytes of payload, leaving
// f holding the first n bytes and rest holding the remainder at the correct offset.
func (f *StreamFrame) MaybeSplitOffFrame(n protocol.ByteCount, v protocol.Version) (*StreamFrame, bool) {
	if n >= protocol.ByteCount(len(f.Data)) {
		return nil, false
	}
	rest := &StreamFrame{
		StreamID:       f.StreamID,
		Offset:         f.Offset + n,
		Data:           f.Data[n:],
		Fin:            f.Fin,
		DataLenPresent: f.DataLenPresent,
	}
	f.Data = f.Data[:n]
	f.Fin = false
	return rest, true
}

func parseStreamFrame(r *bytes.Reader, typeByte byte) (*StreamFrame, error) {
	f := &StreamFrame{
		Fin:            typeByte&0x01 != 0,
		DataLenPresent: typeByte&0x02 != 0,
	}
	hasOffset := typeByte&0x04 != 0

	sid, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	f.StreamID = protocol.StreamID(sid)
	if hasOffset {
		off, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		f.Offset = protocol.ByteCount(off)
	}
	var dataLen uint64
	if f.DataLenPresent {
		dataLen, err = quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		if dataLen > uint64(r.Len()) {
			return nil, io.ErrUnexpectedEOF
		}
	} else {
		dataLen = uint64(r.Len())
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	f.Data = data
	if f.Offset+protocol.ByteCount(len(f.Data)) > protocol.MaxByteCount {
		return nil, errors.New("stream data overflows maximum offset")
	}
	return f, nil
}
