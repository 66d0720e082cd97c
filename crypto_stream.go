package quic

import (
	"fmt"
	"io"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// maxCryptoStreamOffset bounds how far out of order CRYPTO data can arrive before it's treated
// as a protocol violation, mirroring the STREAM-side reassembly bound but sized for handshake
// messages rather than application data.
const maxCryptoStreamOffset = 16 * (1 << 20)

// cryptoStream is one encryption level's reliable, in-order byte stream of TLS handshake
// messages: CRYPTO frames in, arbitrary writes out. Unlike a regular stream it has no flow
// control, no FIN, and no reset; the handshake either finishes or the connection is abandoned.
type cryptoStream interface {
	HandleCryptoFrame(*wire.CryptoFrame) error
	GetCryptoData() []byte
	io.Writer
	HasData() bool
	PopCryptoFrame(protocol.ByteCount) *wire.CryptoFrame
}

type cryptoStreamImpl struct {
	readOffset protocol.ByteCount
	readBuf    []byte
	pending    map[protocol.ByteCount][]byte

	writeOffset protocol.ByteCount
	writeBuf    []byte
}

func newCryptoStream() cryptoStream {
	return &cryptoStreamImpl{pending: make(map[protocol.ByteCount][]byte)}
}

func (s *cryptoStreamImpl) HandleCryptoFrame(f *wire.CryptoFrame) error {
	end := f.Offset + protocol.ByteCount(len(f.Data))
	if end > maxCryptoStreamOffset {
		return qerr.NewTransportError(qerr.CryptoBufferExceeded, fmt.Sprintf("received invalid offset %d on crypto stream", end))
	}
	if f.Offset < s.readOffset {
		skip := s.readOffset - f.Offset
		if skip >= protocol.ByteCount(len(f.Data)) {
			return nil
		}
		s.pending[s.readOffset] = append([]byte{}, f.Data[skip:]...)
	} else {
		s.pending[f.Offset] = append([]byte{}, f.Data...)
	}
	frontier := s.readOffset + protocol.ByteCount(len(s.readBuf))
	for {
		chunk, ok := s.pending[frontier]
		if !ok {
			break
		}
		delete(s.pending, frontier)
		s.readBuf = append(s.readBuf, chunk...)
		frontier += protocol.ByteCount(len(chunk))
	}
	return nil
}

// GetCryptoData pops all currently contiguous received data since the last call.
func (s *cryptoStreamImpl) GetCryptoData() []byte {
	if len(s.readBuf) == 0 {
		return nil
	}
	data := s.readBuf
	s.readOffset += protocol.ByteCount(len(data))
	s.readBuf = nil
	return data
}

// Write queues p to be sent in CRYPTO frames; the TLS handshake provider is the only caller.
func (s *cryptoStreamImpl) Write(p []byte) (int, error) {
	s.writeBuf = append(s.writeBuf, p...)
	return len(p), nil
}

func (s *cryptoStreamImpl) HasData() bool { return len(s.writeBuf) > 0 }

func (s *cryptoStreamImpl) PopCryptoFrame(maxLen protocol.ByteCount) *wire.CryptoFrame {
	f := &wire.CryptoFrame{Offset: s.writeOffset}
	hdrLen := f.Length(protocol.Version1) - protocol.ByteCount(len(s.writeBuf))
	if hdrLen >= maxLen {
		return nil
	}
	n := utils.MinByteCount(maxLen-hdrLen, protocol.ByteCount(len(s.writeBuf)))
	f.Data = s.writeBuf[:n]
	s.writeBuf = s.writeBuf[n:]
	s.writeOffset += n
	return f
}
