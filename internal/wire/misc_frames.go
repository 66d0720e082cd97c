package wire

import (
	"bytes"
	"io"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

func parseCryptoFrame(r *bytes.Reader) (*CryptoFrame, error) {
	offset, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	dataLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if dataLen > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &CryptoFrame{Offset: protocol.ByteCount(offset), Data: data}, nil
}

// NewTokenFrame carries an address-validation token the client can present on a future connection
// to skip another round of address validation.
type NewTokenFrame struct{ Token []byte }

func (f *NewTokenFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeNewToken))
	writeVarInt(b, uint64(len(f.Token)))
	b.Write(f.Token)
	return nil
}
func (f *NewTokenFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(uint64(len(f.Token))) + protocol.ByteCount(len(f.Token))
}
func parseNewTokenFrame(r *bytes.Reader) (*NewTokenFrame, error) {
	l, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, errInvalidFrame("NEW_TOKEN frame must not carry an empty token")
	}
	token := make([]byte, l)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, err
	}
	return &NewTokenFrame{Token: token}, nil
}

func parseDatagramFrame(r *bytes.Reader, lenPresent bool) (*DatagramFrame, error) {
	var dataLen uint64
	var err error
	if lenPresent {
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
	return &DatagramFrame{DataLenPresent: lenPresent, Data: data}, nil
}

func parseKnobFrame(r *bytes.Reader) (*KnobFrame, error) {
	space, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	id, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	l, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if l > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	blob := make([]byte, l)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	return &KnobFrame{KnobSpace: space, KnobID: id, KnobBlob: blob}, nil
}
