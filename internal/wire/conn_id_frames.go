package wire

import (
	"bytes"
	"io"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// NewConnectionIDFrame offers the peer an additional connection ID it may migrate to.
type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        protocol.ConnectionID
	StatelessResetToken protocol.StatelessResetToken
}

func (f *NewConnectionIDFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeNewConnectionID))
	writeVarInt(b, f.SequenceNumber)
	writeVarInt(b, f.RetirePriorTo)
	b.WriteByte(byte(f.ConnectionID.Len()))
	b.Write(f.ConnectionID.Bytes())
	b.Write(f.StatelessResetToken[:])
	return nil
}
func (f *NewConnectionIDFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + varIntLen(f.SequenceNumber) + varIntLen(f.RetirePriorTo) + 1 + protocol.ByteCount(f.ConnectionID.Len()) + 16
}
func parseNewConnectionIDFrame(r *bytes.Reader) (*NewConnectionIDFrame, error) {
	seq, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	retire, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	l, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	cid := make(protocol.ConnectionID, l)
	if _, err := io.ReadFull(r, cid); err != nil {
		return nil, err
	}
	var token protocol.StatelessResetToken
	if _, err := io.ReadFull(r, token[:]); err != nil {
		return nil, err
	}
	return &NewConnectionIDFrame{SequenceNumber: seq, RetirePriorTo: retire, ConnectionID: cid, StatelessResetToken: token}, nil
}

// RetireConnectionIDFrame tells the peer a connection ID it previously offered is no longer in use.
type RetireConnectionIDFrame struct{ SequenceNumber uint64 }

func (f *RetireConnectionIDFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypeRetireConnectionID))
	writeVarInt(b, f.SequenceNumber)
	return nil
}
func (f *RetireConnectionIDFrame) Length(protocol.Version) protocol.ByteCount { return 1 + varIntLen(f.SequenceNumber) }
func parseRetireConnectionIDFrame(r *bytes.Reader) (*RetireConnectionIDFrame, error) {
	seq, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &RetireConnectionIDFrame{SequenceNumber: seq}, nil
}

// PathChallengeFrame/PathResponseFrame implement path validation for connection migration.
type PathChallengeFrame struct{ Data [8]byte }

func (f *PathChallengeFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypePathChallenge))
	b.Write(f.Data[:])
	return nil
}
func (f *PathChallengeFrame) Length(protocol.Version) protocol.ByteCount { return 9 }
func parsePathChallengeFrame(r *bytes.Reader) (*PathChallengeFrame, error) {
	f := &PathChallengeFrame{}
	if _, err := io.ReadFull(r, f.Data[:]); err != nil {
		return nil, err
	}
	return f, nil
}

type PathResponseFrame struct{ Data [8]byte }

func (f *PathResponseFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	b.WriteByte(byte(FrameTypePathResponse))
	b.Write(f.Data[:])
	return nil
}
func (f *PathResponseFrame) Length(protocol.Version) protocol.ByteCount { return 9 }
func parsePathResponseFrame(r *bytes.Reader) (*PathResponseFrame, error) {
	f := &PathResponseFrame{}
	if _, err := io.ReadFull(r, f.Data[:]); err != nil {
		return nil, err
	}
	return f, nil
}

// IsProbingFrame reports whether a frame is one of the "probing" frames allowed on a
// not-yet-validated path (RFC 9000 Section 9.1): PATH_CHALLENGE/RESPONSE, NEW_CONNECTION_ID,
// PADDING.
func IsProbingFrame(f Frame) bool {
	switch f.(type) {
	case *PathChallengeFrame, *PathResponseFrame, *NewConnectionIDFrame, *PaddingFrame:
		return true
	default:
		return false
	}
}

// ConnectionCloseFrame signals connection termination, either due to a transport error or an
// application-layer error.
type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          uint64 // transport-error only: the frame type that triggered the error, 0 if none
	ReasonPhrase       string
}

func (f *ConnectionCloseFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	if f.IsApplicationError {
		b.WriteByte(byte(FrameTypeConnectionCloseApp))
	} else {
		b.WriteByte(byte(FrameTypeConnectionCloseTransport))
	}
	writeVarInt(b, f.ErrorCode)
	if !f.IsApplicationError {
		writeVarInt(b, f.FrameType)
	}
	writeVarInt(b, uint64(len(f.ReasonPhrase)))
	b.WriteString(f.ReasonPhrase)
	return nil
}
func (f *ConnectionCloseFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1) + varIntLen(f.ErrorCode) + varIntLen(uint64(len(f.ReasonPhrase))) + protocol.ByteCount(len(f.ReasonPhrase))
	if !f.IsApplicationError {
		l += varIntLen(f.FrameType)
	}
	return l
}
func parseConnectionCloseFrame(r *bytes.Reader, isApp bool) (*ConnectionCloseFrame, error) {
	errCode, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	f := &ConnectionCloseFrame{IsApplicationError: isApp, ErrorCode: errCode}
	if !isApp {
		ft, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		f.FrameType = ft
	}
	l, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	reason := make([]byte, l)
	if _, err := io.ReadFull(r, reason); err != nil {
		return nil, err
	}
	f.ReasonPhrase = string(reason)
	return f, nil
}
