package quic

import (
	"fmt"

	"github.com/frostgate-labs/qtransport/internal/qerr"
)

type (
	TransportError          = qerr.TransportError
	ApplicationError        = qerr.ApplicationError
	VersionNegotiationError = qerr.VersionNegotiationError
	StatelessResetError     = qerr.StatelessResetError
	IdleTimeoutError        = qerr.IdleTimeoutError
	HandshakeTimeoutError   = qerr.HandshakeTimeoutError
)

type (
	TransportErrorCode   = qerr.TransportErrorCode
	ApplicationErrorCode = qerr.ApplicationErrorCode
)

const (
	NoError                 = qerr.NoError
	InternalError           = qerr.InternalError
	ConnectionRefused       = qerr.ConnectionRefused
	FlowControlError        = qerr.FlowControlError
	StreamLimitError        = qerr.StreamLimitError
	StreamStateError        = qerr.StreamStateError
	FinalSizeError          = qerr.FinalSizeError
	FrameEncodingError      = qerr.FrameEncodingError
	TransportParameterError = qerr.TransportParameterError
	ConnectionIDLimitError  = qerr.ConnectionIDLimitError
	ProtocolViolation       = qerr.ProtocolViolation
	InvalidToken            = qerr.InvalidToken
	CryptoBufferExceeded    = qerr.CryptoBufferExceeded
	KeyUpdateError          = qerr.KeyUpdateError
	AEADLimitReached        = qerr.AEADLimitReached
	NoViablePath            = qerr.NoViablePath
)

// StreamErrorCode is the application-defined error code carried on RESET_STREAM and
// STOP_SENDING. It reuses the application error code space: both frames close one direction of
// one stream rather than the whole connection.
type StreamErrorCode = qerr.ApplicationErrorCode

// StreamError is returned from Stream.Read and Stream.Write when the corresponding direction
// was canceled, either locally via CancelRead/CancelWrite or by the peer via STOP_SENDING/
// RESET_STREAM. It is also returned by Stream.CancelRead/CancelWrite/ResetReliably
// themselves when the stream no longer accepts a reset.
type StreamError struct {
	StreamID  StreamID
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamError) Is(target error) bool {
	_, ok := target.(*StreamError)
	return ok
}

func (e *StreamError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("stream %d canceled by %s with error code %d", e.StreamID, side, e.ErrorCode)
}

// StreamGroupError is returned from operations on a joined stream whose group was torn down
// (GROUP_RESET received, or the group's owning stream finished with pending group members still
// open). It carries the group-level error code rather than a per-stream one, since a group reset
// closes every member stream for the same reason at once.
type StreamGroupError struct {
	GroupID   StreamGroupID
	StreamID  StreamID
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamGroupError) Is(target error) bool {
	_, ok := target.(*StreamGroupError)
	return ok
}

func (e *StreamGroupError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("stream %d canceled by %s group reset of group %d with error code %d",
		e.StreamID, side, e.GroupID, e.ErrorCode)
}

// ErrConnectionClosed is returned by every operation attempted after the connection has started
// closing or has drained.
var ErrConnectionClosed = qerr.NewLocalError(qerr.ErrConnectionClosed, "connection closed")
