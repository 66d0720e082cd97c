// Package qerr defines the error taxonomy used throughout the connection engine:
// transport errors (peer-visible, fatal to the connection), application errors
// (peer-visible, carried in stream resets and application CONNECTION_CLOSE),
// and local errors (API misuse, never put on the wire).
package qerr

import (
	"fmt"
	"net"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// TransportErrorCode is a QUIC transport error code, as defined in RFC 9000 Section 20.1,
// extended with the error codes needed by the reliable-reset and stream-group extensions.
type TransportErrorCode uint64

const (
	NoError                  TransportErrorCode = 0x0
	InternalError            TransportErrorCode = 0x1
	ConnectionRefused        TransportErrorCode = 0x2
	FlowControlError         TransportErrorCode = 0x3
	StreamLimitError         TransportErrorCode = 0x4
	StreamStateError         TransportErrorCode = 0x5
	FinalSizeError           TransportErrorCode = 0x6
	FrameEncodingError       TransportErrorCode = 0x7
	TransportParameterError  TransportErrorCode = 0x8
	ConnectionIDLimitError   TransportErrorCode = 0x9
	ProtocolViolation        TransportErrorCode = 0xa
	InvalidToken             TransportErrorCode = 0xb
	TransportApplicationError TransportErrorCode = 0xc
	CryptoBufferExceeded     TransportErrorCode = 0xd
	KeyUpdateError           TransportErrorCode = 0xe
	AEADLimitReached         TransportErrorCode = 0xf
	NoViablePath             TransportErrorCode = 0x10
	// CryptoError is the base offset for TLS alerts carried as transport errors (0x100-0x1ff).
	CryptoError TransportErrorCode = 0x100
)

func (e TransportErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case ConnectionRefused:
		return "CONNECTION_REFUSED"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case StreamStateError:
		return "STREAM_STATE_ERROR"
	case FinalSizeError:
		return "FINAL_SIZE_ERROR"
	case FrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case TransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case ConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case InvalidToken:
		return "INVALID_TOKEN"
	case TransportApplicationError:
		return "APPLICATION_ERROR"
	case CryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case KeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case AEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case NoViablePath:
		return "NO_VIABLE_PATH"
	default:
		if e >= CryptoError && e < CryptoError+0x100 {
			return fmt.Sprintf("CRYPTO_ERROR %#x", uint64(e))
		}
		return fmt.Sprintf("unknown error code (%#x)", uint64(e))
	}
}

// locality renders the "(local)"/"(remote)" suffix used throughout this package's Error() strings.
func locality(remote bool) string {
	if remote {
		return "remote"
	}
	return "local"
}

// TransportError is a peer-visible error that is fatal to the connection. Encoding it onto a
// CONNECTION_CLOSE frame, and acting on it once received, is handled by the connection engine.
type TransportError struct {
	ErrorCode    TransportErrorCode
	ErrorMessage string
	FrameType    uint64 // the frame type that provoked this error, 0 if not frame-specific
	Remote       bool   // true if received from the peer rather than detected locally
}

func (e *TransportError) Error() string {
	str := fmt.Sprintf("%s (%s)", e.ErrorCode.String(), locality(e.Remote))
	if e.FrameType != 0 {
		str += fmt.Sprintf(" (frame type: %#x)", e.FrameType)
	}
	if e.ErrorMessage != "" {
		str += fmt.Sprintf(": %s", e.ErrorMessage)
	}
	return str
}

func (e *TransportError) Is(target error) bool {
	if target == net.ErrClosed {
		return true
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.ErrorCode == e.ErrorCode
}

func (e *TransportError) Timeout() bool   { return false }
func (e *TransportError) Temporary() bool { return false }

// NewTransportError builds a locally-detected (Remote: false) transport error.
func NewTransportError(code TransportErrorCode, msg string) *TransportError {
	return &TransportError{ErrorCode: code, ErrorMessage: msg}
}

// tlsAlertText returns the description crypto/tls associates with a TLS alert, used when a
// locally-raised crypto error isn't wrapping a more specific error.
func tlsAlertText(alert uint8) string {
	switch alert {
	case 0:
		return "tls: close notify"
	case 10:
		return "tls: unexpected message"
	case 20:
		return "tls: bad record MAC"
	case 21:
		return "tls: decryption failed"
	case 22:
		return "tls: record overflow"
	case 30:
		return "tls: decompression failure"
	case 40:
		return "tls: handshake failure"
	case 42:
		return "tls: bad certificate"
	case 43:
		return "tls: unsupported certificate"
	case 44:
		return "tls: revoked certificate"
	case 45:
		return "tls: expired certificate"
	case 46:
		return "tls: unknown certificate"
	case 47:
		return "tls: illegal parameter"
	case 48:
		return "tls: unknown certificate authority"
	case 49:
		return "tls: access denied"
	case 50:
		return "tls: error decoding message"
	case 51:
		return "tls: error decrypting message"
	case 70:
		return "tls: protocol version not supported"
	case 71:
		return "tls: insufficient security level"
	case 80:
		return "tls: internal error"
	case 90:
		return "tls: user canceled"
	case 109:
		return "tls: missing extension"
	case 110:
		return "tls: unsupported extension"
	case 112:
		return "tls: unrecognized name"
	case 115:
		return "tls: unknown PSK identity"
	case 116:
		return "tls: certificate required"
	case 120:
		return "tls: no application protocol"
	default:
		return fmt.Sprintf("tls: alert(%d)", alert)
	}
}

// LocalCryptoError is a transport error raised locally while processing the TLS handshake
// (certificate validation, unsupported parameters, ...), carried as a CRYPTO_ERROR per RFC 9001
// Section 4.8. Wrapped, if non-nil, is the underlying crypto/tls error that triggered it.
type LocalCryptoError struct {
	TLSAlert uint8
	Wrapped  error
}

// NewLocalCryptoError builds a CRYPTO_ERROR for the given TLS alert, optionally wrapping the
// crypto/tls error that caused it.
func NewLocalCryptoError(tlsAlert uint8, err error) *LocalCryptoError {
	return &LocalCryptoError{TLSAlert: tlsAlert, Wrapped: err}
}

func (e *LocalCryptoError) errorCode() TransportErrorCode {
	return CryptoError + TransportErrorCode(e.TLSAlert)
}

func (e *LocalCryptoError) Error() string {
	msg := tlsAlertText(e.TLSAlert)
	if e.Wrapped != nil {
		msg = e.Wrapped.Error()
	}
	return fmt.Sprintf("%s (%s): %s", e.errorCode().String(), locality(false), msg)
}

func (e *LocalCryptoError) Unwrap() error { return e.Wrapped }

// ApplicationErrorCode is an application-protocol-defined error code, used in stream resets,
// STOP_SENDING, and application CONNECTION_CLOSE frames.
type ApplicationErrorCode uint64

// ApplicationError is a peer-visible error carrying an application-defined code.
type ApplicationError struct {
	ErrorCode    ApplicationErrorCode
	ErrorMessage string
	Remote       bool
}

func (e *ApplicationError) Error() string {
	str := fmt.Sprintf("Application error %#x (%s)", uint64(e.ErrorCode), locality(e.Remote))
	if e.ErrorMessage != "" {
		str += fmt.Sprintf(": %s", e.ErrorMessage)
	}
	return str
}

func (e *ApplicationError) Is(target error) bool {
	if target == net.ErrClosed {
		return true
	}
	t, ok := target.(*ApplicationError)
	if !ok {
		return false
	}
	return t.ErrorCode == e.ErrorCode
}

func (e *ApplicationError) Timeout() bool   { return false }
func (e *ApplicationError) Temporary() bool { return false }

// LocalErrorCode identifies API misuse. These never reach the wire.
type LocalErrorCode uint8

const (
	ErrStreamNotExists LocalErrorCode = iota + 1
	ErrInvalidOperation
	ErrConnectionClosed
	ErrStreamClosed
	ErrInvalidStateTransition
)

// LocalError is returned directly to the caller of an API method; it never affects connection
// state and is never sent to the peer.
type LocalError struct {
	Code    LocalErrorCode
	Message string
}

func (e *LocalError) Error() string { return e.Message }

func NewLocalError(code LocalErrorCode, msg string) *LocalError {
	return &LocalError{Code: code, Message: msg}
}

// IdleTimeoutError is returned/logged when the connection is closed because no packet was
// received for the negotiated idle timeout.
type IdleTimeoutError struct{}

func (IdleTimeoutError) Error() string { return "timeout: no recent network activity" }
func (IdleTimeoutError) Timeout() bool { return true }
func (IdleTimeoutError) Temporary() bool { return false }
func (IdleTimeoutError) Is(target error) bool { return target == net.ErrClosed }

// HandshakeTimeoutError is returned when the handshake doesn't complete in time.
type HandshakeTimeoutError struct{}

func (HandshakeTimeoutError) Error() string { return "timeout: handshake did not complete in time" }
func (HandshakeTimeoutError) Timeout() bool { return true }
func (HandshakeTimeoutError) Temporary() bool { return false }
func (HandshakeTimeoutError) Is(target error) bool { return target == net.ErrClosed }

// VersionNegotiationError is returned when client and server can't agree on a QUIC version.
type VersionNegotiationError struct {
	Ours, Theirs []protocol.Version
}

func (e *VersionNegotiationError) Error() string {
	return fmt.Sprintf("no compatible QUIC version found (we support %s, server offered %s)", formatVersions(e.Ours), formatVersions(e.Theirs))
}

func (e *VersionNegotiationError) Is(target error) bool { return target == net.ErrClosed }

func formatVersions(v []protocol.Version) string {
	s := "["
	for i, ver := range v {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%#x", uint32(ver))
	}
	return s + "]"
}

// StatelessResetError is returned when a stateless reset for this connection is received.
type StatelessResetError struct {
	Token protocol.StatelessResetToken
}

func (e *StatelessResetError) Error() string {
	return fmt.Sprintf("received a stateless reset with token %x", e.Token)
}

func (e *StatelessResetError) Timeout() bool   { return false }
func (e *StatelessResetError) Temporary() bool { return false }
func (e *StatelessResetError) Is(target error) bool { return target == net.ErrClosed }
