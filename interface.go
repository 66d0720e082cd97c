package quic

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// StreamID identifies a stream within a connection. Bit 0 of the ID encodes which endpoint
// initiated the stream, bit 1 encodes whether it is unidirectional; see protocol.StreamID.
type StreamID = protocol.StreamID

// StreamGroupID identifies a stream group created by createBidiGroup/createUniGroup. Group IDs
// and stream IDs are drawn from independent spaces: a group ID of 0 always means "no group".
type StreamGroupID uint64

// ByteEventType distinguishes the two points in a stream's outbound lifetime a byte offset can be
// observed crossing: queued for transmission (Tx) versus acknowledged by the peer (Ack).
type ByteEventType uint8

const (
	ByteEventTx ByteEventType = iota
	ByteEventAck
)

// ByteEventCallback is invoked once, at most, for a given (type, id, offset) registered with
// SetByteEventCallback. It is invoked only when the connection closes, with the non-nil close
// error; reaching the offset does not invoke it, and a stream's registrations are discarded
// unfired when that stream completes.
type ByteEventCallback func(id StreamID, offset int64, err error)

// ReadCallback is invoked whenever new bytes become available to Read on a stream.
type ReadCallback func(id StreamID)

// PeekCallback behaves like ReadCallback but for the peek cursor, which does not consume bytes.
type PeekCallback func(id StreamID)

// DatagramCallback is invoked whenever an unreliable DATAGRAM frame is received.
type DatagramCallback func(data []byte)

// PingResult distinguishes a ping that was answered from one that timed out.
type PingResult uint8

const (
	PingAcked PingResult = iota
	PingTimedOut
)

// PingCallback is invoked once per sendPing call, with the outcome of that ping.
type PingCallback func(PingResult)

// SendStream is the write half of a Stream, or a unidirectional stream opened locally.
type SendStream interface {
	// StreamID returns the stream's ID. It is valid for the lifetime of the stream.
	StreamID() StreamID

	// Write writes data to the stream. It blocks the calling goroutine until either all of data
	// has been handed to the retransmission buffer, the stream's write deadline passes, or the
	// write side is reset locally or by the peer's STOP_SENDING. A short write is only possible
	// alongside a non-nil error.
	Write(data []byte) (int, error)

	// Close sends a STREAM frame with the FIN bit set once all previously written data has been
	// sent, and transitions the send side out of Open without requiring an ack. It does not
	// block for delivery.
	Close() error

	// CancelWrite sends RESET_STREAM(errCode) and transitions the send side to ResetSent, discarding
	// everything not yet acked. Calling it again with a different error code panics, matching the
	// write-once appErrorCodeToPeer invariant; calling it with the same code is a no-op.
	CancelWrite(errCode StreamErrorCode) error

	// ResetReliably behaves like CancelWrite, but sends RESET_STREAM_AT so that bytes up to
	// reliableSize are still guaranteed delivery; only valid when the peer advertised
	// reliable-stream-reset support. A second call may only lower reliableSize, never raise it.
	ResetReliably(errCode StreamErrorCode, reliableSize int64) error

	SetWriteDeadline(t time.Time) error

	// Context is canceled as soon as the send side leaves Open, for any reason.
	Context() context.Context
}

// ReceiveStream is the read half of a Stream, or a unidirectional stream opened by the peer.
type ReceiveStream interface {
	StreamID() StreamID

	// Read blocks until at least one byte is available, the read deadline passes, or the read
	// side closes. It returns io.EOF once the peer's FIN has been fully consumed.
	Read(p []byte) (int, error)

	// CancelRead sends STOP_SENDING(errCode) and discards any buffered data, transitioning the
	// receive side toward Closed without waiting for the peer's response.
	CancelRead(errCode StreamErrorCode) error

	SetReadDeadline(t time.Time) error

	// Peek returns currently available data starting at the peek cursor without advancing the
	// read cursor; Consume then advances the read cursor by amount, which must not exceed what
	// has been peeked.
	Peek(maxBytes int) ([]byte, error)
	Consume(amount int) error
	// ConsumeAt is the offset-checked variant of Consume: it fails with the stream's current
	// expected offset if offset does not match, instead of consuming.
	ConsumeAt(offset, amount int64) (expectedOffset int64, err error)

	PauseRead()
	ResumeRead()
	PausePeek()
	ResumePeek()

	SetReadCallback(ReadCallback)
	SetPeekCallback(PeekCallback)
}

// Stream is a bidirectional QUIC stream: both directions share a StreamID but otherwise progress
// independently, including independently resetting.
type Stream interface {
	SendStream
	ReceiveStream
	// SetDeadline sets both the read and write deadlines.
	SetDeadline(t time.Time) error
}

// ConnectionState summarizes the parameters and extensions negotiated during the handshake.
type ConnectionState struct {
	TLS                      tls.ConnectionState
	Used0RTT                 bool
	SupportsDatagrams        bool
	MaxDatagramFrameSize     int64
	SupportsKnobFrames       bool
	SupportsReliableReset    bool
	AdvertisedMaxStreamGroups uint64
	AckReceiveTimestamps     bool
	ExtendedAckFeatures      uint64
}

// StreamGroupPolicy controls how streams in a group are retransmitted. A nil *MaxRetransmissions
// means unlimited, matching a stream outside any group.
type StreamGroupPolicy struct {
	MaxRetransmissions *uint32
}

// Connection is a single QUIC connection between two peers, established or in the process of
// being established (see EarlyConnection for the 0-RTT variant available before that finishes).
type Connection interface {
	// AcceptStream returns the next peer-initiated bidirectional stream, blocking until one
	// arrives, ctx is canceled, or the connection closes.
	AcceptStream(ctx context.Context) (Stream, error)
	// AcceptUniStream returns the next peer-initiated unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// OpenStream opens a new bidirectional stream, failing immediately with a flow-control error
	// if the peer's concurrent stream limit is already reached.
	OpenStream() (Stream, error)
	// OpenStreamSync blocks until a new bidirectional stream can be opened.
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)

	// CreateBidiGroup/CreateUniGroup allocate a new stream group; INVALID_OPERATION if the peer
	// did not advertise stream-groups support.
	CreateBidiGroup() (StreamGroupID, error)
	CreateUniGroup() (StreamGroupID, error)
	// OpenStreamInGroup/OpenUniStreamInGroup behave like their non-grouped counterparts but mark
	// the new stream as a member of gid.
	OpenStreamInGroup(gid StreamGroupID) (Stream, error)
	OpenUniStreamInGroup(gid StreamGroupID) (SendStream, error)
	// SetStreamGroupRetransmissionPolicy installs policy for every current and future member of
	// gid; a nil policy restores the connection default. INVALID_OPERATION if
	// advertisedMaxStreamGroups is 0.
	SetStreamGroupRetransmissionPolicy(gid StreamGroupID, policy *StreamGroupPolicy) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	ConnectionState() ConnectionState

	// Context is canceled once the connection is closed, drained, or the handshake fails.
	Context() context.Context

	// SendDatagram queues an unreliable DATAGRAM frame; fails with INVALID_OPERATION if the peer
	// did not advertise a usable max_datagram_frame_size.
	SendDatagram(data []byte) error
	// ReceiveDatagram blocks for the next DATAGRAM payload.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	SetDatagramCallback(DatagramCallback)
	SetPingCallback(PingCallback)
	SendPing(timeout time.Duration) error
	// SetByteEventCallback registers a one-shot callback for offset on the given stream, tagged
	// with typ (ByteEventTx or ByteEventAck). The callback does not fire when the offset is
	// transmitted or acknowledged; it fires only with the close error when the connection closes,
	// and is discarded unfired if the stream completes first.
	SetByteEventCallback(typ ByteEventType, id StreamID, offset int64, cb ByteEventCallback) error

	GetConnectionFlowControlWindow() int64
	SetConnectionFlowControlWindow(w int64)
	SetStreamFlowControlWindow(id StreamID, w int64) error
	GetMaxWritableOnStream(id StreamID) (int64, error)

	// CloseWithError sends CONNECTION_CLOSE(code, msg) and tears down immediately.
	CloseWithError(code ApplicationErrorCode, msg string) error
	// CloseGracefully sends CONNECTION_CLOSE once all open streams finish, or the drain timeout
	// (3 PTOs) elapses, whichever comes first.
	CloseGracefully(msg string) error
	// ResetNonControlStreams cancels every open stream except streamID 0/1 (reserved for
	// transport-level use by the application) with err, without closing the connection.
	ResetNonControlStreams(code ApplicationErrorCode, msg string) error
}

// EarlyConnection is returned while a connection may still be using 0-RTT keys; it exposes
// everything Connection does plus HandshakeComplete, and every stream opened on it may have its
// data rejected if the handshake ultimately fails (see the 0-RTT rejection note in NextConnection).
type EarlyConnection interface {
	Connection
	// HandshakeComplete is closed once the handshake finishes and 0-RTT data is confirmed.
	HandshakeComplete() <-chan struct{}
	// NextConnection blocks until the handshake completes, then returns the same Connection with
	// the early-data risk resolved.
	NextConnection(ctx context.Context) (Connection, error)
}

// TokenStore stores resumption tickets and server transport parameters across connections to the
// same server, used to enable 0-RTT on reconnect.
type TokenStore interface {
	Put(key string, data []byte)
	Pop(key string) []byte
}

// Config contains all configuration for a QUIC client or server connection.
type Config struct {
	TLSConfig *tls.Config

	// HandshakeIdleTimeout is the idle timeout before the handshake completes.
	HandshakeIdleTimeout time.Duration
	// MaxIdleTimeout is the idle timeout for an established connection; effective idle timeout is
	// the smaller of this and the peer's advertised max_idle_timeout.
	MaxIdleTimeout time.Duration

	InitialPacketSize uint16

	InitialStreamReceiveWindow     uint64
	MaxStreamReceiveWindow         uint64
	InitialConnectionReceiveWindow uint64
	MaxConnectionReceiveWindow     uint64

	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64

	ConnectionIDLength      int
	ActiveConnectionIDLimit uint64

	// TokenStore enables 0-RTT: without one, every connection falls back to a full 1-RTT handshake.
	TokenStore TokenStore
	Allow0RTT  bool

	EnableDatagrams bool
	// MaxStreamGroups advertises stream_groups_enabled with this as the max concurrently open
	// groups; 0 disables the extension.
	MaxStreamGroups uint64
	// EnableReliableStreamReset advertises the reliable-stream-reset transport parameter.
	EnableReliableStreamReset bool
	EnableKnobFrames          bool
	// KnobCallback, if set, is invoked with the space, ID, and blob of every KNOB frame received
	// once EnableKnobFrames has been negotiated. It must not block.
	KnobCallback         func(knobSpace uint64, knobID uint64, knobBlob []byte)
	AckReceiveTimestamps bool

	// EnableAckFrequency negotiates the extended-ack feature and, once the handshake is
	// confirmed, sends one AckFrequencyFrame requesting the peer space out its ACKs per
	// AckElicitingThreshold/MaxAckDelay instead of the RFC 9000 default.
	EnableAckFrequency    bool
	AckElicitingThreshold uint64
	MaxAckDelay           time.Duration
	ReorderingThreshold   uint64

	DisablePathMTUDiscovery bool

	// BatchSize controls how many packets the egress batch writer accumulates before flushing;
	// see internal/batchwriter. 1 disables batching.
	BatchSize int
}

// Listener accepts incoming QUIC connections on a bound UDP socket.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() net.Addr
}

// EarlyListener is a Listener that hands back connections before their handshake is confirmed,
// for servers willing to accept 0-RTT data.
type EarlyListener interface {
	Accept(ctx context.Context) (EarlyConnection, error)
	Close() error
	Addr() net.Addr
}
