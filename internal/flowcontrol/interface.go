// Package flowcontrol implements the per-connection and per-stream flow controllers
// named in the data model (send/receive windows, auto-tuning, MAX_DATA/MAX_STREAM_DATA
// emission).
package flowcontrol

import "github.com/frostgate-labs/qtransport/internal/protocol"

// StreamFlowController tracks one stream's send and receive windows.
type StreamFlowController interface {
	AddBytesSent(protocol.ByteCount)
	SendWindowSize() protocol.ByteCount
	UpdateSendWindow(protocol.ByteCount)
	IsNewlyBlocked() (bool, protocol.ByteCount)

	AddBytesRead(protocol.ByteCount) error
	UpdateHighestReceived(offset protocol.ByteCount, final bool) error
	GetWindowUpdate() protocol.ByteCount
	Abandon()
}

// ConnectionFlowController tracks the connection-wide send and receive windows.
type ConnectionFlowController interface {
	AddBytesSent(protocol.ByteCount)
	SendWindowSize() protocol.ByteCount
	UpdateSendWindow(protocol.ByteCount)
	IsNewlyBlocked() (bool, protocol.ByteCount)

	AddBytesRead(protocol.ByteCount) error
	GetWindowUpdate() protocol.ByteCount
	EnsureMinimumWindowSize(protocol.ByteCount)
}
