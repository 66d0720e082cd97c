package quic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// streamSendState is the send side of the state machine in §4.3: Open covers "never written to"
// through "still writing"; sendReset or a fully-acked FIN is what leaves it.
type streamSendState uint8

const (
	streamSendInvalid streamSendState = iota
	streamSendOpen
	streamSendResetSent
	streamSendClosed
)

// streamSender is how a stream tells the connection engine it has something to do: a control
// frame (RESET_STREAM, STOP_SENDING, ...) to send outside the round-robin data path, or a change
// in whether it has data queued, which drives its membership in the round-robin scheduler.
type streamSender interface {
	queueControlFrame(wire.Frame)
	queueControlFrameWithAckCallback(wire.Frame, func())
	onHasStreamData(id protocol.StreamID)
	onStreamCompleted(id protocol.StreamID)
}

// errDeadline is returned by a blocking Write/Read once its deadline passes.
var errDeadline = &qerr.LocalError{Code: qerr.ErrInvalidOperation, Message: "deadline exceeded"}

// retransmitChunk is a previously-sent byte range that was declared lost and needs to go out
// again at its original offset, ahead of any data that hasn't been sent even once yet.
type retransmitChunk struct {
	offset protocol.ByteCount
	data   []byte
	fin    bool
}

type sendStream struct {
	mu sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc

	streamID protocol.StreamID
	sender   streamSender
	fc       flowcontrol.StreamFlowController

	state streamSendState

	writeOffset     protocol.ByteCount
	dataForWriting  []byte
	retransmissions []retransmitChunk
	writeChan       chan struct{}
	writeDeadline   time.Time

	finQueued bool // Close() was called; a FIN still needs to be popped into a frame
	finSent   bool
	acked     byteIntervalSet

	appErrorCodeToPeer   *StreamErrorCode
	reliableSizeToPeer   *protocol.ByteCount
	minReliableSizeAcked protocol.ByteCount

	group *streamGroup

	closeErr error // returned from Write/Close once the send side has left Open
}

var _ SendStream = &sendStream{}

// flowController exposes the stream's send-side flow controller to the connection engine, for
// GetMaxWritableOnStream/SetStreamFlowControlWindow.
func (s *sendStream) flowController() flowcontrol.StreamFlowController { return s.fc }

func newSendStream(id protocol.StreamID, sender streamSender, fc flowcontrol.StreamFlowController) *sendStream {
	s := &sendStream{
		streamID:  id,
		sender:    sender,
		fc:        fc,
		state:     streamSendOpen,
		writeChan: make(chan struct{}, 1),
	}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	return s
}

func (s *sendStream) StreamID() StreamID { return s.streamID }

// Write buffers p for sending and blocks until every byte of it has been handed to a STREAM
// frame (not until it's acked). Concurrent calls to Write on
// the same stream are not supported, matching the single-writer assumption the rest of this type
// makes about dataForWriting.
func (s *sendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != streamSendOpen {
		return 0, s.writeErrorLocked()
	}
	if !s.writeDeadline.IsZero() && !time.Now().Before(s.writeDeadline) {
		return 0, errDeadline
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.dataForWriting = p
	s.sender.onHasStreamData(s.streamID)

	var err error
	for {
		written := len(p) - len(s.dataForWriting)
		if s.state != streamSendOpen {
			if err == nil {
				err = s.writeErrorLocked()
			}
			s.dataForWriting = nil
			return written, err
		}
		if s.dataForWriting == nil {
			return written, nil
		}
		deadline := s.writeDeadline
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.dataForWriting = nil
			return written, errDeadline
		}

		s.mu.Unlock()
		if deadline.IsZero() {
			<-s.writeChan
		} else {
			select {
			case <-s.writeChan:
			case <-time.After(time.Until(deadline)):
			}
		}
		s.mu.Lock()
	}
}

// writeErrorLocked must be called with mu held and state != Open.
func (s *sendStream) writeErrorLocked() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return qerr.NewLocalError(qerr.ErrStreamClosed, fmt.Sprintf("stream %d closed", s.streamID))
}

// popStreamFrame returns the next STREAM frame to send on this stream, wrapped with the ack/loss
// callbacks implementing the send-side transitions of §4.3, or nil if there is nothing to send
// within maxBytes. Retransmissions of previously-sent, now-lost ranges always take priority over
// data that has never been sent.
func (s *sendStream) popStreamFrame(maxBytes protocol.ByteCount) *ackhandler.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != streamSendOpen {
		return nil
	}
	if len(s.retransmissions) > 0 {
		return s.popRetransmissionLocked(maxBytes)
	}
	return s.popNewDataLocked(maxBytes)
}

func (s *sendStream) popRetransmissionLocked(maxBytes protocol.ByteCount) *ackhandler.Frame {
	chunk := s.retransmissions[0]
	frame := &wire.StreamFrame{StreamID: s.streamID, Offset: chunk.offset, DataLenPresent: true}
	hdrLen := frame.Length(protocol.Version1)
	if hdrLen >= maxBytes {
		return nil
	}
	maxData := maxBytes - hdrLen
	if protocol.ByteCount(len(chunk.data)) <= maxData {
		s.retransmissions = s.retransmissions[1:]
		frame.Data = chunk.data
		frame.Fin = chunk.fin
	} else {
		frame.Data = chunk.data[:maxData]
		s.retransmissions[0] = retransmitChunk{offset: chunk.offset + maxData, data: chunk.data[maxData:], fin: chunk.fin}
	}
	start, end := chunk.offset, chunk.offset+protocol.ByteCount(len(frame.Data))
	fin := frame.Fin
	af := &ackhandler.Frame{Frame: frame}
	af.OnLost = func(*ackhandler.Frame) { s.requeueRetransmission(start, frame.Data, fin) }
	af.OnAcked = func(*ackhandler.Frame) { s.handleAcked(start, end, fin) }
	return af
}

func (s *sendStream) popNewDataLocked(maxBytes protocol.ByteCount) *ackhandler.Frame {
	frame := &wire.StreamFrame{StreamID: s.streamID, Offset: s.writeOffset, DataLenPresent: true}
	hdrLen := frame.Length(protocol.Version1)
	if hdrLen >= maxBytes {
		return nil
	}
	maxData := maxBytes - hdrLen
	if sendWindow := s.fc.SendWindowSize(); maxData > sendWindow {
		maxData = sendWindow
	}
	if protocol.ByteCount(len(s.dataForWriting)) < maxData {
		maxData = protocol.ByteCount(len(s.dataForWriting))
	}

	data := s.dataForWriting[:maxData]
	fin := s.finQueued && protocol.ByteCount(len(s.dataForWriting)) == maxData
	if len(data) == 0 && !fin {
		if isBlocked, offset := s.fc.IsNewlyBlocked(); isBlocked {
			s.sender.queueControlFrame(&wire.StreamDataBlockedFrame{StreamID: s.streamID, MaximumStreamData: offset})
		}
		return nil
	}

	s.dataForWriting = s.dataForWriting[maxData:]
	if len(s.dataForWriting) == 0 {
		s.dataForWriting = nil
		s.signalWrite()
	}

	frame.Data = data
	frame.Fin = fin
	start := s.writeOffset
	end := start + protocol.ByteCount(len(data))
	s.writeOffset = end
	s.fc.AddBytesSent(protocol.ByteCount(len(data)))
	if fin {
		s.finSent = true
	}

	af := &ackhandler.Frame{Frame: frame}
	af.OnLost = func(*ackhandler.Frame) { s.requeueRetransmission(start, data, fin) }
	af.OnAcked = func(*ackhandler.Frame) { s.handleAcked(start, end, fin) }
	return af
}

func (s *sendStream) requeueRetransmission(offset protocol.ByteCount, data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamSendOpen && s.state != streamSendResetSent {
		return
	}
	// Reliable reset may have lowered what still needs delivery; don't resend past that point.
	if s.reliableSizeToPeer != nil && offset >= *s.reliableSizeToPeer {
		return
	}
	s.retransmissions = append(s.retransmissions, retransmitChunk{offset: offset, data: data, fin: fin})
	s.sender.onHasStreamData(s.streamID)
}

func (s *sendStream) handleAcked(start, end protocol.ByteCount, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamSendClosed || s.state == streamSendInvalid {
		return
	}
	s.acked.Add(start, end)

	switch s.state {
	case streamSendOpen:
		if fin && s.acked.CoversUpTo(end) {
			s.closeSendSideLocked()
		}
	case streamSendResetSent:
		if s.reliableSizeToPeer != nil && s.acked.CoversUpTo(s.minReliableSizeAcked) {
			s.closeSendSideLocked()
		}
	}
}

// handleResetAcked implements ResetSent + ackOfReset(reliableSize?) from §4.3.
func (s *sendStream) handleResetAcked(reliableSize *protocol.ByteCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamSendResetSent {
		return
	}
	acked := protocol.ByteCount(0)
	if reliableSize != nil {
		acked = *reliableSize
	}
	if acked < s.minReliableSizeAcked {
		s.minReliableSizeAcked = acked
	}
	if s.reliableSizeToPeer == nil || s.acked.CoversUpTo(s.minReliableSizeAcked) {
		s.closeSendSideLocked()
	}
}

// Close queues a FIN after all previously written data; it does not block for delivery.
func (s *sendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamSendOpen {
		return qerr.NewLocalError(qerr.ErrStreamClosed, fmt.Sprintf("Close called for stream %d not open for writing", s.streamID))
	}
	s.finQueued = true
	s.sender.onHasStreamData(s.streamID)
	return nil
}

func (s *sendStream) CancelWrite(errCode StreamErrorCode) error {
	return s.resetLocked(errCode, nil)
}

func (s *sendStream) ResetReliably(errCode StreamErrorCode, reliableSize int64) error {
	rs := protocol.ByteCount(reliableSize)
	return s.resetLocked(errCode, &rs)
}

// resetLocked implements Open + sendReset(errCode, reliableSize?) from §4.3, including the
// programming-error panic on a changed error code and the reliable-size monotonicity invariant
// from §3.
func (s *sendStream) resetLocked(errCode StreamErrorCode, reliableSize *protocol.ByteCount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appErrorCodeToPeer != nil && *s.appErrorCodeToPeer != errCode {
		panic(fmt.Sprintf("stream %d: reset error code changed from %d to %d", s.streamID, *s.appErrorCodeToPeer, errCode))
	}
	if reliableSize != nil && s.reliableSizeToPeer != nil && *reliableSize > *s.reliableSizeToPeer {
		panic(fmt.Sprintf("stream %d: reliable size grew from %d to %d", s.streamID, *s.reliableSizeToPeer, *reliableSize))
	}
	if s.state != streamSendOpen {
		if s.state == streamSendResetSent {
			return nil // same reset, already in flight
		}
		return qerr.NewLocalError(qerr.ErrStreamClosed, fmt.Sprintf("CancelWrite for closed stream %d", s.streamID))
	}

	code := errCode
	s.appErrorCodeToPeer = &code
	s.reliableSizeToPeer = reliableSize
	frame := &wire.ResetStreamFrame{StreamID: s.streamID, ErrorCode: uint64(errCode), FinalSize: s.writeOffset}
	if reliableSize != nil {
		frame.ReliableSizeSet = true
		frame.ReliableSize = *reliableSize
		s.minReliableSizeAcked = *reliableSize
	}
	s.state = streamSendResetSent
	s.dataForWriting = nil
	s.retransmissions = nil
	s.closeErr = &StreamError{StreamID: s.streamID, ErrorCode: errCode, Remote: false}
	s.signalWrite()
	s.sender.queueControlFrameWithAckCallback(frame, func() { s.handleResetAcked(reliableSize) })
	if reliableSize == nil || *reliableSize == 0 {
		s.closeSendSideLocked()
	}
	return nil
}

// handleStopSendingFrame implements Open + STOP_SENDING(frame) from §4.3: by itself this only
// records the peer's ask, it does not transition the stream; the application still decides
// whether and how to reset by calling CancelWrite/ResetReliably.
func (s *sendStream) handleStopSendingFrame(frame *wire.StopSendingFrame, cb func(StreamErrorCode)) {
	if cb != nil {
		cb(StreamErrorCode(frame.ErrorCode))
	}
}

func (s *sendStream) handleMaxStreamDataFrame(frame *wire.MaxStreamDataFrame) {
	s.fc.UpdateSendWindow(frame.MaximumStreamData)
	s.mu.Lock()
	hasData := s.dataForWriting != nil || len(s.retransmissions) > 0
	s.mu.Unlock()
	if hasData {
		s.sender.onHasStreamData(s.streamID)
	}
}

// closeSendSideLocked must be called with mu held; it is the single path to streamSendClosed.
func (s *sendStream) closeSendSideLocked() {
	if s.state == streamSendClosed {
		return
	}
	s.state = streamSendClosed
	s.fc.Abandon()
	s.ctxCancel()
	s.signalWrite()
	s.sender.onStreamCompleted(s.streamID)
}

func (s *sendStream) Context() context.Context { return s.ctx }

func (s *sendStream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	old := s.writeDeadline
	s.writeDeadline = t
	s.mu.Unlock()
	if old.IsZero() || t.Before(old) {
		s.signalWrite()
	}
	return nil
}

// closeForShutdown tears the stream down without notifying the peer, used when the whole
// connection is closing.
func (s *sendStream) closeForShutdown(err error) {
	s.mu.Lock()
	if s.state == streamSendClosed {
		s.mu.Unlock()
		return
	}
	s.state = streamSendClosed
	s.closeErr = err
	s.mu.Unlock()
	s.ctxCancel()
	s.signalWrite()
}

func (s *sendStream) hasDataForWriting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataForWriting != nil || len(s.retransmissions) > 0 || (s.finQueued && !s.finSent)
}

func (s *sendStream) signalWrite() {
	select {
	case s.writeChan <- struct{}{}:
	default:
	}
}
