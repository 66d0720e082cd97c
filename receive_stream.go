package quic

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/qerr"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// streamRecvState is the receive side of the state machine in §4.3: Open → Closed on a reliable
// FIN, or Open → ResetRecvd → Closed when the peer gives up on sending.
type streamRecvState uint8

const (
	streamRecvInvalid streamRecvState = iota
	streamRecvOpen
	streamRecvResetRecvd
	streamRecvClosed
)

type receiveStream struct {
	mu sync.Mutex

	streamID protocol.StreamID
	sender   streamSender
	fc       flowcontrol.StreamFlowController

	state streamRecvState

	// consumedOffset is how many bytes have been handed to Read or explicitly Consumed.
	// buf holds bytes from [consumedOffset, consumedOffset+len(buf)) that have arrived in order
	// and are ready to read; pending holds chunks that arrived ahead of consumedOffset, keyed by
	// absolute stream offset, waiting for the gap before them to fill in.
	consumedOffset protocol.ByteCount
	buf            []byte
	pending        map[protocol.ByteCount][]byte

	finalOffset *protocol.ByteCount
	closeErr    error // set once state leaves Open; returned by Read/Peek/Consume afterward

	readPaused bool
	peekPaused bool

	readChan     chan struct{}
	readDeadline time.Time

	readCallback ReadCallback
	peekCallback PeekCallback
}

var _ ReceiveStream = &receiveStream{}

// flowController exposes the stream's receive-side flow controller to the connection engine, for
// windowUpdateQueue registration and GetMaxWritableOnStream/SetStreamFlowControlWindow.
func (s *receiveStream) flowController() flowcontrol.StreamFlowController { return s.fc }

func newReceiveStream(id protocol.StreamID, sender streamSender, fc flowcontrol.StreamFlowController) *receiveStream {
	return &receiveStream{
		streamID: id,
		sender:   sender,
		fc:       fc,
		state:    streamRecvOpen,
		pending:  make(map[protocol.ByteCount][]byte),
		readChan: make(chan struct{}, 1),
	}
}

func (s *receiveStream) StreamID() StreamID { return s.streamID }

// handleStreamFrame implements the receive-side data path: bytes landing at consumedOffset merge
// straight into buf; bytes further out wait in pending until the gap closes.
func (s *receiveStream) handleStreamFrame(frame *wire.StreamFrame) error {
	s.mu.Lock()

	if s.state != streamRecvOpen {
		s.mu.Unlock()
		return nil // silently ignored per §4.3 once the receive side has moved on
	}

	end := frame.Offset + protocol.ByteCount(len(frame.Data))
	if err := s.fc.UpdateHighestReceived(end, frame.Fin); err != nil {
		s.mu.Unlock()
		return err
	}
	if frame.Fin {
		fo := end
		if s.finalOffset != nil && *s.finalOffset != fo {
			s.mu.Unlock()
			return qerr.NewTransportError(qerr.FinalSizeError, "stream final size changed")
		}
		s.finalOffset = &fo
	}

	delivered := false
	if len(frame.Data) > 0 {
		data, offset := frame.Data, frame.Offset
		if offset < s.consumedOffset {
			// fully or partially a retransmission of data already consumed; keep only the new tail.
			skip := s.consumedOffset - offset
			if skip >= protocol.ByteCount(len(data)) {
				data = nil
			} else {
				data = data[skip:]
				offset = s.consumedOffset
			}
		}
		if len(data) > 0 {
			s.pending[offset] = data
			s.mergePendingLocked()
			delivered = true
		}
	}

	closed := s.finalOffset != nil && s.consumedOffset+protocol.ByteCount(len(s.buf)) == *s.finalOffset && len(s.pending) == 0
	s.mu.Unlock()
	if delivered || closed {
		s.signalRead()
	}
	return nil
}

// mergePendingLocked absorbs any chunk in pending that starts exactly at the current contiguous
// frontier into buf, repeating until there's a gap.
func (s *receiveStream) mergePendingLocked() {
	frontier := s.consumedOffset + protocol.ByteCount(len(s.buf))
	for {
		chunk, ok := s.pending[frontier]
		if !ok {
			return
		}
		delete(s.pending, frontier)
		s.buf = append(s.buf, chunk...)
		frontier += protocol.ByteCount(len(chunk))
	}
}

// handleResetStreamFrame implements Open + RESET_STREAM(errCode[, reliableSize]) on the receive
// side: data up to reliableSize (or none, for a plain reset) is still delivered; the rest is
// discarded and the stream moves toward ResetRecvd/Closed.
func (s *receiveStream) handleResetStreamFrame(frame *wire.ResetStreamFrame) error {
	s.mu.Lock()
	if s.state != streamRecvOpen {
		s.mu.Unlock()
		return nil
	}
	if err := s.fc.UpdateHighestReceived(frame.FinalSize, true); err != nil {
		s.mu.Unlock()
		return err
	}
	reliableSize := protocol.ByteCount(0)
	if frame.ReliableSizeSet {
		reliableSize = frame.ReliableSize
	}
	s.state = streamRecvResetRecvd
	s.closeErr = &StreamError{StreamID: s.streamID, ErrorCode: StreamErrorCode(frame.ErrorCode), Remote: true}
	// Anything beyond the reliable size will never arrive; drop it so Read doesn't wait for it.
	if s.consumedOffset >= reliableSize {
		s.transitionToClosedLocked()
	}
	s.mu.Unlock()
	s.signalRead()
	return nil
}

func (s *receiveStream) transitionToClosedLocked() {
	if s.state == streamRecvClosed {
		return
	}
	s.state = streamRecvClosed
	s.fc.Abandon()
	s.sender.onStreamCompleted(s.streamID)
}

func (s *receiveStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.buf) > 0 && !s.readPaused {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.consumedOffset += protocol.ByteCount(n)
			if err := s.fc.AddBytesRead(protocol.ByteCount(n)); err != nil {
				return n, err
			}
			if len(s.buf) == 0 && s.state == streamRecvResetRecvd {
				s.transitionToClosedLocked()
			}
			return n, nil
		}
		if s.state == streamRecvClosed {
			if s.closeErr != nil {
				return 0, s.closeErr
			}
			return 0, io.EOF
		}
		if s.finalOffset != nil && s.consumedOffset == *s.finalOffset && len(s.buf) == 0 {
			s.transitionToClosedLocked()
			return 0, io.EOF
		}
		if !s.readDeadline.IsZero() && !time.Now().Before(s.readDeadline) {
			return 0, errDeadline
		}

		deadline := s.readDeadline
		s.mu.Unlock()
		if deadline.IsZero() {
			<-s.readChan
		} else {
			select {
			case <-s.readChan:
			case <-time.After(time.Until(deadline)):
			}
		}
		s.mu.Lock()
	}
}

func (s *receiveStream) Peek(maxBytes int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peekPaused {
		return nil, nil
	}
	if len(s.buf) == 0 {
		if s.state == streamRecvClosed {
			if s.closeErr != nil {
				return nil, s.closeErr
			}
			return nil, io.EOF
		}
		return nil, nil
	}
	n := maxBytes
	if n <= 0 || n > len(s.buf) {
		n = len(s.buf)
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *receiveStream) Consume(amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount < 0 || amount > len(s.buf) {
		return qerr.NewLocalError(qerr.ErrInvalidOperation, fmt.Sprintf("Consume(%d) exceeds %d buffered bytes on stream %d", amount, len(s.buf), s.streamID))
	}
	s.buf = s.buf[amount:]
	s.consumedOffset += protocol.ByteCount(amount)
	if err := s.fc.AddBytesRead(protocol.ByteCount(amount)); err != nil {
		return err
	}
	if len(s.buf) == 0 && s.state == streamRecvResetRecvd {
		s.transitionToClosedLocked()
	}
	return nil
}

func (s *receiveStream) ConsumeAt(offset, amount int64) (int64, error) {
	s.mu.Lock()
	expected := int64(s.consumedOffset)
	s.mu.Unlock()
	if offset != expected {
		return expected, qerr.NewLocalError(qerr.ErrInvalidOperation, fmt.Sprintf("ConsumeAt offset %d doesn't match expected %d on stream %d", offset, expected, s.streamID))
	}
	return expected + amount, s.Consume(int(amount))
}

func (s *receiveStream) CancelRead(errCode StreamErrorCode) error {
	s.mu.Lock()
	if s.state != streamRecvOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = streamRecvClosed
	s.buf = nil
	s.pending = nil
	s.closeErr = &StreamError{StreamID: s.streamID, ErrorCode: errCode, Remote: false}
	s.fc.Abandon()
	s.mu.Unlock()
	s.sender.queueControlFrame(&wire.StopSendingFrame{StreamID: s.streamID, ErrorCode: uint64(errCode)})
	s.sender.onStreamCompleted(s.streamID)
	s.signalRead()
	return nil
}

func (s *receiveStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	old := s.readDeadline
	s.readDeadline = t
	s.mu.Unlock()
	if old.IsZero() || t.Before(old) {
		s.signalRead()
	}
	return nil
}

func (s *receiveStream) PauseRead() {
	s.mu.Lock()
	s.readPaused = true
	s.mu.Unlock()
}

func (s *receiveStream) ResumeRead() {
	s.mu.Lock()
	s.readPaused = false
	s.mu.Unlock()
	s.signalRead()
}

func (s *receiveStream) PausePeek() {
	s.mu.Lock()
	s.peekPaused = true
	s.mu.Unlock()
}

func (s *receiveStream) ResumePeek() {
	s.mu.Lock()
	s.peekPaused = false
	s.mu.Unlock()
	if cb, ready := s.peekCallbackIfReady(); ready {
		cb(s.streamID)
	}
}

func (s *receiveStream) SetReadCallback(cb ReadCallback) {
	s.mu.Lock()
	s.readCallback = cb
	s.mu.Unlock()
}

func (s *receiveStream) SetPeekCallback(cb PeekCallback) {
	s.mu.Lock()
	s.peekCallback = cb
	s.mu.Unlock()
}

// closeForShutdown tears the stream down without notifying the peer.
func (s *receiveStream) closeForShutdown(err error) {
	s.mu.Lock()
	if s.state == streamRecvClosed {
		s.mu.Unlock()
		return
	}
	s.state = streamRecvClosed
	s.closeErr = err
	s.mu.Unlock()
	s.signalRead()
}

// signalRead wakes any goroutine blocked in Read and fires the read/peek callbacks if armed and
// not paused. It must be called without mu held.
func (s *receiveStream) signalRead() {
	select {
	case s.readChan <- struct{}{}:
	default:
	}
	if cb, ready := s.readCallbackIfReady(); ready {
		cb(s.streamID)
	}
	if cb, ready := s.peekCallbackIfReady(); ready {
		cb(s.streamID)
	}
}

func (s *receiveStream) readCallbackIfReady() (ReadCallback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readCallback == nil || s.readPaused || len(s.buf) == 0 {
		return nil, false
	}
	return s.readCallback, true
}

func (s *receiveStream) peekCallbackIfReady() (PeekCallback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peekCallback == nil || s.peekPaused || len(s.buf) == 0 {
		return nil, false
	}
	return s.peekCallback, true
}
