package quic

import (
	"context"
	"errors"
	"sync"

	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// datagramRcvQueueLen bounds the receive side; an unreliable DATAGRAM frame that arrives once
// this is full is simply dropped, matching §3's "bounded FIFO ... drop-newest on overflow".
const datagramRcvQueueLen = 32

// maxDatagramPeekAttempts bounds how many times a queued send-side frame can be peeked by the
// packet packer without ever fitting, before it's given up on as too big to ever send.
const maxDatagramPeekAttempts = 3

var errDatagramQueuedTooLong = errors.New("quic: DATAGRAM frame too large to ever fit in a packet")
var errDatagramDroppedCtxCanceled = errors.New("quic: DATAGRAM dropped: context canceled before it could be sent")

// datagramQueue implements the unreliable datagram extension (RFC 9221): a one-deep send queue
// (AddAndWait blocks until the packet packer has dequeued and sent the previous one) and a
// bounded receive FIFO.
type datagramQueue struct {
	sendQueue chan *wire.DatagramFrame
	nextFrame *wire.DatagramFrame
	peekCount int

	rcvMx    sync.Mutex
	rcvQueue [][]byte
	rcvd     chan struct{}

	closeErr error
	closed   chan struct{}

	hasData func()
	dequeued chan error

	logger utils.Logger
}

func newDatagramQueue(hasData func(), logger utils.Logger) *datagramQueue {
	return &datagramQueue{
		hasData:   hasData,
		sendQueue: make(chan *wire.DatagramFrame, 1),
		rcvd:      make(chan struct{}, 1),
		dequeued:  make(chan error),
		closed:    make(chan struct{}),
		logger:    logger,
	}
}

// AddAndWait queues f for sending and blocks until it has been dequeued by the packet packer
// (successfully sent or given up on), ctx is canceled, or the connection closes.
func (h *datagramQueue) AddAndWait(ctx context.Context, f *wire.DatagramFrame) error {
	select {
	case <-ctx.Done():
		return errDatagramDroppedCtxCanceled
	case h.sendQueue <- f:
		h.hasData()
	case <-h.closed:
		return h.closeErr
	}

	select {
	case err := <-h.dequeued:
		return err
	case <-h.closed:
		return h.closeErr
	}
}

// Peek returns the next DATAGRAM frame due to send, or nil if there isn't one. Pop must be
// called once the caller has decided whether it actually sent the frame, before the next Peek.
func (h *datagramQueue) Peek() *wire.DatagramFrame {
	if h.nextFrame == nil {
		select {
		case h.nextFrame = <-h.sendQueue:
		default:
			return nil
		}
	}
	h.peekCount++
	if h.peekCount > maxDatagramPeekAttempts {
		h.Pop(errDatagramQueuedTooLong)
		return nil
	}
	return h.nextFrame
}

// Pop reports the outcome of the frame last returned by Peek, err nil on successful send.
func (h *datagramQueue) Pop(err error) {
	if h.nextFrame == nil {
		panic("datagramQueue: Pop called without a pending frame")
	}
	h.nextFrame = nil
	h.peekCount = 0
	h.dequeued <- err
}

// HandleDatagramFrame handles a received DATAGRAM frame, dropping it if the receive queue is full.
func (h *datagramQueue) HandleDatagramFrame(f *wire.DatagramFrame) {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	h.rcvMx.Lock()
	queued := len(h.rcvQueue) < datagramRcvQueueLen
	if queued {
		h.rcvQueue = append(h.rcvQueue, data)
		select {
		case h.rcvd <- struct{}{}:
		default:
		}
	}
	h.rcvMx.Unlock()
	if !queued && h.logger.Debug() {
		h.logger.Debugf("Discarding DATAGRAM frame (%d bytes payload), receive queue full", len(f.Data))
	}
}

// Receive blocks for the next received DATAGRAM payload.
func (h *datagramQueue) Receive(ctx context.Context) ([]byte, error) {
	for {
		h.rcvMx.Lock()
		if len(h.rcvQueue) > 0 {
			data := h.rcvQueue[0]
			h.rcvQueue = h.rcvQueue[1:]
			h.rcvMx.Unlock()
			return data, nil
		}
		h.rcvMx.Unlock()
		select {
		case <-h.rcvd:
			continue
		case <-h.closed:
			return nil, h.closeErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *datagramQueue) CloseWithError(e error) {
	h.closeErr = e
	close(h.closed)
}
