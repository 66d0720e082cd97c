// Package batchwriter implements the pluggable egress batch writer: payloads of known length
// accumulate in a buffer up to a configured batch count and are flushed to the UDP socket in as
// few send syscalls as the platform's Sender allows.
package batchwriter

import (
	"errors"
	"net"
)

// ErrPartialSend is returned by Flush when the Sender accepted fewer payloads than were queued.
// The caller (the connection engine) treats the unsent payloads as still outstanding; it never
// reorders or silently drops them.
var ErrPartialSend = errors.New("batchwriter: partial send")

// Sender flushes a set of already-framed UDP payloads to a single destination address in one
// logical send operation where the platform supports it. Implementations live in per-platform
// files: sender_batch_linux.go uses sendmmsg via golang.org/x/net/ipv4 and ipv6, sender_udp.go is
// the portable one-at-a-time fallback used everywhere else and as a GSO-failure fallback.
type Sender interface {
	SendBatch(bufs [][]byte, addr *net.UDPAddr) (sent int, err error)
}

// Writer buffers payloads and flushes them through a Sender. The batch count controls when an
// implicit flush happens:
//   - 1 disables batching: every Write flushes immediately.
//   - <= 0 accumulates without ever flushing on its own; the caller drives Flush explicitly
//     (this is how tests exercise a precise batch size).
//   - > 1 flushes automatically once that many payloads are queued.
type Writer struct {
	sender     Sender
	addr       *net.UDPAddr
	batchCount int

	bufs    [][]byte
	pktSent uint64
}

// NewWriter returns a Writer that flushes through sender to addr, batching up to batchCount
// payloads at a time.
func NewWriter(sender Sender, addr *net.UDPAddr, batchCount int) *Writer {
	return &Writer{sender: sender, addr: addr, batchCount: batchCount}
}

// Write queues buf and reports whether it was accepted. The caller must not modify buf
// afterwards until it has been flushed. Write can trigger an implicit flush; if that flush
// fails, Write returns false and the error is dropped; the unsent payloads remain queued and the
// next Flush retries them.
func (w *Writer) Write(buf []byte) bool {
	w.bufs = append(w.bufs, buf)
	if w.batchCount == 1 || (w.batchCount > 1 && len(w.bufs) >= w.batchCount) {
		if _, err := w.Flush(); err != nil {
			return false
		}
	}
	return true
}

// Flush drains whatever is queued and reports how many payloads the Sender accepted. PktSent
// only advances by that count: on a partial send, the remainder stays queued so the next Flush
// retries them, and the caller sees the Sender's error, or ErrPartialSend if the Sender reported
// none, to decide whether to keep retrying or surface the failure.
func (w *Writer) Flush() (int, error) {
	if len(w.bufs) == 0 {
		return 0, nil
	}
	bufs := w.bufs
	sent, err := w.sender.SendBatch(bufs, w.addr)
	if sent > 0 {
		w.pktSent += uint64(sent)
	}
	if sent == len(bufs) {
		w.bufs = nil
		return sent, err
	}
	w.bufs = bufs[sent:]
	if err != nil {
		return sent, err
	}
	return sent, ErrPartialSend
}

// GetPktSent returns the cumulative count of payloads successfully flushed over the lifetime of
// the Writer.
func (w *Writer) GetPktSent() uint64 { return w.pktSent }

// Pending reports how many payloads are queued and not yet flushed.
func (w *Writer) Pending() int { return len(w.bufs) }
