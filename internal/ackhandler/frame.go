package ackhandler

import "github.com/frostgate-labs/qtransport/internal/wire"

// Frame wraps a wire.Frame with the callbacks the sender needs to react to its fate: OnAcked
// once delivery is confirmed, OnLost so its content (or an equivalent) gets queued again.
// OnAcked is not called for a Frame whose embedded wire.Frame is nil.
type Frame struct {
	wire.Frame

	OnLost  func(*Frame)
	OnAcked func(*Frame)

	retransmittedAs []*Frame
}

func (f *Frame) onAcked() {
	for _, r := range f.retransmittedAs {
		r.onAcked()
	}
	if f.Frame != nil && f.OnAcked != nil {
		f.OnAcked(f)
	}
}

// RetransmittedAs records that r carries (a copy of) the data originally sent in f, so that
// acking f also acks r (and, recursively, every frame r was retransmitted as).
func (f *Frame) RetransmittedAs(r *Frame) {
	f.retransmittedAs = append(f.retransmittedAs, r)
}
