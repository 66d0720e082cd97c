package quic

import (
	"sync"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// framer queues non-STREAM frames (ACKs excepted; those come straight from the ack handler) for
// the next outgoing packet, and multiplexes the two 1-RTT CRYPTO-adjacent concerns the packet
// packer needs: control frames, and the app-data crypto stream used for post-handshake TLS
// messages (NewSessionTicket, key/cert updates). STREAM frame scheduling itself lives in
// streamsMap's round-robin scheduler, not here.
type framer struct {
	version protocol.Version

	oneRTTCryptoStream cryptoStream

	controlFrameMutex sync.Mutex
	controlFrames     []*ackhandler.Frame
}

func newFramer(oneRTTCryptoStream cryptoStream, v protocol.Version) *framer {
	return &framer{oneRTTCryptoStream: oneRTTCryptoStream, version: v}
}

// QueueControlFrame queues frame with no ack callback; if the packet it ends up in is lost, it
// is requeued verbatim, since most control frames (MAX_DATA, NEW_CONNECTION_ID, ...) carry state
// the peer must eventually receive.
func (f *framer) QueueControlFrame(frame wire.Frame) {
	f.QueueControlFrameWithAckCallback(frame, nil)
}

// QueueControlFrameWithAckCallback queues frame, invoking onAcked once its packet is acked.
// onAcked is nil-safe and re-attached across retransmission, so it still fires even if the frame
// is lost and requeued one or more times before finally being acked.
func (f *framer) QueueControlFrameWithAckCallback(frame wire.Frame, onAcked func()) {
	af := &ackhandler.Frame{Frame: frame}
	if onAcked != nil {
		af.OnAcked = func(*ackhandler.Frame) { onAcked() }
	}
	af.OnLost = func(lost *ackhandler.Frame) { f.QueueControlFrameWithAckCallback(lost.Frame, onAcked) }
	f.queueAckHandlerFrame(af)
}

// queueAckHandlerFrame queues a caller-built *ackhandler.Frame as-is, callbacks and all, for
// callers (SendPing) that need full control over OnAcked/OnLost instead of the requeue-on-loss
// default QueueControlFrameWithAckCallback applies.
func (f *framer) queueAckHandlerFrame(af *ackhandler.Frame) {
	f.controlFrameMutex.Lock()
	f.controlFrames = append(f.controlFrames, af)
	f.controlFrameMutex.Unlock()
}

// AppendControlFrames pops as many queued control frames as fit within maxLen, most recently
// queued first (a stack, not a FIFO): the teacher's packer prioritizes fresh control state
// (e.g. a just-updated MAX_DATA) over one that's been waiting, since a later value supersedes it.
func (f *framer) AppendControlFrames(frames []*ackhandler.Frame, maxLen protocol.ByteCount) ([]*ackhandler.Frame, protocol.ByteCount) {
	var length protocol.ByteCount
	f.controlFrameMutex.Lock()
	for len(f.controlFrames) > 0 {
		af := f.controlFrames[len(f.controlFrames)-1]
		frameLen := af.Frame.Length(f.version)
		if length+frameLen > maxLen {
			break
		}
		frames = append(frames, af)
		length += frameLen
		f.controlFrames = f.controlFrames[:len(f.controlFrames)-1]
	}
	f.controlFrameMutex.Unlock()
	return frames, length
}

func (f *framer) HasCryptoStreamData() bool { return f.oneRTTCryptoStream.HasData() }

func (f *framer) PopCryptoStreamFrame(maxLen protocol.ByteCount) *wire.CryptoFrame {
	return f.oneRTTCryptoStream.PopCryptoFrame(maxLen)
}
