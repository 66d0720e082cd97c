package quic

import (
	"strings"
	"time"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/congestion"
	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testStreamSender is a streamSender that forwards control frames to a real framer, the same
// path connection.go uses, so a stream's OnAcked/OnLost callbacks run through the real
// internal/ackhandler machinery in tests instead of being invoked directly.
type testStreamSender struct {
	framer    *framer
	completed bool
}

func (s *testStreamSender) queueControlFrame(f wire.Frame) { s.framer.QueueControlFrame(f) }
func (s *testStreamSender) queueControlFrameWithAckCallback(f wire.Frame, onAcked func()) {
	s.framer.QueueControlFrameWithAckCallback(f, onAcked)
}
func (s *testStreamSender) onHasStreamData(protocol.StreamID)   {}
func (s *testStreamSender) onStreamCompleted(protocol.StreamID) { s.completed = true }

// ackHarness wires up a real internal/ackhandler.SentPacketHandler alongside the framer, so
// tests can hand it packets and acks and let it invoke whatever callbacks those packets'
// frames carry, exactly as the connection's receive path does.
type ackHarness struct {
	framer *framer
	sph    ackhandler.SentPacketHandler
	pn     protocol.PacketNumber
}

func newAckHarness() *ackHarness {
	rttStats := &utils.RTTStats{}
	sph, _ := ackhandler.NewAckHandler(0, rttStats, protocol.PerspectiveClient, congestion.NewRenoControllerFactory, utils.DefaultLogger, protocol.Version1)
	return &ackHarness{framer: newFramer(nil, protocol.Version1), sph: sph}
}

// deliverAndAck hands frames to the sent packet handler as a single packet and immediately
// acks it, running every OnAcked callback those frames carry.
func (h *ackHarness) deliverAndAck(frames []*ackhandler.Frame) {
	h.pn++
	pn := h.pn
	h.sph.SentPacket(&ackhandler.Packet{
		PacketNumber:    pn,
		Frames:          frames,
		Length:          100,
		EncryptionLevel: protocol.Encryption1RTT,
		SendTime:        time.Now(),
	})
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: pn, Largest: pn}}}
	ExpectWithOffset(1, h.sph.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
}

func newTestSendStream() (*sendStream, *testStreamSender, *ackHarness) {
	h := newAckHarness()
	sender := &testStreamSender{framer: h.framer}
	rttStats := &utils.RTTStats{}
	connFC := flowcontrol.NewConnectionFlowController(1<<20, 1<<20, 1<<20, rttStats)
	fc := flowcontrol.NewStreamFlowController(protocol.StreamID(4), connFC, 1<<20, 1<<20, 1<<20, rttStats)
	return newSendStream(protocol.StreamID(4), sender, fc), sender, h
}

// writeAsync runs Write in a goroutine, since it blocks until every byte has been popped into
// a STREAM frame.
func writeAsync(s *sendStream, p []byte) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Write(p)
		errCh <- err
	}()
	return errCh
}

var _ = Describe("sendStream", func() {
	var (
		stream  *sendStream
		sender  *testStreamSender
		harness *ackHarness
	)

	BeforeEach(func() {
		stream, sender, harness = newTestSendStream()
	})

	It("starts Open and buffers writes until they're popped into a STREAM frame", func() {
		Expect(stream.state).To(Equal(streamSendOpen))
		errCh := writeAsync(stream, []byte("hello"))
		var frame *ackhandler.Frame
		Eventually(func() *ackhandler.Frame {
			frame = stream.popStreamFrame(1000)
			return frame
		}).ShouldNot(BeNil())
		Expect(<-errCh).ToNot(HaveOccurred())
		sf := frame.Frame.(*wire.StreamFrame)
		Expect(sf.Data).To(Equal([]byte("hello")))
		Expect(sf.Fin).To(BeFalse())
	})

	It("closes the send side once a FIN is acked, not before", func() {
		errCh := writeAsync(stream, []byte("hello"))
		Expect(stream.Close()).To(Succeed())

		var frame *ackhandler.Frame
		Eventually(func() *ackhandler.Frame {
			frame = stream.popStreamFrame(1000)
			return frame
		}).ShouldNot(BeNil())
		Expect(<-errCh).ToNot(HaveOccurred())
		Expect(frame.Frame.(*wire.StreamFrame).Fin).To(BeTrue())
		Expect(stream.state).To(Equal(streamSendOpen))

		harness.deliverAndAck([]*ackhandler.Frame{frame})
		Expect(stream.state).To(Equal(streamSendClosed))
		Expect(sender.completed).To(BeTrue())
	})

	It("closes immediately on a plain CancelWrite, with no ack needed", func() {
		Expect(stream.CancelWrite(StreamErrorCode(1))).To(Succeed())
		Expect(stream.state).To(Equal(streamSendClosed))
		Expect(sender.completed).To(BeTrue())

		frames, _ := harness.framer.AppendControlFrames(nil, 1<<20)
		Expect(frames).To(HaveLen(1))
		rsf := frames[0].Frame.(*wire.ResetStreamFrame)
		Expect(rsf.ReliableSizeSet).To(BeFalse())

		_, err := stream.Write([]byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("panics on CancelWrite with a changed error code", func() {
		Expect(stream.CancelWrite(StreamErrorCode(1))).To(Succeed())
		Expect(func() { stream.CancelWrite(StreamErrorCode(2)) }).To(Panic())
	})

	Context("reliable reset (§4.3 ResetSent, ack-driven closure)", func() {
		// Mirrors spec scenario S4: the reliable bytes are acked while the stream is still Open,
		// so no data ack arrives after the reset and only the RESET_STREAM_AT frame's own ack
		// (handleResetAcked) can close it.
		It("closes once the RESET_STREAM_AT is acked, given the reliable bytes were acked first", func() {
			errCh := writeAsync(stream, []byte(strings.Repeat("a", 50)))
			var dataFrame *ackhandler.Frame
			Eventually(func() *ackhandler.Frame {
				dataFrame = stream.popStreamFrame(1000)
				return dataFrame
			}).ShouldNot(BeNil())
			Expect(<-errCh).ToNot(HaveOccurred())

			harness.deliverAndAck([]*ackhandler.Frame{dataFrame})
			Expect(stream.state).To(Equal(streamSendOpen))

			Expect(stream.ResetReliably(StreamErrorCode(1), 50)).To(Succeed())
			Expect(stream.state).To(Equal(streamSendResetSent))

			resetFrames, _ := harness.framer.AppendControlFrames(nil, 1<<20)
			Expect(resetFrames).To(HaveLen(1))
			rsf := resetFrames[0].Frame.(*wire.ResetStreamFrame)
			Expect(rsf.ReliableSizeSet).To(BeTrue())
			Expect(rsf.ReliableSize).To(BeEquivalentTo(50))

			harness.deliverAndAck(resetFrames)
			Expect(stream.state).To(Equal(streamSendClosed))
			Expect(sender.completed).To(BeTrue())
		})

		// Same setup, but only 40 of the 50 reliable bytes were ever acked: the reset's own ack
		// still fires, but handleResetAcked's coverage check fails and the stream stays ResetSent.
		It("stays ResetSent when the reset is acked but the reliable bytes are not fully acked", func() {
			errCh1 := writeAsync(stream, []byte(strings.Repeat("a", 40)))
			var first *ackhandler.Frame
			Eventually(func() *ackhandler.Frame {
				first = stream.popStreamFrame(1000)
				return first
			}).ShouldNot(BeNil())
			Expect(<-errCh1).ToNot(HaveOccurred())
			harness.deliverAndAck([]*ackhandler.Frame{first})

			errCh2 := writeAsync(stream, []byte(strings.Repeat("b", 10)))
			var second *ackhandler.Frame
			Eventually(func() *ackhandler.Frame {
				second = stream.popStreamFrame(1000)
				return second
			}).ShouldNot(BeNil())
			Expect(<-errCh2).ToNot(HaveOccurred())
			_ = second // left unacked: simulates loss/delay of the tail of the data

			Expect(stream.ResetReliably(StreamErrorCode(1), 50)).To(Succeed())
			resetFrames, _ := harness.framer.AppendControlFrames(nil, 1<<20)
			Expect(resetFrames).To(HaveLen(1))

			harness.deliverAndAck(resetFrames)
			Expect(stream.state).To(Equal(streamSendResetSent))
		})

		It("preserves the ack callback across a lost-and-requeued RESET_STREAM_AT", func() {
			errCh := writeAsync(stream, []byte(strings.Repeat("a", 50)))
			var dataFrame *ackhandler.Frame
			Eventually(func() *ackhandler.Frame {
				dataFrame = stream.popStreamFrame(1000)
				return dataFrame
			}).ShouldNot(BeNil())
			Expect(<-errCh).ToNot(HaveOccurred())
			harness.deliverAndAck([]*ackhandler.Frame{dataFrame})

			Expect(stream.ResetReliably(StreamErrorCode(1), 50)).To(Succeed())
			lost, _ := harness.framer.AppendControlFrames(nil, 1<<20)
			Expect(lost).To(HaveLen(1))

			lost[0].OnLost(lost[0]) // the packet carrying the first RESET_STREAM_AT was declared lost

			requeued, _ := harness.framer.AppendControlFrames(nil, 1<<20)
			Expect(requeued).To(HaveLen(1))

			harness.deliverAndAck(requeued)
			Expect(stream.state).To(Equal(streamSendClosed))
		})

		It("reset with reliableSize 0 closes immediately, without waiting for any ack", func() {
			Expect(stream.ResetReliably(StreamErrorCode(1), 0)).To(Succeed())
			Expect(stream.state).To(Equal(streamSendClosed))
			Expect(sender.completed).To(BeTrue())
		})
	})

	It("requeues a lost STREAM frame ahead of data that was never sent", func() {
		errCh := writeAsync(stream, []byte("hello"))
		var frame *ackhandler.Frame
		Eventually(func() *ackhandler.Frame {
			frame = stream.popStreamFrame(1000)
			return frame
		}).ShouldNot(BeNil())
		Expect(<-errCh).ToNot(HaveOccurred())

		frame.OnLost(frame)
		Expect(stream.retransmissions).To(HaveLen(1))

		retransmitted := stream.popStreamFrame(1000)
		Expect(retransmitted).ToNot(BeNil())
		Expect(retransmitted.Frame.(*wire.StreamFrame).Data).To(Equal([]byte("hello")))
	})
})
