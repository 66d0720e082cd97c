package quic

import (
	"io"

	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newTestReceiveStream() (*receiveStream, *testStreamSender) {
	h := newAckHarness()
	sender := &testStreamSender{framer: h.framer}
	rttStats := &utils.RTTStats{}
	connFC := flowcontrol.NewConnectionFlowController(1<<20, 1<<20, 1<<20, rttStats)
	fc := flowcontrol.NewStreamFlowController(protocol.StreamID(5), connFC, 1<<20, 1<<20, 1<<20, rttStats)
	return newReceiveStream(protocol.StreamID(5), sender, fc), sender
}

var _ = Describe("receiveStream", func() {
	var (
		stream *receiveStream
		sender *testStreamSender
	)

	BeforeEach(func() {
		stream, sender = newTestReceiveStream()
	})

	It("delivers in-order data to Read", func() {
		Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 0, Data: []byte("hello")})).To(Succeed())
		buf := make([]byte, 5)
		n, err := stream.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(buf).To(Equal([]byte("hello")))
	})

	It("buffers an out-of-order frame until the gap closes", func() {
		Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 5, Data: []byte("world")})).To(Succeed())
		Expect(stream.buf).To(BeEmpty())
		Expect(stream.pending).To(HaveLen(1))

		Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 0, Data: []byte("hello")})).To(Succeed())
		Expect(stream.pending).To(BeEmpty())

		buf := make([]byte, 10)
		n, err := stream.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf[:n])).To(Equal("helloworld"))
	})

	It("returns io.EOF once a FIN's offset has been fully consumed", func() {
		Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 0, Data: []byte("hi"), Fin: true})).To(Succeed())
		buf := make([]byte, 2)
		n, err := stream.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))

		_, err = stream.Read(buf)
		Expect(err).To(MatchError(io.EOF))
		Expect(sender.completed).To(BeTrue())
	})

	Context("reset by the peer", func() {
		It("delivers data up to the reliable size, then closes, discarding anything beyond it", func() {
			Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 0, Data: []byte("abcde")})).To(Succeed())
			Expect(stream.handleResetStreamFrame(&wire.ResetStreamFrame{
				StreamID: 5, ErrorCode: 7, FinalSize: 10, ReliableSizeSet: true, ReliableSize: 5,
			})).To(Succeed())

			buf := make([]byte, 5)
			n, err := stream.Read(buf)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(5))
			Expect(string(buf)).To(Equal("abcde"))

			_, err = stream.Read(buf)
			Expect(err).To(HaveOccurred())
			var streamErr *StreamError
			Expect(err).To(BeAssignableToTypeOf(streamErr))
			Expect(sender.completed).To(BeTrue())
		})

		It("closes immediately on a plain reset once all already-consumed data is accounted for", func() {
			Expect(stream.handleResetStreamFrame(&wire.ResetStreamFrame{StreamID: 5, ErrorCode: 3, FinalSize: 0})).To(Succeed())
			buf := make([]byte, 1)
			_, err := stream.Read(buf)
			Expect(err).To(HaveOccurred())
			Expect(sender.completed).To(BeTrue())
		})

		It("ignores a stream frame once the receive side has moved past Open", func() {
			Expect(stream.handleResetStreamFrame(&wire.ResetStreamFrame{StreamID: 5, ErrorCode: 3, FinalSize: 0})).To(Succeed())
			Expect(stream.handleStreamFrame(&wire.StreamFrame{StreamID: 5, Offset: 0, Data: []byte("late")})).To(Succeed())
			Expect(stream.buf).To(BeEmpty())
		})
	})

	It("CancelRead sends STOP_SENDING and tears the stream down locally", func() {
		Expect(stream.CancelRead(StreamErrorCode(42))).To(Succeed())
		Expect(sender.completed).To(BeTrue())

		frames, _ := sender.framer.AppendControlFrames(nil, 1<<20)
		Expect(frames).To(HaveLen(1))
		ssf, ok := frames[0].Frame.(*wire.StopSendingFrame)
		Expect(ok).To(BeTrue())
		Expect(ssf.StreamID).To(Equal(protocol.StreamID(5)))
		Expect(ssf.ErrorCode).To(BeEquivalentTo(42))

		buf := make([]byte, 1)
		_, err := stream.Read(buf)
		Expect(err).To(HaveOccurred())
	})
})
