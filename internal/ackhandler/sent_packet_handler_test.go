package ackhandler

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/congestion"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func ackElicitingPacket(pn protocol.PacketNumber) *Packet {
	return &Packet{
		PacketNumber:    pn,
		Length:          100,
		Frames:          []*Frame{{Frame: &wire.PingFrame{}}},
		EncryptionLevel: protocol.Encryption1RTT,
		SendTime:        time.Now(),
	}
}

var _ = Describe("SentPacketHandler", func() {
	var (
		handler  *sentPacketHandler
		rttStats *utils.RTTStats
	)

	newHandler := func(pers protocol.Perspective) *sentPacketHandler {
		rttStats = &utils.RTTStats{}
		h := newSentPacketHandler(0, rttStats, pers, congestion.NewRenoControllerFactory, utils.DefaultLogger)
		h.SetHandshakeConfirmed()
		return h
	}

	BeforeEach(func() {
		handler = newHandler(protocol.PerspectiveClient)
	})

	Context("sending packets", func() {
		It("tracks an ack-eliciting packet as outstanding", func() {
			p := ackElicitingPacket(0)
			handler.SentPacket(p)
			Expect(handler.bytesInFlight).To(Equal(p.Length))
			Expect(handler.appDataPackets.history.HasOutstandingPackets()).To(BeTrue())
		})

		It("doesn't count a pure ACK packet as in flight", func() {
			p := &Packet{PacketNumber: 0, Length: 50, EncryptionLevel: protocol.Encryption1RTT, SendTime: time.Now()}
			handler.SentPacket(p)
			Expect(handler.bytesInFlight).To(BeZero())
		})

		It("assigns increasing packet numbers across sends", func() {
			first, _ := handler.PeekPacketNumber(protocol.Encryption1RTT)
			popped := handler.PopPacketNumber(protocol.Encryption1RTT)
			Expect(popped).To(Equal(first))
			second, _ := handler.PeekPacketNumber(protocol.Encryption1RTT)
			Expect(second).To(BeNumerically(">", popped))
		})
	})

	Context("receiving ACKs", func() {
		It("acknowledges a sent packet and removes it from the outstanding set", func() {
			p := ackElicitingPacket(0)
			handler.SentPacket(p)
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
			Expect(handler.bytesInFlight).To(BeZero())
			Expect(handler.appDataPackets.history.HasOutstandingPackets()).To(BeFalse())
		})

		It("updates the RTT estimate from a newly-acked packet", func() {
			sendTime := time.Now().Add(-50 * time.Millisecond)
			p := ackElicitingPacket(0)
			p.SendTime = sendTime
			handler.SentPacket(p)
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
			Expect(rttStats.LatestRTT()).To(BeNumerically("~", 50*time.Millisecond, 10*time.Millisecond))
		})

		It("fires the Acked callback for frames in an acked packet", func() {
			acked := false
			p := ackElicitingPacket(0)
			p.Frames = []*Frame{{Frame: &wire.PingFrame{}, OnAcked: func(*Frame) { acked = true }}}
			handler.SentPacket(p)
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
			Expect(acked).To(BeTrue())
		})

		It("rejects an ACK for a packet that was never sent", func() {
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 10, Largest: 10}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(HaveOccurred())
		})

		It("marks the server's address as validated once a Handshake packet arrives", func() {
			server := newHandler(protocol.PerspectiveServer)
			Expect(server.peerAddressValidated).To(BeFalse())
			server.ReceivedPacket(protocol.EncryptionHandshake)
			Expect(server.peerAddressValidated).To(BeTrue())
		})
	})

	Context("loss detection", func() {
		It("declares a packet lost once three higher-numbered packets are acked", func() {
			for pn := protocol.PacketNumber(0); pn <= 3; pn++ {
				handler.SentPacket(ackElicitingPacket(pn))
			}
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 3, Largest: 3}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
			Expect(handler.appDataPackets.history.GetPacket(0)).To(BeNil())
		})

		It("requeues a lost packet's frames for retransmission", func() {
			requeued := false
			p := ackElicitingPacket(0)
			p.Frames = []*Frame{{Frame: &wire.PingFrame{}, OnLost: func(*Frame) { requeued = true }}}
			handler.SentPacket(p)
			for pn := protocol.PacketNumber(1); pn <= 3; pn++ {
				handler.SentPacket(ackElicitingPacket(pn))
			}
			ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 3, Largest: 3}}}
			Expect(handler.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())).To(Succeed())
			Expect(requeued).To(BeTrue())
		})
	})

	Context("PTO scheduling", func() {
		It("increments the PTO count and requests a probe when the loss timer fires in PTO mode", func() {
			handler.SentPacket(ackElicitingPacket(0))
			handler.peerCompletedAddressValidation = true
			Expect(handler.OnLossDetectionTimeout()).To(Succeed())
			Expect(handler.ptoCount).To(Equal(uint32(1)))
			Expect(handler.SendMode()).To(Equal(SendPTOAppData))
		})
	})

	Context("amplification limit", func() {
		It("limits a server's send budget to 3x what it has received, before the client's address is validated", func() {
			server := newHandler(protocol.PerspectiveServer)
			server.peerAddressValidated = false
			server.ReceivedBytes(100)
			Expect(server.AmplificationWindow()).To(Equal(protocol.ByteCount(300)))
			server.bytesSent = 300
			Expect(server.AmplificationWindow()).To(BeZero())
			Expect(server.SendMode()).To(Equal(SendNone))
		})

		It("has no amplification limit once the peer's address is validated", func() {
			Expect(handler.AmplificationWindow()).To(Equal(protocol.MaxByteCount))
		})
	})

	Context("stats", func() {
		It("reports the current in-flight bytes and congestion window", func() {
			handler.SentPacket(ackElicitingPacket(0))
			stats := handler.GetStats()
			Expect(stats.BytesInFlight).To(Equal(protocol.ByteCount(100)))
			Expect(stats.CongestionWindow).To(BeNumerically(">", 0))
		})
	})
})
