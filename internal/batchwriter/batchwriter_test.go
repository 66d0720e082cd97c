package batchwriter

import (
	"errors"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeSender struct {
	calls    int
	accept   int // how many payloads to accept per call; 0 means accept all
	sendErr  error
	lastBufs [][]byte
}

var _ Sender = &fakeSender{}

func (f *fakeSender) SendBatch(bufs [][]byte, addr *net.UDPAddr) (int, error) {
	f.calls++
	f.lastBufs = bufs
	n := len(bufs)
	if f.accept > 0 && f.accept < n {
		n = f.accept
	}
	return n, f.sendErr
}

var _ = Describe("Writer", func() {
	var (
		sender *fakeSender
		addr   = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}
	)

	BeforeEach(func() {
		sender = &fakeSender{}
	})

	It("sends 64 payloads in batches of 10, using 7 SendBatch calls", func() {
		w := NewWriter(sender, addr, 10)
		for i := 0; i < 64; i++ {
			Expect(w.Write([]byte("Test"))).To(BeTrue())
		}
		n, err := w.Flush()
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(4)) // the last partial batch: 64 = 6*10 + 4
		Expect(w.GetPktSent()).To(BeEquivalentTo(64))
		Expect(sender.calls).To(Equal(7))
	})

	It("flushes immediately when the batch count is 1", func() {
		w := NewWriter(sender, addr, 1)
		Expect(w.Write([]byte("a"))).To(BeTrue())
		Expect(w.Write([]byte("b"))).To(BeTrue())
		Expect(sender.calls).To(Equal(2))
		Expect(w.GetPktSent()).To(BeEquivalentTo(2))
		Expect(w.Pending()).To(BeZero())
	})

	It("never auto-flushes when the batch count is negative", func() {
		w := NewWriter(sender, addr, -1)
		for i := 0; i < 100; i++ {
			Expect(w.Write([]byte("x"))).To(BeTrue())
		}
		Expect(sender.calls).To(BeZero())
		Expect(w.Pending()).To(Equal(100))

		n, err := w.Flush()
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(100))
		Expect(w.GetPktSent()).To(BeEquivalentTo(100))
	})

	It("keeps unsent payloads queued after a partial send and reports ErrPartialSend", func() {
		sender.accept = 3
		w := NewWriter(sender, addr, -1)
		for i := 0; i < 5; i++ {
			w.Write([]byte("x"))
		}
		n, err := w.Flush()
		Expect(err).To(Equal(ErrPartialSend))
		Expect(n).To(Equal(3))
		Expect(w.GetPktSent()).To(BeEquivalentTo(3))
		Expect(w.Pending()).To(Equal(2))

		sender.accept = 0
		n, err = w.Flush()
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(w.GetPktSent()).To(BeEquivalentTo(5))
	})

	It("surfaces the sender's error alongside however many payloads it did accept", func() {
		sender.accept = 1
		sender.sendErr = errors.New("write: network unreachable")
		w := NewWriter(sender, addr, -1)
		w.Write([]byte("x"))
		w.Write([]byte("y"))
		n, err := w.Flush()
		Expect(err).To(MatchError(sender.sendErr))
		Expect(n).To(Equal(1))
		Expect(w.Pending()).To(Equal(1))
	})

	It("is a no-op when nothing is queued", func() {
		w := NewWriter(sender, addr, -1)
		n, err := w.Flush()
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(sender.calls).To(BeZero())
	})
})
