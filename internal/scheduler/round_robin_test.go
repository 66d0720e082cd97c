package scheduler

import (
	"github.com/frostgate-labs/qtransport/internal/protocol"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RoundRobin", func() {
	var rr *RoundRobin

	BeforeEach(func() {
		rr = NewRoundRobin()
		rr.Insert(1)
		rr.Insert(2)
		rr.Insert(3)
	})

	It("starts empty", func() {
		empty := NewRoundRobin()
		Expect(empty.Empty()).To(BeTrue())
		Expect(empty.Erase(1)).To(BeFalse())
	})

	It("cycles through inserted ids one at a time by default", func() {
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(2)))
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(3)))
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
	})

	It("serves a stream advanceAfter times before moving on, in Nexts mode", func() {
		rr.AdvanceAfterBytes(3) // switching mode resets current; this call should have no lasting effect
		rr.AdvanceAfterNext(3)
		for i := 0; i < 3; i++ {
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
		}
		for i := 0; i < 3; i++ {
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(2)))
		}
		for i := 0; i < 3; i++ {
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(3)))
		}
	})

	It("advances once enough bytes have been consumed from the current stream, in Bytes mode", func() {
		rr.AdvanceAfterBytes(10)
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
		Expect(rr.GetNext(5)).To(Equal(protocol.StreamID(1)))
		Expect(rr.GetNext(5)).To(Equal(protocol.StreamID(1)))
		Expect(rr.GetNext(10)).To(Equal(protocol.StreamID(2)))
		Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(3)))
	})

	Context("erase", func() {
		It("reports false for an id that was never inserted", func() {
			Expect(rr.Erase(99)).To(BeFalse())
		})

		It("resets the counter and advances the cursor when erasing the id under it", func() {
			rr.AdvanceAfterNext(2)
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
			Expect(rr.Erase(1)).To(BeTrue())

			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(2)))
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(2)))
			Expect(rr.Erase(2)).To(BeTrue())
			rr.Insert(1)
			Expect(rr.Erase(1)).To(BeTrue())

			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(3)))
			Expect(rr.Erase(3)).To(BeTrue())
			Expect(rr.Empty()).To(BeTrue())
		})

		It("finds an id in the middle of the list, before the cursor", func() {
			rr.GetNext(0)
			rr.GetNext(0)
			Expect(rr.Erase(2)).To(BeTrue())
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(3)))
			Expect(rr.GetNext(0)).To(Equal(protocol.StreamID(1)))
		})
	})

	It("peeks without consuming, and clear empties the scheduler", func() {
		Expect(rr.PeekNext()).To(Equal(protocol.StreamID(1)))
		Expect(rr.PeekNext()).To(Equal(protocol.StreamID(1)))
		for i := protocol.StreamID(4); i <= 40; i++ {
			rr.Insert(i)
		}
		rr.Clear()
		Expect(rr.Empty()).To(BeTrue())
	})

	It("keeps the cursor correct across growth past the index-build threshold", func() {
		rr.Erase(1)
		rr.Erase(2)
		Expect(rr.PeekNext()).To(Equal(protocol.StreamID(3)))
		for i := protocol.StreamID(4); i < 40; i++ {
			rr.Insert(i)
		}
		Expect(rr.PeekNext()).To(Equal(protocol.StreamID(3)))
	})

	It("keeps erase working correctly once the side-table index is built and later torn down", func() {
		for i := protocol.StreamID(4); i <= 40; i++ {
			rr.Insert(i)
		}
		for i := 0; i < 20; i++ {
			rr.GetNext(0)
		}
		for i := protocol.StreamID(1); i < 20; i++ {
			Expect(rr.Erase(i)).To(BeTrue())
			Expect(rr.Erase(40 - i)).To(BeTrue())
		}
	})
})
