package ackhandler

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// packetNumberGenerator hands out the packet number for the next packet. It randomly skips a
// packet number every averagePeriod packets (on average), as a defense against optimistic ACK
// attacks, and guarantees it never skips two consecutive packet numbers.
type packetNumberGenerator struct {
	rand          *mrand.Rand
	averagePeriod protocol.PacketNumber

	next       protocol.PacketNumber
	nextToSkip protocol.PacketNumber

	// skipped holds packet numbers we deliberately never sent. An ACK claiming to cover one of
	// these is a protocol violation (RFC 9000 §13.1) and must be rejected by Validate. Entries
	// below the lowest value we'll ever be asked about again are pruned as we go.
	skipped []protocol.PacketNumber
}

func newPacketNumberGenerator(initial, averagePeriod protocol.PacketNumber) *packetNumberGenerator {
	b := make([]byte, 8)
	rand.Read(b) // it's not the end of the world if we don't get perfect random here
	g := &packetNumberGenerator{
		rand:          mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(b)))),
		next:          initial,
		averagePeriod: averagePeriod,
	}
	g.generateNewSkip()
	return g
}

func (p *packetNumberGenerator) Peek() protocol.PacketNumber {
	return p.next
}

func (p *packetNumberGenerator) Pop() protocol.PacketNumber {
	next := p.next

	p.next++
	if p.next == p.nextToSkip {
		p.skipped = append(p.skipped, p.next)
		p.next++
		p.generateNewSkip()
	}
	return next
}

func (p *packetNumberGenerator) generateNewSkip() {
	// make sure that there are never two consecutive packet numbers that are skipped
	p.nextToSkip = p.next + 2 + protocol.PacketNumber(p.rand.Int31n(int32(2*p.averagePeriod)))
}

// Validate reports whether ack is consistent with the packet numbers we've actually sent, i.e.
// that it doesn't claim to acknowledge one we deliberately skipped.
func (p *packetNumberGenerator) Validate(ack *wire.AckFrame) bool {
	kept := p.skipped[:0]
	ok := true
	for _, skip := range p.skipped {
		if skip > ack.LargestAcked() {
			kept = append(kept, skip)
			continue
		}
		if ack.AcksPacket(skip) {
			ok = false
		}
		// once an ack's largest has passed skip, the peer will never ask about it again
	}
	p.skipped = kept
	return ok
}
