package wire

import (
	"bytes"
	"errors"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

// AckRange is an inclusive range of acknowledged packet numbers.
type AckRange struct {
	Smallest, Largest protocol.PacketNumber
}

func (r AckRange) Len() protocol.PacketNumber { return r.Largest - r.Smallest + 1 }

// ReceivedPacket pairs a packet number with the local receive time, for the
// ack-receive-timestamps extension. AckFrame.Write does not encode these timestamps and
// parseAckFrame does not fill them.
type ReceivedPacket struct {
	PacketNumber protocol.PacketNumber
	ReceiveTime  time.Time
}

// AckFrame acknowledges receipt of one or more ranges of packets in a single packet number space.
// Ranges are stored largest-first, matching the wire encoding.
type AckFrame struct {
	AckRanges []AckRange
	DelayTime time.Duration

	// ECN counts, only meaningful if ECT0 != 0 || ECT1 != 0 || ECNCE != 0 (ACK_ECN variant).
	ECT0, ECT1, ECNCE uint64

	// ReceiveTimestamps, ReceiveTimestampsBasis and TimestampExponent are not written by Write
	// and not set by parseAckFrame.
	ReceiveTimestamps      []ReceivedPacket
	ReceiveTimestampsBasis time.Time
	TimestampExponent      uint8
}

func (f *AckFrame) LargestAcked() protocol.PacketNumber { return f.AckRanges[0].Largest }
func (f *AckFrame) LowestAcked() protocol.PacketNumber {
	return f.AckRanges[len(f.AckRanges)-1].Smallest
}

// AcksPacket reports whether pn is covered by one of the ranges.
func (f *AckFrame) AcksPacket(pn protocol.PacketNumber) bool {
	if pn < f.LowestAcked() || pn > f.LargestAcked() {
		return false
	}
	for _, r := range f.AckRanges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

func (f *AckFrame) hasECN() bool { return f.ECT0 > 0 || f.ECT1 > 0 || f.ECNCE > 0 }

// HasMissingRanges reports whether this ACK contains any gaps, i.e. whether it acknowledges
// more than one contiguous range of packet numbers.
func (f *AckFrame) HasMissingRanges() bool { return len(f.AckRanges) > 1 }

func (f *AckFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	if len(f.AckRanges) == 0 {
		return errors.New("cannot write an ACK frame without ranges")
	}
	if f.hasECN() {
		b.WriteByte(byte(FrameTypeAckECN))
	} else {
		b.WriteByte(byte(FrameTypeAck))
	}
	writeVarInt(b, uint64(f.LargestAcked()))
	writeVarInt(b, encodeAckDelay(f.DelayTime))
	writeVarInt(b, uint64(len(f.AckRanges)-1))

	for i, r := range f.AckRanges {
		if i == 0 {
			writeVarInt(b, uint64(r.Len()-1))
		} else {
			prev := f.AckRanges[i-1]
			gap := prev.Smallest - r.Largest - 2
			writeVarInt(b, uint64(gap))
			writeVarInt(b, uint64(r.Len()-1))
		}
	}
	if f.hasECN() {
		writeVarInt(b, f.ECT0)
		writeVarInt(b, f.ECT1)
		writeVarInt(b, f.ECNCE)
	}
	return nil
}

func (f *AckFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1) + varIntLen(uint64(f.LargestAcked())) + varIntLen(encodeAckDelay(f.DelayTime)) + varIntLen(uint64(len(f.AckRanges)-1))
	for i, r := range f.AckRanges {
		if i == 0 {
			l += varIntLen(uint64(r.Len() - 1))
			continue
		}
		prev := f.AckRanges[i-1]
		gap := prev.Smallest - r.Largest - 2
		l += varIntLen(uint64(gap)) + varIntLen(uint64(r.Len()-1))
	}
	if f.hasECN() {
		l += varIntLen(f.ECT0) + varIntLen(f.ECT1) + varIntLen(f.ECNCE)
	}
	return l
}

// ackDelayExponent is supplied by the caller at parse time (it depends on negotiated transport
// parameters, which the frame itself doesn't know about) and decoding shifts the microsecond
// tick count left by it. Encoding shifts right by protocol.DefaultAckDelayExponent, the exponent
// this engine advertises.
func encodeAckDelay(d time.Duration) uint64 {
	return uint64(d/time.Microsecond) >> protocol.DefaultAckDelayExponent
}

func parseAckFrame(r *bytes.Reader, ackDelayExponent uint8, ecn bool) (*AckFrame, error) {
	largest, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	delay, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	numRanges, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	firstLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	f := &AckFrame{DelayTime: time.Duration(delay<<ackDelayExponent) * time.Microsecond}
	largestPN := protocol.PacketNumber(largest)
	smallest := largestPN - protocol.PacketNumber(firstLen)
	f.AckRanges = append(f.AckRanges, AckRange{Smallest: smallest, Largest: largestPN})

	for i := uint64(0); i < numRanges; i++ {
		gap, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rangeLen, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		largestPN = smallest - protocol.PacketNumber(gap) - 2
		smallest = largestPN - protocol.PacketNumber(rangeLen)
		f.AckRanges = append(f.AckRanges, AckRange{Smallest: smallest, Largest: largestPN})
	}
	if ecn {
		ect0, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		ect1, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		ecnce, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		f.ECT0, f.ECT1, f.ECNCE = ect0, ect1, ecnce
	}
	return f, nil
}
