package wire

import (
	"bytes"

	"github.com/frostgate-labs/qtransport/internal/quicvarint"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// AckFrequencyFrame lets the sender ask the peer to delay or batch acknowledgments, trading ack
// overhead for ack latency. On the wire it carries the sequence number and the three
// thresholds; ExtendedAckFeatures is not encoded.
type AckFrequencyFrame struct {
	SequenceNumber    uint64
	AckElicitingThreshold uint64
	RequestedMaxAckDelay  uint64 // microseconds
	ReorderingThreshold   uint64
	// ExtendedAckFeatures holds an extended-ack features bitmask in memory only: Write does not
	// encode it and parsing leaves it zero.
	ExtendedAckFeatures uint64
}

func (f *AckFrequencyFrame) Write(b *bytes.Buffer, _ protocol.Version) error {
	writeVarInt(b, uint64(FrameTypeAckFrequency))
	writeVarInt(b, f.SequenceNumber)
	writeVarInt(b, f.AckElicitingThreshold)
	writeVarInt(b, f.RequestedMaxAckDelay)
	writeVarInt(b, f.ReorderingThreshold)
	return nil
}

func (f *AckFrequencyFrame) Length(protocol.Version) protocol.ByteCount {
	return varIntLen(uint64(FrameTypeAckFrequency)) + varIntLen(f.SequenceNumber) +
		varIntLen(f.AckElicitingThreshold) + varIntLen(f.RequestedMaxAckDelay) + varIntLen(f.ReorderingThreshold)
}

func parseAckFrequencyFrame(r *bytes.Reader) (*AckFrequencyFrame, error) {
	seq, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	thresh, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	delay, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	reorder, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	return &AckFrequencyFrame{
		SequenceNumber:        seq,
		AckElicitingThreshold: thresh,
		RequestedMaxAckDelay:  delay,
		ReorderingThreshold:   reorder,
	}, nil
}
