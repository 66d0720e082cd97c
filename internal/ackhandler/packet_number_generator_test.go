package ackhandler

import (
	"testing"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestPacketNumberGeneratorStartsAtInitial(t *testing.T) {
	g := newPacketNumberGenerator(123, 50)
	require.Equal(t, protocol.PacketNumber(123), g.Peek())
	require.Equal(t, protocol.PacketNumber(123), g.Pop())
}

func TestPacketNumberGeneratorNeverSkipsTwoInARow(t *testing.T) {
	g := newPacketNumberGenerator(0, 10)
	var last protocol.PacketNumber = -1
	skips := 0
	for i := 0; i < 2000; i++ {
		pn := g.Pop()
		if last != -1 && pn != last+1 {
			skips++
			require.Equal(t, 2, int(pn-last))
		}
		last = pn
	}
	require.Greater(t, skips, 0)
}

func TestPacketNumberGeneratorValidateRejectsSkippedPacketNumbers(t *testing.T) {
	g := newPacketNumberGenerator(0, 1)
	var pns []protocol.PacketNumber
	for i := 0; i < 50; i++ {
		pns = append(pns, g.Pop())
	}
	require.NotEmpty(t, g.skipped)
	skipped := g.skipped[0]

	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: skipped, Largest: skipped}}}
	require.False(t, g.Validate(ack))

	ack2 := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: pns[0], Largest: pns[0]}}}
	require.True(t, g.Validate(ack2))
}
