package ackhandler

import (
	"errors"
	"testing"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/stretchr/testify/require"
)

func ackEliciting(pn protocol.PacketNumber) *Packet {
	return &Packet{PacketNumber: pn, Frames: []*Frame{{}}}
}

func TestSentPacketHistorySavesAndIterates(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	h.SentPacket(ackEliciting(3))
	h.SentPacket(ackEliciting(4))

	var pns []protocol.PacketNumber
	require.NoError(t, h.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return true, nil
	}))
	require.Equal(t, []protocol.PacketNumber{1, 3, 4}, pns)
	require.Equal(t, 3, h.Len())
}

func TestSentPacketHistoryDoesNotTrackNonAckElicitingPackets(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	h.SentPacket(&Packet{PacketNumber: 3})
	h.SentPacket(ackEliciting(4))

	var pns []protocol.PacketNumber
	require.NoError(t, h.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return true, nil
	}))
	require.Equal(t, []protocol.PacketNumber{1, 4}, pns)
}

func TestSentPacketHistoryIterateStopsEarly(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(10))
	h.SentPacket(ackEliciting(14))
	h.SentPacket(ackEliciting(18))

	var pns []protocol.PacketNumber
	require.NoError(t, h.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return p.PacketNumber != 14, nil
	}))
	require.Equal(t, []protocol.PacketNumber{10, 14}, pns)
}

func TestSentPacketHistoryIteratePropagatesError(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(10))
	h.SentPacket(ackEliciting(14))
	testErr := errors.New("test error")
	err := h.Iterate(func(p *Packet) (bool, error) {
		if p.PacketNumber == 14 {
			return false, testErr
		}
		return true, nil
	})
	require.ErrorIs(t, err, testErr)
}

func TestSentPacketHistoryFirstOutstanding(t *testing.T) {
	h := newSentPacketHistory()
	require.Nil(t, h.FirstOutstanding())
	h.SentPacket(ackEliciting(2))
	h.SentPacket(ackEliciting(3))
	front := h.FirstOutstanding()
	require.NotNil(t, front)
	require.Equal(t, protocol.PacketNumber(2), front.PacketNumber)
}

func TestSentPacketHistoryRemove(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	h.SentPacket(ackEliciting(4))
	h.SentPacket(ackEliciting(8))
	require.NoError(t, h.Remove(4))

	var pns []protocol.PacketNumber
	require.NoError(t, h.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return true, nil
	}))
	require.Equal(t, []protocol.PacketNumber{1, 8}, pns)
}

func TestSentPacketHistoryRemoveUnknownPacketErrors(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	err := h.Remove(2)
	require.EqualError(t, err, "packet 2 not found in sent packet history")
}

func TestSentPacketHistoryHasOutstandingPackets(t *testing.T) {
	h := newSentPacketHistory()
	require.False(t, h.HasOutstandingPackets())
	h.SentPacket(ackEliciting(10))
	require.True(t, h.HasOutstandingPackets())
	require.NoError(t, h.Remove(10))
	require.False(t, h.HasOutstandingPackets())
}

func TestSentPacketHistorySkipsPacketNumbers(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	h.SentPacket(ackEliciting(5))
	require.Equal(t, protocol.PacketNumber(1), h.LowestPacketNumber())
	require.NotNil(t, h.GetPacket(5))
	require.Nil(t, h.GetPacket(3))
}

func TestSentPacketHistoryDeclareLost(t *testing.T) {
	h := newSentPacketHistory()
	h.SentPacket(ackEliciting(1))
	h.SentPacket(ackEliciting(2))
	h.DeclareLost(1)
	require.Nil(t, h.GetPacket(1))
	require.True(t, h.HasOutstandingPackets())
}
