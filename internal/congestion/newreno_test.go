package congestion

import (
	"testing"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"

	"github.com/stretchr/testify/require"
)

func newTestRenoSender() (*renoSender, *utils.RTTStats) {
	rttStats := &utils.RTTStats{}
	rttStats.UpdateRTT(50*time.Millisecond, 0, time.Time{})
	return newRenoSender(rttStats), rttStats
}

func TestRenoSenderStartsInSlowStartAtInitialWindow(t *testing.T) {
	sender, _ := newTestRenoSender()
	require.True(t, sender.InSlowStart())
	require.Equal(t, protocol.InitialCongestionWindow, sender.GetCongestionWindow())
}

func TestRenoSenderCanSendBelowWindow(t *testing.T) {
	sender, _ := newTestRenoSender()
	require.True(t, sender.CanSend(0))
	require.False(t, sender.CanSend(sender.GetCongestionWindow()))
}

func TestRenoSenderSlowStartGrowsByAckedBytes(t *testing.T) {
	sender, _ := newTestRenoSender()
	now := time.Now()
	cwndBefore := sender.GetCongestionWindow()
	sender.OnPacketSent(now, 0, 1, protocol.DefaultMaxPacketSize, true)
	sender.OnPacketAcked(1, protocol.DefaultMaxPacketSize, cwndBefore, now)
	require.Equal(t, cwndBefore+protocol.DefaultMaxPacketSize, sender.GetCongestionWindow())
}

func TestRenoSenderCongestionAvoidanceGrowsByOneMSSPerWindow(t *testing.T) {
	sender, _ := newTestRenoSender()
	now := time.Now()
	sender.congestionWindow = 10 * protocol.DefaultMaxPacketSize
	sender.slowStartThreshold = sender.congestionWindow
	require.False(t, sender.InSlowStart())

	cwndBefore := sender.GetCongestionWindow()
	for i := protocol.PacketNumber(1); i <= 10; i++ {
		sender.OnPacketSent(now, cwndBefore, i, protocol.DefaultMaxPacketSize, true)
		sender.OnPacketAcked(i, protocol.DefaultMaxPacketSize, cwndBefore, now)
	}
	require.Equal(t, cwndBefore+protocol.DefaultMaxPacketSize, sender.GetCongestionWindow())
}

func TestRenoSenderHalvesWindowOnLossAndLeavesSlowStart(t *testing.T) {
	sender, _ := newTestRenoSender()
	now := time.Now()
	sender.OnPacketSent(now, 0, 1, protocol.DefaultMaxPacketSize, true)
	sender.OnPacketSent(now, protocol.DefaultMaxPacketSize, 2, protocol.DefaultMaxPacketSize, true)

	cwndBefore := sender.GetCongestionWindow()
	sender.OnCongestionEvent(cwndBefore, protocol.DefaultMaxPacketSize, 2)
	require.Equal(t, cwndBefore/2, sender.GetCongestionWindow())
	require.False(t, sender.InSlowStart())
	require.True(t, sender.InRecovery())
}

func TestRenoSenderIgnoresLossesFromBeforeLastCutback(t *testing.T) {
	sender, _ := newTestRenoSender()
	now := time.Now()
	sender.OnPacketSent(now, 0, 1, protocol.DefaultMaxPacketSize, true)
	sender.OnPacketSent(now, protocol.DefaultMaxPacketSize, 2, protocol.DefaultMaxPacketSize, true)
	sender.OnCongestionEvent(2*protocol.DefaultMaxPacketSize, protocol.DefaultMaxPacketSize, 2)

	cwndAfterFirstCutback := sender.GetCongestionWindow()
	// packet 1 was sent before the cutback; losing it shouldn't cut the window again.
	sender.OnCongestionEvent(cwndAfterFirstCutback, protocol.DefaultMaxPacketSize, 1)
	require.Equal(t, cwndAfterFirstCutback, sender.GetCongestionWindow())
}

func TestRenoSenderNeverShrinksBelowMinimum(t *testing.T) {
	sender, _ := newTestRenoSender()
	now := time.Now()
	sender.OnPacketSent(now, 0, 1, protocol.DefaultMaxPacketSize, true)
	for i := protocol.PacketNumber(2); i < 40; i++ {
		sender.OnPacketSent(now, 0, i, protocol.DefaultMaxPacketSize, true)
		sender.OnCongestionEvent(protocol.MinCongestionWindow, protocol.DefaultMaxPacketSize, i)
	}
	require.Equal(t, protocol.MinCongestionWindow, sender.GetCongestionWindow())
}

func TestRenoSenderRetransmissionTimeoutResetsToMinimum(t *testing.T) {
	sender, _ := newTestRenoSender()
	sender.OnRetransmissionTimeout(true)
	require.Equal(t, protocol.MinCongestionWindow, sender.GetCongestionWindow())
}

func TestRenoSenderRetransmissionTimeoutWithNothingOutstandingIsNoop(t *testing.T) {
	sender, _ := newTestRenoSender()
	cwndBefore := sender.GetCongestionWindow()
	sender.OnRetransmissionTimeout(false)
	require.Equal(t, cwndBefore, sender.GetCongestionWindow())
}

func TestPacerAllowsInitialBurst(t *testing.T) {
	p := NewPacer(func() Bandwidth { return 8 * 1_000_000 * BytesPerSecond })
	require.True(t, p.TimeUntilSend().IsZero())
}

func TestPacerSpacesOutSendsOnceBurstIsSpent(t *testing.T) {
	bw := Bandwidth(8 * 1_000 * BytesPerSecond) // 8000 bytes/s
	p := NewPacer(func() Bandwidth { return bw })
	now := time.Now()
	for i := 0; i < 20; i++ {
		p.SentPacket(now, protocol.DefaultMaxPacketSize)
	}
	require.True(t, p.TimeUntilSend().After(now))
}
