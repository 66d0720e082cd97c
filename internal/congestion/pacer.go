package congestion

import (
	"math"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

const maxBurstSize = 10 * protocol.DefaultMaxPacketSize

// Pacer implements a token bucket pacing algorithm: it spreads a controller's congestion
// window out over time instead of releasing it in one burst, by releasing at most the
// controller's estimated bandwidth worth of bytes per unit time, with a small burst
// allowance so pacing doesn't stall a connection that just opened its window.
type Pacer struct {
	budgetAtLastSent protocol.ByteCount
	lastSentTime     time.Time
	getBandwidth     func() uint64 // bytes/s
}

// NewPacer builds a pacer that queries getBandwidth (bits/s) for its current rate estimate,
// typically Controller.BandwidthEstimate.
func NewPacer(getBandwidth func() Bandwidth) *Pacer {
	p := &Pacer{getBandwidth: func() uint64 {
		return uint64(getBandwidth() / BytesPerSecond)
	}}
	p.budgetAtLastSent = p.maxBurstSize()
	return p
}

// SentPacket records that size bytes were sent at sendTime, consuming that much from the
// token bucket.
func (p *Pacer) SentPacket(sendTime time.Time, size protocol.ByteCount) {
	budget := p.Budget(sendTime)
	if size > budget {
		p.budgetAtLastSent = 0
	} else {
		p.budgetAtLastSent = budget - size
	}
	p.lastSentTime = sendTime
}

// Budget returns how many bytes may be sent right now without violating the pacing rate.
func (p *Pacer) Budget(now time.Time) protocol.ByteCount {
	if p.lastSentTime.IsZero() {
		return p.maxBurstSize()
	}
	elapsed := protocol.ByteCount(now.Sub(p.lastSentTime).Nanoseconds())
	budget := p.budgetAtLastSent + (protocol.ByteCount(p.getBandwidth())*elapsed)/1e9
	return utils.MinByteCount(p.maxBurstSize(), budget)
}

func (p *Pacer) maxBurstSize() protocol.ByteCount {
	return utils.MaxByteCount(
		protocol.ByteCount(uint64((protocol.MinPacingDelay+protocol.TimerGranularity).Nanoseconds())*p.getBandwidth())/1e9,
		maxBurstSize,
	)
}

// TimeUntilSend returns when the next packet may be sent without violating the pacing rate.
// A zero time means "now".
func (p *Pacer) TimeUntilSend() time.Time {
	if p.budgetAtLastSent >= protocol.DefaultMaxPacketSize {
		return time.Time{}
	}
	bw := p.getBandwidth()
	if bw == 0 {
		return p.lastSentTime.Add(protocol.MinPacingDelay)
	}
	return p.lastSentTime.Add(utils.MaxDuration(
		protocol.MinPacingDelay,
		time.Duration(math.Ceil(float64(protocol.DefaultMaxPacketSize-p.budgetAtLastSent)*1e9/float64(bw)))*time.Nanosecond,
	))
}
