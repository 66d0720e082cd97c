package quic

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/ackhandler"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

type mtuDiscoverer interface {
	ShouldSendProbe(now time.Time) bool
	NextProbeTime() time.Time
	GetPing() (ping *ackhandler.Frame, datagramSize protocol.ByteCount)
}

const (
	// maxMTUDiff is how close current and max can get before discovery gives up: a packet 20
	// bytes smaller than the actual path MTU is good enough.
	maxMTUDiff = 20
	// mtuProbeDelay spaces probes mtuProbeDelay RTTs apart.
	mtuProbeDelay = 5
)

// mtuFinder implements path MTU discovery via PING probes of increasing size (§ "Reactor" /
// DisablePathMTUDiscovery in Config): binary search between the last size known to work and the
// peer's advertised maximum, one probe in flight at a time.
type mtuFinder struct {
	lastProbeTime time.Time
	probeInFlight bool
	mtuIncreased  func(protocol.ByteCount)

	rttStats *utils.RTTStats
	current  protocol.ByteCount
	max      protocol.ByteCount

	logger utils.Logger
}

var _ mtuDiscoverer = &mtuFinder{}

func newMTUDiscoverer(rttStats *utils.RTTStats, start, max protocol.ByteCount, mtuIncreased func(protocol.ByteCount), logger utils.Logger) mtuDiscoverer {
	return &mtuFinder{
		current:       start,
		rttStats:      rttStats,
		lastProbeTime: time.Now(), // delay the first probe by mtuProbeDelay RTTs
		mtuIncreased:  mtuIncreased,
		logger:        logger,
		max:           max,
	}
}

func (f *mtuFinder) done() bool {
	return f.max-f.current <= maxMTUDiff+1
}

func (f *mtuFinder) ShouldSendProbe(now time.Time) bool {
	if f.probeInFlight || f.done() {
		return false
	}
	return !now.Before(f.nextProbeTime())
}

// NextProbeTime returns the zero time if no probe should be sent right now.
func (f *mtuFinder) NextProbeTime() time.Time {
	if f.probeInFlight || f.done() {
		return time.Time{}
	}
	return f.nextProbeTime()
}

func (f *mtuFinder) nextProbeTime() time.Time {
	return f.lastProbeTime.Add(mtuProbeDelay * f.rttStats.SmoothedRTT())
}

func (f *mtuFinder) GetPing() (*ackhandler.Frame, protocol.ByteCount) {
	size := (f.max + f.current) / 2
	f.lastProbeTime = time.Now()
	f.probeInFlight = true
	if f.logger.Debug() {
		f.logger.Debugf("sending MTU probe: %d bytes", size)
	}
	return &ackhandler.Frame{
		Frame: &wire.PingFrame{},
		OnLost: func(*ackhandler.Frame) {
			f.probeInFlight = false
			f.max = size
		},
		OnAcked: func(*ackhandler.Frame) {
			f.probeInFlight = false
			f.current = size
			f.mtuIncreased(size)
		},
	}, size
}
