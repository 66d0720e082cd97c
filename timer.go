package quic

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/utils"
)

// deadlineSendImmediately is a sentinel deadline meaning "fire on the next loop iteration",
// used for timerModePacing once the pacer says a packet can go out right now. Any value after
// the zero time.Time and before time.Now() works; MaybeReset just needs it not to collide with
// a real deadline set in the same mode.
var deadlineSendImmediately = time.Unix(1, 0)

type timerMode uint8

const (
	timerModeHandshakeIdleTimeout timerMode = 1 + iota
	timerModeIdleTimeout
	timerModeKeepAlive
	timerModeAckAlarm
	timerModeLossDetection
	timerModePacing
)

// timer is the connection engine's single wakeup source, multiplexing every deadline the run
// loop cares about (§4.6) onto one underlying utils.Timer so there's exactly one place the
// select in the run loop needs to read from.
type timer struct {
	timer    *utils.Timer
	lastMode timerMode
	wasRead  bool
}

func newTimer() *timer {
	return &timer{timer: utils.NewTimer()}
}

func (t *timer) Chan() <-chan time.Time { return t.timer.Chan() }
func (t *timer) Stop()                  { t.timer.Stop() }

func (t *timer) SetRead() {
	t.wasRead = true
	t.timer.SetRead()
}

// MaybeReset (re-)sets the timer, skipping the reset if it was already set in the same mode to
// the same deadline and that deadline has already fired and been read: avoids busy-looping when
// the run loop can't act on an expired timer yet (e.g. the egress path is backed up).
func (t *timer) MaybeReset(m timerMode, d time.Time) {
	if t.wasRead && m == t.lastMode && d != deadlineSendImmediately && t.timer.Deadline().Equal(d) {
		return
	}
	t.lastMode = m
	t.wasRead = false
	t.timer.Reset(d)
}
