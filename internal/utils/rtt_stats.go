package utils

import "time"

const (
	initialRTTAlpha  = 0.125
	rttBeta          = 0.25
	maxRTTVarBurst   = 3.0
	granularity      = time.Millisecond
)

// RTTStats tracks the connection's RTT estimate, following the algorithm of RFC 9002 Section 5.
// It is not safe for concurrent use; like the rest of connection state, it is owned by the single
// reactor thread driving the connection.
type RTTStats struct {
	minRTT              time.Duration
	latestRTT            time.Duration
	smoothedRTT          time.Duration
	meanDeviation        time.Duration
	maxAckDelay          time.Duration
	hasMeasurement       bool
}

// SetInitialRTT is used when resuming: a cached or handshake-measured RTT seeds the estimator
// before any ACK has been processed, so the first PTO isn't absurdly conservative.
func (r *RTTStats) SetInitialRTT(t time.Duration) {
	if r.hasMeasurement {
		return
	}
	r.smoothedRTT = t
	r.latestRTT = t
}

// SetMaxAckDelay records the peer's max_ack_delay transport parameter.
func (r *RTTStats) SetMaxAckDelay(mad time.Duration) { r.maxAckDelay = mad }

// MaxAckDelay returns the peer's max_ack_delay transport parameter.
func (r *RTTStats) MaxAckDelay() time.Duration { return r.maxAckDelay }

// MinRTT returns the lowest RTT observed over the life of the connection, ignoring ack delay.
func (r *RTTStats) MinRTT() time.Duration { return r.minRTT }

// LatestRTT returns the most recent RTT sample.
func (r *RTTStats) LatestRTT() time.Duration { return r.latestRTT }

// SmoothedRTT returns the EWMA RTT estimate.
func (r *RTTStats) SmoothedRTT() time.Duration { return r.smoothedRTT }

// MeanDeviation returns the estimated RTT variance.
func (r *RTTStats) MeanDeviation() time.Duration { return r.meanDeviation }

// PTO returns the probe timeout duration: smoothedRTT + max(4*meanDeviation, granularity) +
// (max_ack_delay, only for the AppData space).
func (r *RTTStats) PTO(includeMaxAckDelay bool) time.Duration {
	if r.smoothedRTT == 0 {
		return 999 * time.Millisecond
	}
	dev := 4 * r.meanDeviation
	if dev < granularity {
		dev = granularity
	}
	pto := r.smoothedRTT + dev
	if includeMaxAckDelay {
		pto += r.maxAckDelay
	}
	return pto
}

// UpdateRTT updates the RTT estimate from a newly-acknowledged packet's measured latest RTT and
// the ack delay the peer reported for it. sentTime is accepted for API symmetry with callers that
// need it for logging; it does not participate in the computation.
func (r *RTTStats) UpdateRTT(latestRTT, ackDelay time.Duration, _ time.Time) {
	if latestRTT <= 0 {
		return
	}
	if r.minRTT == 0 || latestRTT < r.minRTT {
		r.minRTT = latestRTT
	}
	// Correct for ack delay, but never let the adjustment push the sample below minRTT, and never
	// trust an ack delay larger than what the peer advertised willing to report.
	sample := latestRTT
	if r.maxAckDelay > 0 && ackDelay > r.maxAckDelay {
		ackDelay = r.maxAckDelay
	}
	if sample-r.minRTT >= ackDelay {
		sample -= ackDelay
	}
	r.latestRTT = latestRTT

	if !r.hasMeasurement {
		r.hasMeasurement = true
		r.smoothedRTT = sample
		r.meanDeviation = sample / 2
		return
	}
	devSample := sample - r.smoothedRTT
	if devSample < 0 {
		devSample = -devSample
	}
	r.meanDeviation = time.Duration((1-rttBeta)*float64(r.meanDeviation) + rttBeta*float64(devSample))
	r.smoothedRTT = time.Duration((1-initialRTTAlpha)*float64(r.smoothedRTT) + initialRTTAlpha*float64(sample))
}

// OnConnectionMigration resets the RTT estimate: a new path has no relationship to the old one's RTT.
func (r *RTTStats) OnConnectionMigration() { *r = RTTStats{maxAckDelay: r.maxAckDelay} }

// ExpireSmoothedMetrics widens meanDeviation in line with the new latestRTT. Called after a long
// idle period, when the old smoothedRTT may no longer be representative.
func (r *RTTStats) ExpireSmoothedMetrics() {
	r.meanDeviation = max(r.meanDeviation, absDuration(r.smoothedRTT-r.latestRTT))
	r.smoothedRTT = max(r.smoothedRTT, r.latestRTT)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
