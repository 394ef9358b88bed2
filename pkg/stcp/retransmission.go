package stcp

import (
	"time"

	"gvisor.dev/gvisor/pkg/sleep"
)

// retransmitTimer is a one-shot timer that asserts a waker on expiry. The
// runtime timer may fire after the timer was disabled or re-armed, so the
// engine must confirm every wake with checkExpiration.
type retransmitTimer struct {
	timer  *time.Timer
	target time.Time
	active bool
}

func (t *retransmitTimer) init(w *sleep.Waker) {
	t.timer = time.AfterFunc(time.Hour, w.Assert)
	t.timer.Stop()
}

func (t *retransmitTimer) enabled() bool { return t.active }

// enable arms the timer to expire d from now, replacing any earlier deadline.
func (t *retransmitTimer) enable(d time.Duration) {
	t.target = time.Now().Add(d)
	t.active = true
	t.timer.Reset(d)
}

func (t *retransmitTimer) disable() {
	t.active = false
	t.timer.Stop()
}

// checkExpiration reports whether the timer really expired. A wake from a
// stale runtime timer re-arms it for the remaining time.
func (t *retransmitTimer) checkExpiration() bool {
	if !t.active {
		return false
	}
	now := time.Now()
	if now.Before(t.target) {
		t.timer.Reset(t.target.Sub(now))
		return false
	}
	t.active = false
	return true
}

func (t *retransmitTimer) cleanup() {
	t.timer.Stop()
}

// rttEstimator keeps the smoothed RTT and derives the RTO from it (RFC 793):
//
//	SRTT = α·SRTT + (1-α)·sample
//	RTO  = max(RTOMin, min(β·SRTT, RTOMax))
type rttEstimator struct {
	srtt     time.Duration
	rto      time.Duration
	min      time.Duration
	max      time.Duration
	alpha    float64
	beta     float64
	measured bool
}

func newRTTEstimator(cfg *Config) rttEstimator {
	return rttEstimator{
		srtt:  cfg.RTO,
		rto:   cfg.RTO,
		min:   cfg.RTOMin,
		max:   cfg.RTOMax,
		alpha: 0.875,
		beta:  2.0,
	}
}

func (r *rttEstimator) sample(measured time.Duration) {
	if !r.measured {
		r.srtt = measured
		r.measured = true
	} else {
		r.srtt = time.Duration(float64(r.srtt)*r.alpha + float64(measured)*(1-r.alpha))
	}
	r.rto = r.clamp(time.Duration(float64(r.srtt) * r.beta))
}

// backoff doubles the RTO after an expiration. It stays backed off until
// the next valid sample.
func (r *rttEstimator) backoff() {
	r.rto = r.clamp(r.rto * 2)
}

func (r *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < r.min {
		return r.min
	}
	if d > r.max {
		return r.max
	}
	return d
}
