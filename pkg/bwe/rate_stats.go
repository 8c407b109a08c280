package bwe

import (
	"math"

	"github.com/gammazero/deque"

	"github.com/thesyncim/googcc/pkg/units"
)

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the duration of the sliding window for rate calculation.
	// Default: 1 second.
	WindowSize units.TimeDelta
}

// DefaultRateStatsConfig returns default configuration for rate statistics.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{
		WindowSize: units.Seconds(1),
	}
}

// rateSample represents a single byte count measurement at a point in time.
type rateSample struct {
	at   units.Timestamp
	size units.DataSize
}

// RateStats tracks a bitrate over a sliding time window.
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(units.Bytes(1200), now)
//	if rate, ok := r.Rate(now); ok {
//	    fmt.Println(rate)
//	}
type RateStats struct {
	windowSize units.TimeDelta
	samples    deque.Deque[rateSample]
	total      units.DataSize
}

// NewRateStats creates a new rate statistics tracker with the given configuration.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultRateStatsConfig().WindowSize
	}
	r := &RateStats{windowSize: windowSize}
	r.samples.SetBaseCap(64)
	return r
}

// Update adds a sample at the given time.
func (r *RateStats) Update(size units.DataSize, now units.Timestamp) {
	r.removeExpired(now)
	r.samples.PushBack(rateSample{at: now, size: size})
	r.total = r.total.Add(size)
}

// Rate returns the rate over the samples in the window. It reports false
// with fewer than two samples or when they span less than a millisecond.
func (r *RateStats) Rate(now units.Timestamp) (units.DataRate, bool) {
	r.removeExpired(now)
	if r.samples.Len() < 2 {
		return 0, false
	}
	elapsed := r.samples.Back().at.Sub(r.samples.Front().at)
	if elapsed < units.Millis(1) {
		return 0, false
	}
	return r.total.Over(elapsed), true
}

// Reset clears all samples.
func (r *RateStats) Reset() {
	r.samples.Clear()
	r.total = 0
}

func (r *RateStats) removeExpired(now units.Timestamp) {
	cutoff := now.SubDelta(r.windowSize)
	for r.samples.Len() > 0 && r.samples.Front().at < cutoff {
		r.total = r.total.Sub(r.samples.PopFront().size)
	}
}

const (
	initialRateWindow   = 500 * 1000 // us
	steadyRateWindow    = 150 * 1000 // us
	uncertaintyScale    = 10.0
	uncertaintyScaleAlr = 20.0
	processNoiseKbps2   = 5.0
	fastChangeNoise     = 200.0
)

// BitrateEstimator estimates the acknowledged throughput with a Bayesian
// filter over fixed windows: 500 ms for the first sample, 150 ms after.
// Samples far from the current estimate are trusted less.
type BitrateEstimator struct {
	sum           units.DataSize
	currentWindow units.TimeDelta
	prevTime      units.Timestamp
	hasPrevTime   bool

	estimateKbps float64 // negative until the first window closes
	varKbps      float64
}

// NewBitrateEstimator returns an estimator with no estimate.
func NewBitrateEstimator() *BitrateEstimator {
	return &BitrateEstimator{estimateKbps: -1, varKbps: 50}
}

// Update accounts one acknowledged packet.
func (e *BitrateEstimator) Update(at units.Timestamp, size units.DataSize, inAlr bool) {
	window := units.Micros(steadyRateWindow)
	if e.estimateKbps < 0 {
		window = units.Micros(initialRateWindow)
	}
	sample, ok := e.updateWindow(at, size, window)
	if !ok {
		return
	}
	if e.estimateKbps < 0 {
		e.estimateKbps = sample
		return
	}
	scale := uncertaintyScale
	if inAlr && sample < e.estimateKbps {
		// Application limited samples underestimate the link.
		scale = uncertaintyScaleAlr
	}
	uncertainty := scale * math.Abs(e.estimateKbps-sample) / e.estimateKbps
	sampleVar := uncertainty * uncertainty
	predVar := e.varKbps + processNoiseKbps2
	e.estimateKbps = (sampleVar*e.estimateKbps + predVar*sample) / (sampleVar + predVar)
	e.estimateKbps = math.Max(e.estimateKbps, 0)
	e.varKbps = sampleVar * predVar / (sampleVar + predVar)
}

func (e *BitrateEstimator) updateWindow(at units.Timestamp, size units.DataSize, window units.TimeDelta) (float64, bool) {
	if e.hasPrevTime && at < e.prevTime {
		// Time went backwards; start over.
		e.sum = 0
		e.currentWindow = 0
		e.hasPrevTime = false
	}
	if e.hasPrevTime {
		gap := at.Sub(e.prevTime)
		e.currentWindow = e.currentWindow.Add(gap)
		if gap > window {
			e.sum = 0
			e.currentWindow = units.Micros(e.currentWindow.Us() % window.Us())
		}
	}
	e.prevTime = at
	e.hasPrevTime = true

	var (
		kbps float64
		ok   bool
	)
	if e.currentWindow >= window {
		kbps = float64(e.sum.Bits()) / window.MsFloat()
		ok = true
		e.currentWindow = e.currentWindow.Sub(window)
		e.sum = 0
	}
	e.sum = e.sum.Add(size)
	return kbps, ok
}

// Bitrate returns the estimate, if any.
func (e *BitrateEstimator) Bitrate() (units.DataRate, bool) {
	if e.estimateKbps < 0 {
		return 0, false
	}
	return units.BitsPerSecFloat(e.estimateKbps * 1000), true
}

// ExpectFastRateChange widens the uncertainty so the next samples move the
// estimate quickly.
func (e *BitrateEstimator) ExpectFastRateChange() {
	e.varKbps += fastChangeNoise
}

// AcknowledgedBitrateEstimator measures the rate at which sent packets are
// acknowledged by transport feedback.
type AcknowledgedBitrateEstimator struct {
	estimator *BitrateEstimator
	inAlr     bool
	alrEnded  units.Timestamp
	hasAlrEnd bool
}

// NewAcknowledgedBitrateEstimator returns an empty estimator.
func NewAcknowledgedBitrateEstimator() *AcknowledgedBitrateEstimator {
	return &AcknowledgedBitrateEstimator{estimator: NewBitrateEstimator()}
}

// IncomingPacketFeedback accounts received packets, in receive order.
func (a *AcknowledgedBitrateEstimator) IncomingPacketFeedback(packets []PacketResult) {
	for _, p := range packets {
		if a.hasAlrEnd && p.SentPacket.SendTime > a.alrEnded {
			a.estimator.ExpectFastRateChange()
			a.hasAlrEnd = false
		}
		a.estimator.Update(p.ReceiveTime, p.SentPacket.Size, a.inAlr)
	}
}

// Bitrate returns the acknowledged rate, if known.
func (a *AcknowledgedBitrateEstimator) Bitrate() (units.DataRate, bool) {
	return a.estimator.Bitrate()
}

// SetAlr records whether the sender is application limited.
func (a *AcknowledgedBitrateEstimator) SetAlr(inAlr bool) {
	a.inAlr = inAlr
}

// SetAlrEndedTime records when the sender left ALR. Packets sent after it
// reflect a rate change.
func (a *AcknowledgedBitrateEstimator) SetAlrEndedTime(at units.Timestamp) {
	a.alrEnded = at
	a.hasAlrEnd = true
}
