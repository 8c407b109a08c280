package bwe

import (
	"math"

	"github.com/thesyncim/googcc/pkg/units"
)

// StateChangeCallback is called when bandwidth usage state changes.
// The callback receives the previous state and the new state.
type StateChangeCallback func(old, new BandwidthUsage)

const (
	// minNumDeltas caps how much the delta count amplifies the trend.
	minNumDeltas = 60
	// maxAdaptOffsetMs stops the threshold from chasing outliers.
	maxAdaptOffsetMs = 15.0
	// maxThresholdStep bounds the time step of one threshold update.
	maxThresholdStep = 100 * 1000 // us
)

// OveruseConfig contains configuration parameters for the overuse detector.
// These parameters control the adaptive threshold behavior and overuse detection timing.
type OveruseConfig struct {
	// InitialThreshold is the initial value for the adaptive threshold in milliseconds.
	// Default: 12.5 ms
	InitialThreshold float64

	// MinThreshold is the minimum allowed threshold value in milliseconds.
	// Default: 6.0 ms
	MinThreshold float64

	// MaxThreshold is the maximum allowed threshold value in milliseconds.
	// Default: 600.0 ms
	MaxThreshold float64

	// KUp is the per-millisecond rate at which the threshold rises toward
	// a trend above it.
	// Default: 0.0087
	KUp float64

	// KDown is the per-millisecond rate at which the threshold falls toward
	// a trend below it.
	// Default: 0.039
	KDown float64

	// OveruseTimeThresh is how long the trend must stay above the threshold
	// before overuse is signalled.
	// Default: 10ms
	OveruseTimeThresh units.TimeDelta
}

// DefaultOveruseConfig returns an OveruseConfig with the default values.
func DefaultOveruseConfig() OveruseConfig {
	return OveruseConfig{
		InitialThreshold:  12.5,
		MinThreshold:      6.0,
		MaxThreshold:      600.0,
		KUp:               0.0087,
		KDown:             0.039,
		OveruseTimeThresh: units.Millis(10),
	}
}

// OveruseDetector classifies the delay trend as normal, overusing or
// underusing by comparing it against an adaptive threshold. It implements:
//   - An adaptive threshold with asymmetric up/down rates
//   - A sustained-overuse requirement before signaling
//   - Signal suppression when the trend is already falling
//   - State change callbacks for application notification
type OveruseDetector struct {
	config         OveruseConfig
	threshold      float64
	lastUpdate     units.Timestamp
	hasLastUpdate  bool
	timeOverUsing  float64 // ms, negative when not over-using
	overuseCounter int
	prevOffset     float64
	hypothesis     BandwidthUsage
	callback       StateChangeCallback
}

// NewOveruseDetector creates a new OveruseDetector with the given configuration.
func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	if config.InitialThreshold <= 0 {
		config = DefaultOveruseConfig()
	}
	d := &OveruseDetector{config: config}
	d.Reset()
	return d
}

// SetCallback registers a callback function that will be invoked whenever
// the bandwidth usage state changes. Pass nil to disable callbacks.
func (d *OveruseDetector) SetCallback(cb StateChangeCallback) {
	d.callback = cb
}

// Detect classifies one trend sample.
//
// offset is the filter output, sendDelta the send-time spacing of the
// groups that produced it, numDeltas how many samples the filter has seen
// and now the arrival time of the measurement.
func (d *OveruseDetector) Detect(offset float64, sendDelta units.TimeDelta, numDeltas int, now units.Timestamp) BandwidthUsage {
	if numDeltas < 2 {
		return BwNormal
	}
	old := d.hypothesis

	t := float64(min(numDeltas, minNumDeltas)) * offset
	switch {
	case t > d.threshold:
		if d.timeOverUsing < 0 {
			// Assume the overuse started halfway between the samples.
			d.timeOverUsing = sendDelta.MsFloat() / 2
		} else {
			d.timeOverUsing += sendDelta.MsFloat()
		}
		d.overuseCounter++
		if d.timeOverUsing > d.config.OveruseTimeThresh.MsFloat() && d.overuseCounter > 1 {
			// A falling trend is already recovering; do not signal.
			if offset >= d.prevOffset {
				d.timeOverUsing = 0
				d.overuseCounter = 0
				d.hypothesis = BwOverusing
			}
		}
	case t < -d.threshold:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwUnderusing
	default:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwNormal
	}
	d.prevOffset = offset

	d.updateThreshold(t, now)

	if d.hypothesis != old && d.callback != nil {
		d.callback(old, d.hypothesis)
	}
	return d.hypothesis
}

// updateThreshold moves the threshold toward |t|, quickly downward and
// slowly upward, so that a competing TCP flow's queue does not starve us.
func (d *OveruseDetector) updateThreshold(t float64, now units.Timestamp) {
	if !d.hasLastUpdate {
		d.lastUpdate = now
		d.hasLastUpdate = true
	}

	absT := math.Abs(t)
	if absT > d.threshold+maxAdaptOffsetMs {
		d.lastUpdate = now
		return
	}

	k := d.config.KUp
	if absT < d.threshold {
		k = d.config.KDown
	}
	dt := math.Min(now.Sub(d.lastUpdate).MsFloat(), maxThresholdStep/1000)
	d.threshold += k * (absT - d.threshold) * dt
	d.threshold = math.Max(d.config.MinThreshold, math.Min(d.threshold, d.config.MaxThreshold))
	d.lastUpdate = now
}

// State returns the current bandwidth usage state.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// Threshold returns the current adaptive threshold value.
// This is primarily useful for debugging and monitoring.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// Reset resets the detector to its initial state.
// The configuration and callback are preserved.
func (d *OveruseDetector) Reset() {
	d.threshold = d.config.InitialThreshold
	d.hypothesis = BwNormal
	d.timeOverUsing = -1
	d.overuseCounter = 0
	d.prevOffset = 0
	d.hasLastUpdate = false
}
