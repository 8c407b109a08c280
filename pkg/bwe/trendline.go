package bwe

import (
	"github.com/gammazero/deque"

	"github.com/thesyncim/googcc/pkg/units"
)

// deltaCounterMax caps the delta counter so it cannot overflow on long calls.
const deltaCounterMax = 1000

// TrendlineConfig contains configuration parameters for the trendline estimator.
// The trendline estimator uses linear regression over a sliding window of samples
// to estimate the delay trend.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression window.
	// A larger window provides more stability but slower response.
	// Default: 20 samples.
	WindowSize int

	// SmoothingCoef is the exponential smoothing coefficient for accumulated delay.
	// Higher values (closer to 1.0) give more weight to history.
	// Default: 0.9
	SmoothingCoef float64

	// ThresholdGain scales the slope to the overuse detector's input range.
	// Default: 4.0
	ThresholdGain float64
}

// DefaultTrendlineConfig returns the default configuration for the trendline estimator.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

// sample represents a single delay sample in the trendline history.
type sample struct {
	arrivalTimeMs float64 // since the first sample
	smoothedDelay float64 // ms
}

// TrendlineEstimator estimates the one-way delay trend with a least-squares
// fit over a sliding window.
//
// The estimator:
//  1. Accumulates the per-group delay variation into a running one-way delay
//  2. Exponentially smooths the accumulated delay
//  3. Keeps a window of (arrival time, smoothed delay) samples
//  4. Reports the slope of the best-fit line, scaled by ThresholdGain
//
// A positive slope means queues are building.
type TrendlineEstimator struct {
	config TrendlineConfig

	history          deque.Deque[sample]
	accumulatedDelay float64
	smoothedDelay    float64
	numDeltas        int
	firstArrival     units.Timestamp
	hasFirstArrival  bool
	trend            float64
}

// NewTrendlineEstimator creates a new trendline estimator with the given configuration.
// If WindowSize is less than 2, it defaults to 20.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	def := DefaultTrendlineConfig()
	if config.WindowSize < 2 {
		config.WindowSize = def.WindowSize
	}
	if config.SmoothingCoef <= 0 || config.SmoothingCoef >= 1 {
		config.SmoothingCoef = def.SmoothingCoef
	}
	if config.ThresholdGain <= 0 {
		config.ThresholdGain = def.ThresholdGain
	}
	t := &TrendlineEstimator{config: config}
	t.history.SetBaseCap(config.WindowSize + 1)
	return t
}

// Update adds one inter-group measurement. The hypothesis argument is
// unused by the trendline filter and exists to satisfy DelayFilter.
func (t *TrendlineEstimator) Update(d GroupDeltas, arrival units.Timestamp, _ BandwidthUsage) {
	if !t.hasFirstArrival {
		t.firstArrival = arrival
		t.hasFirstArrival = true
	}
	if t.numDeltas < deltaCounterMax {
		t.numDeltas++
	}

	t.accumulatedDelay += d.DelayVariation().MsFloat()
	t.smoothedDelay = t.config.SmoothingCoef*t.smoothedDelay + (1-t.config.SmoothingCoef)*t.accumulatedDelay

	t.history.PushBack(sample{
		arrivalTimeMs: arrival.Sub(t.firstArrival).MsFloat(),
		smoothedDelay: t.smoothedDelay,
	})
	if t.history.Len() > t.config.WindowSize {
		t.history.PopFront()
	}
	if t.history.Len() == t.config.WindowSize {
		// A degenerate window keeps the previous trend.
		if slope, ok := t.linearFitSlope(); ok {
			t.trend = slope
		}
	}
}

// Offset returns the gained slope fed to the overuse detector.
func (t *TrendlineEstimator) Offset() float64 {
	return t.trend * t.config.ThresholdGain
}

// Slope returns the raw regression slope in ms of delay per ms of time.
func (t *TrendlineEstimator) Slope() float64 {
	return t.trend
}

// NumDeltas returns the number of measurements seen, capped at 1000.
func (t *TrendlineEstimator) NumDeltas() int {
	return t.numDeltas
}

func (t *TrendlineEstimator) linearFitSlope() (float64, bool) {
	n := t.history.Len()
	if n < 2 {
		return 0, false
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		s := t.history.At(i)
		sumX += s.arrivalTimeMs
		sumY += s.smoothedDelay
	}
	xAvg := sumX / float64(n)
	yAvg := sumY / float64(n)

	var num, den float64
	for i := 0; i < n; i++ {
		s := t.history.At(i)
		dx := s.arrivalTimeMs - xAvg
		num += dx * (s.smoothedDelay - yAvg)
		den += dx * dx
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// Reset clears the estimator state.
func (t *TrendlineEstimator) Reset() {
	t.history.Clear()
	t.accumulatedDelay = 0
	t.smoothedDelay = 0
	t.numDeltas = 0
	t.hasFirstArrival = false
	t.trend = 0
}
