package bwe

import "github.com/thesyncim/googcc/pkg/units"

// DelayFilterType selects the filter that turns group deltas into a delay
// trend for the overuse detector.
type DelayFilterType int

const (
	// FilterTrendline uses least-squares regression over a sliding window.
	FilterTrendline DelayFilterType = iota
	// FilterKalman uses a two-state Kalman filter over size and time deltas.
	FilterKalman
)

// String returns a string representation of the filter type.
func (f DelayFilterType) String() string {
	switch f {
	case FilterTrendline:
		return "Trendline"
	case FilterKalman:
		return "Kalman"
	default:
		return "Unknown"
	}
}

// DelayFilter estimates the queuing delay trend from group deltas.
type DelayFilter interface {
	// Update adds one measurement. hypothesis is the detector's current
	// state, which some filters use to adapt their noise model.
	Update(d GroupDeltas, arrival units.Timestamp, hypothesis BandwidthUsage)
	// Offset is the trend, in the units the overuse detector compares
	// against its threshold.
	Offset() float64
	// NumDeltas is the number of measurements seen so far.
	NumDeltas() int
	Reset()
}

var (
	_ DelayFilter = (*TrendlineEstimator)(nil)
	_ DelayFilter = (*OveruseEstimator)(nil)
)

func newDelayFilter(t DelayFilterType) DelayFilter {
	if t == FilterKalman {
		return NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	}
	return NewTrendlineEstimator(DefaultTrendlineConfig())
}
