package bwe

import (
	"math"

	"github.com/gammazero/deque"

	"github.com/thesyncim/googcc/pkg/units"
)

const minFramePeriodHistoryLength = 60

// OveruseEstimatorConfig holds tunable parameters for the Kalman filter.
type OveruseEstimatorConfig struct {
	// InitialSlope is the prior for the size-to-delay slope, in ms/byte.
	// Default: 8/512
	InitialSlope float64

	// InitialCovariance is the diagonal of the initial error covariance
	// for (slope, offset).
	// Default: {100, 0.1}
	InitialCovariance [2]float64

	// ProcessNoise is the diagonal of the state noise for (slope, offset).
	// Default: {1e-13, 1e-3}
	ProcessNoise [2]float64

	// InitialNoiseVariance is the prior measurement noise variance in ms².
	// Default: 50
	InitialNoiseVariance float64
}

// DefaultOveruseEstimatorConfig returns the default Kalman filter configuration.
func DefaultOveruseEstimatorConfig() OveruseEstimatorConfig {
	return OveruseEstimatorConfig{
		InitialSlope:         8.0 / 512.0,
		InitialCovariance:    [2]float64{100, 1e-1},
		ProcessNoise:         [2]float64{1e-13, 1e-3},
		InitialNoiseVariance: 50,
	}
}

// OveruseEstimator is a two-state Kalman filter over the line
// delay variation ≈ slope*sizeDelta + offset. The offset is the queuing delay
// trend; the slope absorbs the serialization delay of bigger groups.
//
// It is an alternative to TrendlineEstimator for the overuse detector.
type OveruseEstimator struct {
	config OveruseEstimatorConfig

	slope      float64
	offset     float64
	prevOffset float64
	e          [2][2]float64
	avgNoise   float64
	varNoise   float64
	numDeltas  int

	tsDeltaHist deque.Deque[float64]
}

// NewOveruseEstimator creates a Kalman delay filter.
func NewOveruseEstimator(config OveruseEstimatorConfig) *OveruseEstimator {
	if config.InitialNoiseVariance <= 0 {
		config = DefaultOveruseEstimatorConfig()
	}
	k := &OveruseEstimator{config: config}
	k.tsDeltaHist.SetBaseCap(minFramePeriodHistoryLength + 1)
	k.Reset()
	return k
}

// Update processes one inter-group measurement.
func (k *OveruseEstimator) Update(d GroupDeltas, _ units.Timestamp, hypothesis BandwidthUsage) {
	tsDeltaMs := d.SendDelta.MsFloat()
	minFramePeriod := k.updateMinFramePeriod(tsDeltaMs)
	tTsDelta := d.DelayVariation().MsFloat()
	fsDelta := float64(d.SizeDelta)

	if k.numDeltas < deltaCounterMax {
		k.numDeltas++
	}

	k.e[0][0] += k.config.ProcessNoise[0]
	k.e[1][1] += k.config.ProcessNoise[1]

	if (hypothesis == BwOverusing && k.offset < k.prevOffset) ||
		(hypothesis == BwUnderusing && k.offset > k.prevOffset) {
		// The trend is reversing; let the offset move faster.
		k.e[1][1] += 10 * k.config.ProcessNoise[1]
	}

	h := [2]float64{fsDelta, 1.0}
	eh := [2]float64{
		k.e[0][0]*h[0] + k.e[0][1]*h[1],
		k.e[1][0]*h[0] + k.e[1][1]*h[1],
	}

	residual := tTsDelta - k.slope*h[0] - k.offset

	// Very late groups, such as periodic key frames, do not fit the
	// Gaussian noise model; they are clipped before updating the noise.
	maxResidual := 3.0 * math.Sqrt(k.varNoise)
	inStableState := hypothesis == BwNormal
	if math.Abs(residual) < maxResidual {
		k.updateNoiseEstimate(residual, minFramePeriod, inStableState)
	} else if residual < 0 {
		k.updateNoiseEstimate(-maxResidual, minFramePeriod, inStableState)
	} else {
		k.updateNoiseEstimate(maxResidual, minFramePeriod, inStableState)
	}

	denom := k.varNoise + h[0]*eh[0] + h[1]*eh[1]
	gain := [2]float64{eh[0] / denom, eh[1] / denom}

	ikh := [2][2]float64{
		{1.0 - gain[0]*h[0], -gain[0] * h[1]},
		{-gain[1] * h[0], 1.0 - gain[1]*h[1]},
	}
	e00 := k.e[0][0]
	e01 := k.e[0][1]
	k.e[0][0] = e00*ikh[0][0] + k.e[1][0]*ikh[0][1]
	k.e[0][1] = e01*ikh[0][0] + k.e[1][1]*ikh[0][1]
	k.e[1][0] = e00*ikh[1][0] + k.e[1][0]*ikh[1][1]
	k.e[1][1] = e01*ikh[1][0] + k.e[1][1]*ikh[1][1]

	k.slope += gain[0] * residual
	k.prevOffset = k.offset
	k.offset += gain[1] * residual
}

// Offset returns the estimated queuing delay trend in ms.
func (k *OveruseEstimator) Offset() float64 {
	return k.offset
}

// Slope returns the estimated serialization slope in ms/byte.
func (k *OveruseEstimator) Slope() float64 {
	return k.slope
}

// NoiseVariance returns the measurement noise variance in ms².
func (k *OveruseEstimator) NoiseVariance() float64 {
	return k.varNoise
}

// NumDeltas returns the number of measurements seen, capped at 1000.
func (k *OveruseEstimator) NumDeltas() int {
	return k.numDeltas
}

// Reset reinitializes the filter state to its priors.
func (k *OveruseEstimator) Reset() {
	k.slope = k.config.InitialSlope
	k.offset = 0
	k.prevOffset = 0
	k.e = [2][2]float64{{k.config.InitialCovariance[0], 0}, {0, k.config.InitialCovariance[1]}}
	k.avgNoise = 0
	k.varNoise = k.config.InitialNoiseVariance
	k.numDeltas = 0
	k.tsDeltaHist.Clear()
}

func (k *OveruseEstimator) updateMinFramePeriod(tsDeltaMs float64) float64 {
	minPeriod := tsDeltaMs
	if k.tsDeltaHist.Len() >= minFramePeriodHistoryLength {
		k.tsDeltaHist.PopFront()
	}
	for i := 0; i < k.tsDeltaHist.Len(); i++ {
		minPeriod = math.Min(k.tsDeltaHist.At(i), minPeriod)
	}
	k.tsDeltaHist.PushBack(tsDeltaMs)
	return minPeriod
}

func (k *OveruseEstimator) updateNoiseEstimate(residual, tsDeltaMs float64, stable bool) {
	if !stable {
		return
	}
	// Faster adaptation at startup. alpha is tuned for 30 fps and scaled
	// by the group spacing.
	alpha := 0.01
	if k.numDeltas > 10*30 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, tsDeltaMs*30.0/1000.0)
	k.avgNoise = beta*k.avgNoise + (1-beta)*residual
	d := k.avgNoise - residual
	k.varNoise = beta*k.varNoise + (1-beta)*d*d
	if k.varNoise < 1 {
		k.varNoise = 1
	}
}
