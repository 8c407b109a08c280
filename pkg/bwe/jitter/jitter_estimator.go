package jitter

import (
	"math"

	"github.com/thesyncim/googcc/pkg/bwe/internal"
	"github.com/thesyncim/googcc/pkg/units"
)

const (
	phi           = 0.97
	psi           = 0.9999
	alphaCountMax = 400
	thetaLow      = 0.000001

	numStdDevDelayOutlier     = 15
	numStdDevFrameSizeOutlier = 3

	startupDelaySamples  = 30
	fsAccuStartupSamples = 5
	maxFramerateEstimate = 200.0
	fpsWindow            = 30

	// osJitterMs is added to every estimate to cover scheduling noise on the
	// receiving host.
	osJitterMs = 10.0
	// maxEstimateMs is a sanity ceiling.
	maxEstimateMs = 10000.0

	jitterScaleLowThreshold  = 5.0
	jitterScaleHighThreshold = 10.0
)

var nackCountTimeout = units.Seconds(60)

// EstimatorConfig holds tunables for the JitterEstimator.
type EstimatorConfig struct {
	// NackLimit is how many recent NACKs make retransmissions plausible
	// enough to add RTT to the estimate.
	// Default: 3
	NackLimit int

	// NoiseStdDevs scales the random-jitter standard deviation in the
	// noise margin.
	// Default: 2.33
	NoiseStdDevs float64

	// NoiseStdDevOffset is subtracted from the scaled standard deviation, in ms.
	// Default: 30
	NoiseStdDevOffset float64

	// TimeDeviationUpperBound caps frame delays at this many standard
	// deviations of the random jitter.
	// Default: 3.5
	TimeDeviationUpperBound float64

	// EnableReducedDelay drops the estimate for streams below 5 fps and
	// scales it linearly up to 10 fps.
	// Default: true
	EnableReducedDelay bool
}

// DefaultEstimatorConfig returns the default JitterEstimator configuration.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		NackLimit:               3,
		NoiseStdDevs:            2.33,
		NoiseStdDevOffset:       30,
		TimeDeviationUpperBound: 3.5,
		EnableReducedDelay:      true,
	}
}

// JitterEstimator estimates the playout delay a receiver should add to absorb
// network jitter.
//
// Frame delay is modelled as a line in the frame size change,
// delay ≈ theta[0]*ΔFS + theta[1], fitted by a two-state Kalman filter: big
// frames take proportionally longer to arrive. What the line does not explain
// is random jitter, whose variance is tracked separately. The estimate is
// the slope applied to the gap between the largest and the average frame,
// plus a margin derived from the random jitter, plus a fixed OS allowance.
// When retransmissions are likely, a share of the RTT is added on top.
//
// JitterEstimator is not safe for concurrent use.
type JitterEstimator struct {
	config EstimatorConfig
	clock  internal.Clock

	theta    [2]float64 // ms/byte, ms
	thetaCov [2][2]float64
	qCov     [2][2]float64

	avgFrameSize float64 // bytes
	varFrameSize float64 // bytes²
	maxFrameSize float64 // bytes
	fsSum        uint64
	fsCount      int

	prevFrameSize uint32
	lastUpdate    units.Timestamp
	hasLastUpdate bool

	avgNoise   float64 // ms
	varNoise   float64 // ms²
	alphaCount int

	prevEstimate         float64 // ms
	filterJitterEstimate float64 // ms
	startupCount         int

	latestNack units.Timestamp
	nackCount  int

	rttFilter  *RttFilter
	fpsCounter *RollingAccumulator
}

// NewJitterEstimator creates an estimator. Zero numeric fields in config
// take their defaults. If clock is nil, a MonotonicClock is used.
func NewJitterEstimator(config EstimatorConfig, clock internal.Clock) *JitterEstimator {
	def := DefaultEstimatorConfig()
	if config.NackLimit <= 0 {
		config.NackLimit = def.NackLimit
	}
	if config.NoiseStdDevs <= 0 {
		config.NoiseStdDevs = def.NoiseStdDevs
	}
	if config.NoiseStdDevOffset <= 0 {
		config.NoiseStdDevOffset = def.NoiseStdDevOffset
	}
	if config.TimeDeviationUpperBound <= 0 {
		config.TimeDeviationUpperBound = def.TimeDeviationUpperBound
	}
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	e := &JitterEstimator{
		config:     config,
		clock:      clock,
		rttFilter:  NewRttFilter(),
		fpsCounter: NewRollingAccumulator(fpsWindow),
	}
	e.Reset()
	return e
}

// Reset returns the estimator to its priors.
func (e *JitterEstimator) Reset() {
	e.theta = [2]float64{1 / (512e3 / 8), 0}
	e.varNoise = 4.0

	e.thetaCov = [2][2]float64{{1e-4, 0}, {0, 1e2}}
	e.qCov = [2][2]float64{{2.5e-10, 0}, {0, 1e-10}}

	e.avgFrameSize = 500
	e.maxFrameSize = 500
	e.varFrameSize = 100
	e.hasLastUpdate = false
	e.prevEstimate = -1
	e.prevFrameSize = 0
	e.avgNoise = 0
	e.alphaCount = 1
	e.filterJitterEstimate = 0
	e.latestNack = 0
	e.nackCount = 0
	e.fsSum = 0
	e.fsCount = 0
	e.startupCount = 0
	e.rttFilter.Reset()
	e.fpsCounter.Reset()
}

// UpdateEstimate feeds one frame. frameDelay is the frame's arrival delay
// relative to the previous frame beyond what the capture timestamps predict.
// Frames of zero size are ignored.
func (e *JitterEstimator) UpdateEstimate(frameDelay units.TimeDelta, frameSizeBytes uint32, incompleteFrame bool) {
	if frameSizeBytes == 0 {
		return
	}
	deltaFS := float64(int64(frameSizeBytes) - int64(e.prevFrameSize))
	frameSize := float64(frameSizeBytes)

	if e.fsCount < fsAccuStartupSamples {
		e.fsSum += uint64(frameSizeBytes)
		e.fsCount++
	} else if e.fsCount == fsAccuStartupSamples {
		e.avgFrameSize = float64(e.fsSum) / float64(e.fsCount)
		e.fsCount++
	}

	if !incompleteFrame || frameSize > e.avgFrameSize {
		avg := phi*e.avgFrameSize + (1-phi)*frameSize
		if frameSize < e.avgFrameSize+2*math.Sqrt(e.varFrameSize) {
			// Key frames stay out of the average so it tracks delta frames.
			e.avgFrameSize = avg
		}
		// The variance still sees key frames, for key-frame-only streams.
		dev := frameSize - avg
		e.varFrameSize = math.Max(phi*e.varFrameSize+(1-phi)*dev*dev, 1.0)
	}

	e.maxFrameSize = math.Max(psi*e.maxFrameSize, frameSize)

	if e.prevFrameSize == 0 {
		e.prevFrameSize = frameSizeBytes
		return
	}
	e.prevFrameSize = frameSizeBytes

	maxTimeDeviationMs := float64(int64(e.config.TimeDeviationUpperBound*math.Sqrt(e.varNoise) + 0.5))
	frameDelayMs := float64(frameDelay.Ms())
	frameDelayMs = math.Max(math.Min(frameDelayMs, maxTimeDeviationMs), -maxTimeDeviationMs)

	deviation := e.deviationFromExpectedDelay(frameDelayMs, deltaFS)

	// A delay outlier that comes with a big frame points at a wrong slope
	// rather than at noise, so it still trains the filter.
	if math.Abs(deviation) < numStdDevDelayOutlier*math.Sqrt(e.varNoise) ||
		frameSize > e.avgFrameSize+numStdDevFrameSizeOutlier*math.Sqrt(e.varFrameSize) {
		e.estimateRandomJitter(deviation, incompleteFrame)
		// Frames queued behind a delayed key frame arrive almost together
		// with it and have deltaFS << 0. They say nothing about the slope.
		if (!incompleteFrame || deviation >= 0) && deltaFS > -0.25*e.maxFrameSize {
			e.kalmanEstimateChannel(frameDelayMs, deltaFS)
		}
	} else {
		nStdDev := float64(numStdDevDelayOutlier)
		if deviation < 0 {
			nStdDev = -nStdDev
		}
		e.estimateRandomJitter(nStdDev*math.Sqrt(e.varNoise), incompleteFrame)
	}

	if e.startupCount >= startupDelaySamples {
		e.filterJitterEstimate = e.calculateEstimate()
	} else {
		e.startupCount++
	}
}

// FrameNacked records that a frame had to be retransmitted.
func (e *JitterEstimator) FrameNacked() {
	if e.nackCount < e.config.NackLimit {
		e.nackCount++
	}
	e.latestNack = e.clock.Now()
}

// UpdateRtt feeds an RTT sample to the internal RttFilter.
func (e *JitterEstimator) UpdateRtt(rtt units.TimeDelta) {
	e.rttFilter.Update(rtt)
}

// GetJitterEstimate returns the extra playout delay to apply. When enough
// recent frames were NACKed, rttMultiplier times the filtered RTT is added,
// capped at rttMultAddCap. Pass units.TimeDeltaPlusInfinity for no cap.
func (e *JitterEstimator) GetJitterEstimate(rttMultiplier float64, rttMultAddCap units.TimeDelta) units.TimeDelta {
	jitterMs := e.calculateEstimate() + osJitterMs
	if e.filterJitterEstimate > jitterMs {
		jitterMs = e.filterJitterEstimate
	}

	now := e.clock.Now()
	if now.Sub(e.latestNack) > nackCountTimeout {
		e.nackCount = 0
	}
	if e.nackCount >= e.config.NackLimit {
		jitterMs += math.Min(e.rttFilter.Rtt().MsFloat()*rttMultiplier, rttMultAddCap.MsFloat())
	}

	if e.config.EnableReducedDelay {
		fps := e.FrameRate()
		if fps < jitterScaleLowThreshold {
			// Unknown rate keeps the estimate; a very low one drops it.
			if fps != 0 {
				return 0
			}
		} else if fps < jitterScaleHighThreshold {
			jitterMs *= (fps - jitterScaleLowThreshold) / (jitterScaleHighThreshold - jitterScaleLowThreshold)
		}
	}

	return units.Millis(int64(math.Max(0, jitterMs) + 0.5))
}

// FrameRate returns the observed update rate in Hz, or 0 if unknown.
func (e *JitterEstimator) FrameRate() float64 {
	mean := e.fpsCounter.ComputeMean()
	if mean <= 0 {
		return 0
	}
	fps := 1e6 / mean
	if fps > maxFramerateEstimate {
		fps = maxFramerateEstimate
	}
	return fps
}

func (e *JitterEstimator) deviationFromExpectedDelay(frameDelayMs, deltaFS float64) float64 {
	return frameDelayMs - (e.theta[0]*deltaFS + e.theta[1])
}

func (e *JitterEstimator) kalmanEstimateChannel(frameDelayMs, deltaFS float64) {
	// Predict: M = M + Q
	for i := range e.thetaCov {
		for j := range e.thetaCov[i] {
			e.thetaCov[i][j] += e.qCov[i][j]
		}
	}

	// h = [dFS 1], Mh = M*h'
	mh0 := e.thetaCov[0][0]*deltaFS + e.thetaCov[0][1]
	mh1 := e.thetaCov[1][0]*deltaFS + e.thetaCov[1][1]

	if e.maxFrameSize < 1 {
		return
	}
	// Small size changes are weighted as noisy measurements.
	sigma := (300*math.Exp(-math.Abs(deltaFS)/e.maxFrameSize) + 1) * math.Sqrt(e.varNoise)
	if sigma < 1 {
		sigma = 1
	}

	hMhSigma := deltaFS*mh0 + mh1 + sigma
	if math.Abs(hMhSigma) < 1e-9 {
		return
	}
	k0 := mh0 / hMhSigma
	k1 := mh1 / hMhSigma

	res := frameDelayMs - (deltaFS*e.theta[0] + e.theta[1])
	e.theta[0] += k0 * res
	e.theta[1] += k1 * res
	if e.theta[0] < thetaLow {
		e.theta[0] = thetaLow
	}

	// M = (I - K*h)*M
	t00 := e.thetaCov[0][0]
	t01 := e.thetaCov[0][1]
	e.thetaCov[0][0] = (1-k0*deltaFS)*t00 - k0*e.thetaCov[1][0]
	e.thetaCov[0][1] = (1-k0*deltaFS)*t01 - k0*e.thetaCov[1][1]
	e.thetaCov[1][0] = e.thetaCov[1][0]*(1-k1) - k1*deltaFS*t00
	e.thetaCov[1][1] = e.thetaCov[1][1]*(1-k1) - k1*deltaFS*t01
}

func (e *JitterEstimator) estimateRandomJitter(dDT float64, incompleteFrame bool) {
	now := e.clock.Now()
	if e.hasLastUpdate {
		e.fpsCounter.AddSample(now.Sub(e.lastUpdate).Us())
	}
	e.lastUpdate = now
	e.hasLastUpdate = true

	alpha := float64(e.alphaCount-1) / float64(e.alphaCount)
	e.alphaCount++
	if e.alphaCount > alphaCountMax {
		e.alphaCount = alphaCountMax
	}

	// Scale the weight against a 30 fps stream so low frame rate streams
	// adapt just as fast in wall time.
	if fps := e.FrameRate(); fps > 0 {
		rateScale := 30.0 / fps
		// The fps estimate is noisy at startup; ramp the scale in.
		if e.alphaCount < startupDelaySamples {
			rateScale = (float64(e.alphaCount)*rateScale + float64(startupDelaySamples-e.alphaCount)) / startupDelaySamples
		}
		alpha = math.Pow(alpha, rateScale)
	}

	avgNoise := alpha*e.avgNoise + (1-alpha)*dDT
	d := dDT - e.avgNoise
	varNoise := alpha*e.varNoise + (1-alpha)*d*d
	if !incompleteFrame || varNoise > e.varNoise {
		e.avgNoise = avgNoise
		e.varNoise = varNoise
	}
	if e.varNoise < 1 {
		// A zero variance would make every later sample an outlier.
		e.varNoise = 1
	}
}

func (e *JitterEstimator) noiseThreshold() float64 {
	t := e.config.NoiseStdDevs*math.Sqrt(e.varNoise) - e.config.NoiseStdDevOffset
	if t < 1 {
		t = 1
	}
	return t
}

func (e *JitterEstimator) calculateEstimate() float64 {
	ret := e.theta[0]*(e.maxFrameSize-e.avgFrameSize) + e.noiseThreshold()
	if ret < 1 {
		if e.prevEstimate <= 0.01 {
			ret = 1
		} else {
			ret = e.prevEstimate
		}
	}
	if ret > maxEstimateMs {
		ret = maxEstimateMs
	}
	e.prevEstimate = ret
	return ret
}
