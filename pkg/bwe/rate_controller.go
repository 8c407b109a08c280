package bwe

import (
	"math"

	"github.com/thesyncim/googcc/pkg/units"
)

// RateControlState represents the AIMD state machine state.
type RateControlState int

const (
	// RateHold keeps the rate. It is the initial state and the state after
	// every decrease, so queues can drain before probing upward again.
	RateHold RateControlState = iota
	// RateIncrease lets the rate grow.
	RateIncrease
	// RateDecrease cuts the rate to beta times the acknowledged rate.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RateControlRegion tells whether the rate is believed to be close to the
// link capacity.
type RateControlRegion int

const (
	// RegionMaxUnknown grows multiplicatively.
	RegionMaxUnknown RateControlRegion = iota
	// RegionNearMax grows additively, about one packet per response time.
	RegionNearMax
)

const (
	minIncreaseRate      = 4000 // bps
	assumedFrameRate     = 30.0
	assumedPacketSizeBit = 8 * 1200
	defaultRtt           = 200 * 1000 // us
)

// RateControllerConfig configures the AIMD rate controller.
type RateControllerConfig struct {
	// MinBitrate is the lowest rate the controller will produce.
	// Default: 5 kbps
	MinBitrate units.DataRate

	// MaxBitrate is the highest rate the controller will produce.
	// Default: 30 Mbps
	MaxBitrate units.DataRate

	// Beta is the multiplicative decrease factor applied during congestion.
	// On overuse, new_rate = beta * acknowledged_rate.
	// Default: 0.85
	Beta float64

	// InitializationTime is how long the controller waits for an
	// acknowledged rate before adopting it when no start rate was set.
	// Default: 5s
	InitializationTime units.TimeDelta
}

// DefaultRateControllerConfig returns the default configuration for the rate controller.
func DefaultRateControllerConfig() RateControllerConfig {
	return RateControllerConfig{
		MinBitrate:         units.KilobitsPerSec(5),
		MaxBitrate:         units.KilobitsPerSec(30_000),
		Beta:               0.85,
		InitializationTime: units.Seconds(5),
	}
}

// RateControlInput is one detector verdict with the measured throughput.
type RateControlInput struct {
	State BandwidthUsage
	// AckedBitrate is the acknowledged throughput; zero when unknown.
	AckedBitrate units.DataRate
}

// RateController implements the AIMD rate control of GCC.
//
// The controller maintains three states:
//   - Hold: Maintain current rate
//   - Increase: grow 8%/s far from the link capacity, about one packet per
//     response time near it
//   - Decrease: drop to beta times the acknowledged rate, then Hold
//
// State transitions:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | (stay)
//	Underusing | Hold     | Hold     | Hold
//
// Increases never exceed 1.5 times the acknowledged rate plus 10 kbps, and
// decreases are based on the acknowledged rate rather than the estimate, so
// the controller follows what the network actually delivered.
type RateController struct {
	config RateControllerConfig

	current       units.DataRate
	initialized   bool
	state         RateControlState
	region        RateControlRegion
	lastChange    units.Timestamp
	hasLastChange bool
	firstInput    units.Timestamp
	hasFirstInput bool

	latestAcked units.DataRate

	// Link capacity model, in kbps.
	avgMaxBitrateKbps float64
	varMaxBitrateKbps float64

	rtt units.TimeDelta
}

// NewRateController creates a new rate controller with the given configuration.
func NewRateController(config RateControllerConfig) *RateController {
	def := DefaultRateControllerConfig()
	if config.MinBitrate <= 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.Beta <= 0 || config.Beta >= 1.0 {
		config.Beta = def.Beta
	}
	if config.InitializationTime <= 0 {
		config.InitializationTime = def.InitializationTime
	}
	c := &RateController{config: config}
	c.Reset()
	return c
}

// Reset returns the controller to its uninitialized state.
func (c *RateController) Reset() {
	c.current = c.config.MaxBitrate
	c.initialized = false
	c.state = RateHold
	c.region = RegionMaxUnknown
	c.hasLastChange = false
	c.hasFirstInput = false
	c.latestAcked = 0
	c.avgMaxBitrateKbps = -1
	c.varMaxBitrateKbps = 0.4
	c.rtt = units.Micros(defaultRtt)
}

// SetStartBitrate seeds the estimate.
func (c *RateController) SetStartBitrate(rate units.DataRate) {
	c.current = rate
	c.latestAcked = rate
	c.initialized = true
}

// SetMinBitrate changes the floor.
func (c *RateController) SetMinBitrate(rate units.DataRate) {
	c.config.MinBitrate = rate
	c.current = units.Max(rate, c.current)
}

// SetMaxBitrate changes the ceiling.
func (c *RateController) SetMaxBitrate(rate units.DataRate) {
	if rate <= 0 {
		rate = DefaultRateControllerConfig().MaxBitrate
	}
	c.config.MaxBitrate = rate
	c.current = units.Min(rate, c.current)
}

// SetRtt sets the round-trip time used for the response time.
func (c *RateController) SetRtt(rtt units.TimeDelta) {
	c.rtt = rtt
}

// ValidEstimate reports whether the controller has an estimate.
func (c *RateController) ValidEstimate() bool {
	return c.initialized
}

// LatestEstimate returns the current estimate.
func (c *RateController) LatestEstimate() units.DataRate {
	return c.current
}

// State returns the current rate control state.
func (c *RateController) State() RateControlState {
	return c.state
}

// Region returns the current rate control region.
func (c *RateController) Region() RateControlRegion {
	return c.region
}

// TimeToReduceFurther reports whether another decrease is allowed: at most
// once per RTT (clamped to [10, 200] ms), or at once if the acknowledged
// rate already fell below half the estimate.
func (c *RateController) TimeToReduceFurther(now units.Timestamp, acked units.DataRate) bool {
	interval := c.rtt.Clamped(units.Millis(10), units.Millis(200))
	if !c.hasLastChange || now.Sub(c.lastChange) >= interval {
		return true
	}
	if c.initialized {
		return acked < c.current.Mul(0.5)
	}
	return false
}

// InitialTimeToReduceFurther is TimeToReduceFurther before any acknowledged
// rate is known.
func (c *RateController) InitialTimeToReduceFurther(now units.Timestamp) bool {
	return c.initialized && c.TimeToReduceFurther(now, c.current.Mul(0.5).Sub(units.BitsPerSec(1)))
}

// Update applies one detector verdict and returns the new estimate.
func (c *RateController) Update(input RateControlInput, now units.Timestamp) units.DataRate {
	if !c.initialized {
		// Without a start rate, adopt the acknowledged rate once it has
		// been measured for a while.
		if !c.hasFirstInput {
			if input.AckedBitrate > 0 {
				c.firstInput = now
				c.hasFirstInput = true
			}
		} else if now.Sub(c.firstInput) > c.config.InitializationTime && input.AckedBitrate > 0 {
			c.current = input.AckedBitrate
			c.initialized = true
		}
	}
	c.current = c.changeBitrate(c.current, input, now)
	return c.current
}

// SetEstimate overrides the estimate, as after a probe.
func (c *RateController) SetEstimate(rate units.DataRate, now units.Timestamp) {
	c.initialized = true
	c.current = c.clampBitrate(rate, rate)
	c.lastChange = now
	c.hasLastChange = true
}

// NearMaxIncreaseRate is the additive increase rate: one average packet
// per response time, at least 4 kbps.
func (c *RateController) NearMaxIncreaseRate() units.DataRate {
	bitsPerFrame := c.current.BpsFloat() / assumedFrameRate
	packetsPerFrame := math.Ceil(bitsPerFrame / assumedPacketSizeBit)
	avgPacketSizeBits := bitsPerFrame / math.Max(packetsPerFrame, 1)
	responseTime := c.rtt.Add(units.Millis(100))
	rate := avgPacketSizeBits / responseTime.SecondsFloat()
	return units.BitsPerSecFloat(math.Max(minIncreaseRate, rate))
}

// ExpectedBandwidthPeriod estimates how long recovering from a decrease
// takes at the additive rate, clamped to [2, 50] s.
func (c *RateController) ExpectedBandwidthPeriod() units.TimeDelta {
	const (
		minPeriod     = 2 * 1000 * 1000  // us
		defaultPeriod = 3 * 1000 * 1000  // us
		maxPeriod     = 50 * 1000 * 1000 // us
	)
	if c.avgMaxBitrateKbps < 0 {
		return units.Micros(defaultPeriod)
	}
	decrease := (1 - c.config.Beta) * c.avgMaxBitrateKbps * 1000
	increase := c.NearMaxIncreaseRate().BpsFloat()
	period := units.SecondsFloat(decrease / increase)
	return period.Clamped(units.Micros(minPeriod), units.Micros(maxPeriod))
}

func (c *RateController) changeBitrate(current units.DataRate, input RateControlInput, now units.Timestamp) units.DataRate {
	acked := input.AckedBitrate
	if acked == 0 {
		acked = c.latestAcked
	}
	c.latestAcked = acked

	if !c.initialized && input.State != BwOverusing {
		return c.current
	}

	c.changeState(input.State, now)

	ackedKbps := acked.KbpsFloat()
	stdMaxKbps := math.Sqrt(c.varMaxBitrateKbps * c.avgMaxBitrateKbps)

	next := current
	switch c.state {
	case RateHold:
	case RateIncrease:
		if c.avgMaxBitrateKbps >= 0 && ackedKbps > c.avgMaxBitrateKbps+3*stdMaxKbps {
			// The link got faster than we thought.
			c.region = RegionMaxUnknown
			c.avgMaxBitrateKbps = -1
		}
		if c.region == RegionNearMax {
			next = next.Add(c.additiveIncrease(now))
		} else {
			next = next.Add(c.multiplicativeIncrease(now, current))
		}
		c.lastChange = now
		c.hasLastChange = true
	case RateDecrease:
		next = acked.Mul(c.config.Beta)
		if next > current {
			// Never increase while over-using.
			if c.region != RegionMaxUnknown {
				next = units.BitsPerSecFloat(c.config.Beta * c.avgMaxBitrateKbps * 1000)
			}
			next = units.Min(next, current)
		}
		c.region = RegionNearMax
		if c.avgMaxBitrateKbps >= 0 && ackedKbps < c.avgMaxBitrateKbps-3*stdMaxKbps {
			c.avgMaxBitrateKbps = -1
		}
		c.initialized = true
		c.updateMaxBitrateEstimate(ackedKbps)
		// Stay on hold until the pipes are cleared.
		c.state = RateHold
		c.lastChange = now
		c.hasLastChange = true
	}
	return c.clampBitrate(next, acked)
}

func (c *RateController) clampBitrate(next, acked units.DataRate) units.DataRate {
	// Do not let the estimate run far ahead of what is being delivered.
	maxByAcked := acked.Mul(1.5).Add(units.KilobitsPerSec(10))
	if next > c.current && next > maxByAcked {
		next = units.Max(c.current, maxByAcked)
	}
	return next.Clamped(c.config.MinBitrate, units.Max(c.config.MinBitrate, c.config.MaxBitrate))
}

func (c *RateController) changeState(signal BandwidthUsage, now units.Timestamp) {
	switch signal {
	case BwNormal:
		if c.state == RateHold {
			c.lastChange = now
			c.hasLastChange = true
			c.state = RateIncrease
		}
	case BwOverusing:
		c.state = RateDecrease
	case BwUnderusing:
		c.state = RateHold
	}
}

func (c *RateController) multiplicativeIncrease(now units.Timestamp, current units.DataRate) units.DataRate {
	alpha := 1.08
	if c.hasLastChange {
		elapsed := math.Min(now.Sub(c.lastChange).SecondsFloat(), 1.0)
		alpha = math.Pow(alpha, math.Max(elapsed, 0))
	}
	return units.BitsPerSecFloat(math.Max(current.BpsFloat()*(alpha-1), 1000))
}

func (c *RateController) additiveIncrease(now units.Timestamp) units.DataRate {
	elapsed := 0.0
	if c.hasLastChange {
		elapsed = math.Max(now.Sub(c.lastChange).SecondsFloat(), 0)
	}
	return units.BitsPerSecFloat(elapsed * c.NearMaxIncreaseRate().BpsFloat())
}

func (c *RateController) updateMaxBitrateEstimate(ackedKbps float64) {
	const alpha = 0.05
	if c.avgMaxBitrateKbps == -1 {
		c.avgMaxBitrateKbps = ackedKbps
	} else {
		c.avgMaxBitrateKbps = (1-alpha)*c.avgMaxBitrateKbps + alpha*ackedKbps
	}
	// The variance is normalized by the average so it can be compared in
	// kbps with the same factor at every rate.
	norm := math.Max(c.avgMaxBitrateKbps, 1.0)
	d := c.avgMaxBitrateKbps - ackedKbps
	c.varMaxBitrateKbps = (1-alpha)*c.varMaxBitrateKbps + alpha*d*d/norm
	c.varMaxBitrateKbps = math.Max(0.4, math.Min(c.varMaxBitrateKbps, 2.5))
}
