package bwe

import (
	"github.com/pion/logging"

	"github.com/thesyncim/googcc/pkg/units"
)

// ProbeControllerConfig configures when and how high the controller probes.
type ProbeControllerConfig struct {
	// FirstExponentialScale and SecondExponentialScale multiply the start
	// rate for the two initial probes.
	// Default: 3 and 6
	FirstExponentialScale  float64
	SecondExponentialScale float64

	// FurtherScale multiplies the estimate for each further probe.
	// Default: 2
	FurtherScale float64

	// FurtherProbeThreshold is the share of the last probe the estimate
	// must reach before probing further.
	// Default: 0.7
	FurtherProbeThreshold float64

	// MaxWaitingTime is how long a probe result is awaited.
	// Default: 1s
	MaxWaitingTime units.TimeDelta

	// DefaultMaxProbingRate caps probes when no max rate is configured.
	// Default: 5 Mbps
	DefaultMaxProbingRate units.DataRate

	// AlrProbingInterval is the period of probes while application limited.
	// Default: 5s
	AlrProbingInterval units.TimeDelta

	// AlrEndedTimeout is how long after ALR a recovery probe is allowed.
	// Default: 3s
	AlrEndedTimeout units.TimeDelta

	// BitrateDropThreshold marks a large drop: new < threshold * old.
	// Default: 0.66
	BitrateDropThreshold float64

	// BitrateDropTimeout is how long after a large drop a recovery probe
	// is allowed.
	// Default: 5s
	BitrateDropTimeout units.TimeDelta

	// ProbeFractionAfterDrop is the share of the pre-drop rate probed.
	// Default: 0.85
	ProbeFractionAfterDrop float64

	// ProbeUncertainty is the margin below the probe rate that still
	// counts as a successful recovery.
	// Default: 0.05
	ProbeUncertainty float64

	// MinTimeBetweenDropProbes spaces recovery probes.
	// Default: 5s
	MinTimeBetweenDropProbes units.TimeDelta

	// ProbeDuration and ProbeCount describe one cluster.
	// Default: 15ms and 5
	ProbeDuration units.TimeDelta
	ProbeCount    int
}

// DefaultProbeControllerConfig returns the default probing configuration.
func DefaultProbeControllerConfig() ProbeControllerConfig {
	return ProbeControllerConfig{
		FirstExponentialScale:    3.0,
		SecondExponentialScale:   6.0,
		FurtherScale:             2.0,
		FurtherProbeThreshold:    0.7,
		MaxWaitingTime:           units.Seconds(1),
		DefaultMaxProbingRate:    units.KilobitsPerSec(5000),
		AlrProbingInterval:       units.Seconds(5),
		AlrEndedTimeout:          units.Seconds(3),
		BitrateDropThreshold:     0.66,
		BitrateDropTimeout:       units.Seconds(5),
		ProbeFractionAfterDrop:   0.85,
		ProbeUncertainty:         0.05,
		MinTimeBetweenDropProbes: units.Seconds(5),
		ProbeDuration:            units.Millis(15),
		ProbeCount:               5,
	}
}

type probingState int

const (
	// probingInit: no probe sent yet.
	probingInit probingState = iota
	// probingWaiting: exponential probing, waiting for a result that may
	// warrant probing further.
	probingWaiting
	// probingComplete: only on-demand, max-increase and ALR probes.
	probingComplete
)

// ProbeController decides when to send probe clusters.
//
// At start and after a route change it sends two probes at multiples of
// the start rate. While each result lands above 70% of the last probe it
// keeps doubling. Afterwards it probes when the max rate grows above the
// estimate, when the encoders' allocation grows, periodically while
// application limited, and on request after a large drop.
type ProbeController struct {
	config ProbeControllerConfig
	log    logging.LeveledLogger

	state                      probingState
	minBitrateToProbeFurther   units.DataRate
	timeLastProbingInitiated   units.Timestamp
	estimatedBitrate           units.DataRate
	startBitrate               units.DataRate
	maxBitrate                 units.DataRate
	lastBweDropProbingTime     units.Timestamp
	alrStartTime               units.Timestamp
	inAlr                      bool
	alrEndTime                 units.Timestamp
	hasAlrEnd                  bool
	enablePeriodicAlrProbing   bool
	timeOfLastLargeDrop        units.Timestamp
	bitrateBeforeLastLargeDrop units.DataRate
	maxTotalAllocatedBitrate   units.DataRate

	nextClusterID int
}

// NewProbeController creates a controller in its initial state.
func NewProbeController(config ProbeControllerConfig, at units.Timestamp) *ProbeController {
	def := DefaultProbeControllerConfig()
	if config.FirstExponentialScale <= 0 {
		config.FirstExponentialScale = def.FirstExponentialScale
	}
	if config.SecondExponentialScale < 0 {
		config.SecondExponentialScale = 0
	}
	if config.FurtherScale <= 0 {
		config.FurtherScale = def.FurtherScale
	}
	if config.FurtherProbeThreshold <= 0 {
		config.FurtherProbeThreshold = def.FurtherProbeThreshold
	}
	if config.MaxWaitingTime <= 0 {
		config.MaxWaitingTime = def.MaxWaitingTime
	}
	if config.DefaultMaxProbingRate <= 0 {
		config.DefaultMaxProbingRate = def.DefaultMaxProbingRate
	}
	if config.AlrProbingInterval <= 0 {
		config.AlrProbingInterval = def.AlrProbingInterval
	}
	if config.AlrEndedTimeout <= 0 {
		config.AlrEndedTimeout = def.AlrEndedTimeout
	}
	if config.BitrateDropThreshold <= 0 || config.BitrateDropThreshold >= 1 {
		config.BitrateDropThreshold = def.BitrateDropThreshold
	}
	if config.BitrateDropTimeout <= 0 {
		config.BitrateDropTimeout = def.BitrateDropTimeout
	}
	if config.ProbeFractionAfterDrop <= 0 {
		config.ProbeFractionAfterDrop = def.ProbeFractionAfterDrop
	}
	if config.ProbeUncertainty < 0 || config.ProbeUncertainty >= 1 {
		config.ProbeUncertainty = def.ProbeUncertainty
	}
	if config.MinTimeBetweenDropProbes <= 0 {
		config.MinTimeBetweenDropProbes = def.MinTimeBetweenDropProbes
	}
	if config.ProbeDuration <= 0 {
		config.ProbeDuration = def.ProbeDuration
	}
	if config.ProbeCount <= 0 {
		config.ProbeCount = def.ProbeCount
	}
	p := &ProbeController{
		config: config,
		log:    logging.NewDefaultLoggerFactory().NewLogger("gcc_probe_controller"),
	}
	p.Reset(at)
	return p
}

// Reset returns to the initial state. Cluster IDs keep increasing.
func (p *ProbeController) Reset(at units.Timestamp) {
	p.state = probingInit
	p.minBitrateToProbeFurther = 0
	p.timeLastProbingInitiated = units.TimestampMinusInfinity
	p.estimatedBitrate = 0
	p.startBitrate = 0
	p.maxBitrate = 0
	p.lastBweDropProbingTime = at
	p.inAlr = false
	p.hasAlrEnd = false
	p.timeOfLastLargeDrop = at
	p.bitrateBeforeLastLargeDrop = 0
	p.maxTotalAllocatedBitrate = 0
}

// SetBitrates updates the bounds. In the initial state it starts
// exponential probing; once complete, a max rate above both the old max
// and the estimate is probed directly.
func (p *ProbeController) SetBitrates(minBitrate, startBitrate, maxBitrate units.DataRate, at units.Timestamp) []ProbeClusterConfig {
	if startBitrate > 0 {
		p.startBitrate = startBitrate
		p.estimatedBitrate = startBitrate
	} else if p.startBitrate == 0 {
		p.startBitrate = minBitrate
	}
	oldMax := p.maxBitrate
	p.maxBitrate = maxBitrate

	switch p.state {
	case probingInit:
		if p.startBitrate > 0 {
			return p.initiateExponentialProbing(at)
		}
	case probingComplete:
		if p.estimatedBitrate > 0 && oldMax < p.maxBitrate && p.estimatedBitrate < p.maxBitrate {
			return p.initiateProbing(at, []units.DataRate{p.maxBitrate}, false)
		}
	}
	return nil
}

// OnMaxTotalAllocatedBitrate probes up to a grown encoder allocation.
func (p *ProbeController) OnMaxTotalAllocatedBitrate(total units.DataRate, at units.Timestamp) []ProbeClusterConfig {
	changed := total != p.maxTotalAllocatedBitrate
	p.maxTotalAllocatedBitrate = total
	if p.state == probingComplete && changed && total > 0 &&
		(p.maxBitrate == 0 || p.estimatedBitrate < p.maxBitrate) && p.estimatedBitrate < total {
		return p.initiateProbing(at, []units.DataRate{total}, false)
	}
	return nil
}

// SetEstimatedBitrate records a new estimate. During exponential probing a
// result above the further-probe threshold triggers the next probe.
func (p *ProbeController) SetEstimatedBitrate(bitrate units.DataRate, at units.Timestamp) []ProbeClusterConfig {
	var probes []ProbeClusterConfig
	if p.state == probingWaiting && bitrate > p.minBitrateToProbeFurther {
		probes = p.initiateProbing(at, []units.DataRate{bitrate.Mul(p.config.FurtherScale)}, true)
	}
	if bitrate < p.estimatedBitrate.Mul(p.config.BitrateDropThreshold) {
		p.timeOfLastLargeDrop = at
		p.bitrateBeforeLastLargeDrop = p.estimatedBitrate
	}
	p.estimatedBitrate = bitrate
	return probes
}

// EnablePeriodicAlrProbing toggles probing while application limited.
func (p *ProbeController) EnablePeriodicAlrProbing(enable bool) {
	p.enablePeriodicAlrProbing = enable
}

// SetAlrStartTime records the current ALR start, or clears it.
func (p *ProbeController) SetAlrStartTime(start units.Timestamp, inAlr bool) {
	p.alrStartTime = start
	p.inAlr = inAlr
}

// SetAlrEndedTime records when the sender left ALR.
func (p *ProbeController) SetAlrEndedTime(at units.Timestamp) {
	p.alrEndTime = at
	p.hasAlrEnd = true
}

// RequestProbe asks for a recovery probe after the delay-based estimator
// recovered from overuse. It probes at 85% of the rate before the last
// large drop, but only in or just after ALR, soon after the drop, and not
// more often than MinTimeBetweenDropProbes.
func (p *ProbeController) RequestProbe(at units.Timestamp) []ProbeClusterConfig {
	alrEndedRecently := p.hasAlrEnd && at.Sub(p.alrEndTime) < p.config.AlrEndedTimeout
	if !p.inAlr && !alrEndedRecently {
		return nil
	}
	if p.state != probingComplete {
		return nil
	}
	suggested := p.bitrateBeforeLastLargeDrop.Mul(p.config.ProbeFractionAfterDrop)
	minExpected := suggested.Mul(1 - p.config.ProbeUncertainty)
	sinceDrop := at.Sub(p.timeOfLastLargeDrop)
	sinceProbe := at.Sub(p.lastBweDropProbingTime)
	if minExpected > p.estimatedBitrate && sinceDrop < p.config.BitrateDropTimeout &&
		sinceProbe > p.config.MinTimeBetweenDropProbes {
		p.lastBweDropProbingTime = at
		return p.initiateProbing(at, []units.DataRate{suggested}, false)
	}
	return nil
}

// Process times out exponential probing and sends periodic ALR probes.
func (p *ProbeController) Process(at units.Timestamp) []ProbeClusterConfig {
	if at.Sub(p.timeLastProbingInitiated) > p.config.MaxWaitingTime && p.state == probingWaiting {
		p.state = probingComplete
		p.minBitrateToProbeFurther = 0
	}
	if p.enablePeriodicAlrProbing && p.state == probingComplete && p.inAlr && p.estimatedBitrate > 0 {
		next := p.alrStartTime
		if p.timeLastProbingInitiated > next {
			next = p.timeLastProbingInitiated
		}
		if at >= next.Add(p.config.AlrProbingInterval) {
			return p.initiateProbing(at, []units.DataRate{p.estimatedBitrate.Mul(p.config.FurtherScale)}, true)
		}
	}
	return nil
}

func (p *ProbeController) initiateExponentialProbing(at units.Timestamp) []ProbeClusterConfig {
	rates := []units.DataRate{p.startBitrate.Mul(p.config.FirstExponentialScale)}
	if p.config.SecondExponentialScale > 0 {
		rates = append(rates, p.startBitrate.Mul(p.config.SecondExponentialScale))
	}
	return p.initiateProbing(at, rates, true)
}

func (p *ProbeController) initiateProbing(at units.Timestamp, rates []units.DataRate, probeFurther bool) []ProbeClusterConfig {
	maxProbe := p.maxBitrate
	if maxProbe <= 0 || maxProbe.IsInfinite() {
		maxProbe = p.config.DefaultMaxProbingRate
	}
	probes := make([]ProbeClusterConfig, 0, len(rates))
	for _, rate := range rates {
		if rate > maxProbe {
			rate = maxProbe
			probeFurther = false
		}
		probes = append(probes, ProbeClusterConfig{
			AtTime:           at,
			TargetDataRate:   rate,
			TargetDuration:   p.config.ProbeDuration,
			TargetProbeCount: p.config.ProbeCount,
			ID:               p.nextClusterID,
		})
		p.log.Debugf("probe cluster %d at %v", p.nextClusterID, rate)
		p.nextClusterID++
	}
	p.timeLastProbingInitiated = at
	if probeFurther {
		p.state = probingWaiting
		p.minBitrateToProbeFurther = rates[len(rates)-1].Mul(p.config.FurtherProbeThreshold)
	} else {
		p.state = probingComplete
		p.minBitrateToProbeFurther = 0
	}
	return probes
}
