package bwe

import (
	"github.com/thesyncim/googcc/pkg/units"
)

const (
	// streamTimeout resets the delay pipeline after a feedback gap.
	streamTimeout = 2 * 1000 * 1000 // us

	// maxConsecutiveFailedLookups is the number of fully stale feedback
	// reports after which the estimate is halved.
	maxConsecutiveFailedLookups = 5
)

// DelayBasedConfig configures the delay-based estimator.
type DelayBasedConfig struct {
	// Filter selects the delay trend filter.
	// Default: FilterTrendline
	Filter DelayFilterType

	// GroupLength is the send-time span of one packet group.
	// Default: 5ms
	GroupLength units.TimeDelta

	// Overuse configures the overuse detector.
	Overuse OveruseConfig

	// RateControl configures the AIMD controller.
	RateControl RateControllerConfig
}

// DefaultDelayBasedConfig returns the default delay-based configuration.
func DefaultDelayBasedConfig() DelayBasedConfig {
	return DelayBasedConfig{
		Filter:      FilterTrendline,
		GroupLength: units.Micros(DefaultGroupLength),
		Overuse:     DefaultOveruseConfig(),
		RateControl: DefaultRateControllerConfig(),
	}
}

// DelayBasedResult is the outcome of one feedback report.
type DelayBasedResult struct {
	// Updated is set when TargetBitrate carries a new estimate.
	Updated bool
	// Probe is set when the estimate came from a probe cluster.
	Probe bool
	// TargetBitrate is the delay-based estimate.
	TargetBitrate units.DataRate
	// RecoveredFromOveruse is set when the detector went from underusing
	// back to normal during this report.
	RecoveredFromOveruse bool
}

// DelayBasedBwe estimates the available bandwidth from one-way delay
// variation in transport feedback.
//
// The pipeline:
//  1. Groups packets by send time (InterArrivalCalculator)
//  2. Filters the group delay variation into a trend (trendline or Kalman)
//  3. Classifies the trend (OveruseDetector)
//  4. Adjusts the rate with AIMD (RateController)
//
// Probe results override the AIMD estimate when the link is not overused.
type DelayBasedBwe struct {
	config DelayBasedConfig

	interArrival *InterArrivalCalculator
	filter       DelayFilter
	detector     *OveruseDetector
	rateControl  *RateController

	lastSeen    units.Timestamp
	hasLastSeen bool

	consecutiveDelayedFeedbacks int
}

// NewDelayBasedBwe creates a delay-based estimator.
func NewDelayBasedBwe(config DelayBasedConfig) *DelayBasedBwe {
	if config.GroupLength <= 0 {
		config.GroupLength = units.Micros(DefaultGroupLength)
	}
	if config.Overuse.InitialThreshold <= 0 {
		config.Overuse = DefaultOveruseConfig()
	}
	return &DelayBasedBwe{
		config:       config,
		interArrival: NewInterArrivalCalculator(config.GroupLength),
		filter:       newDelayFilter(config.Filter),
		detector:     NewOveruseDetector(config.Overuse),
		rateControl:  NewRateController(config.RateControl),
	}
}

// IncomingPacketFeedback processes one feedback report. acked and probe
// are zero when unknown.
func (d *DelayBasedBwe) IncomingPacketFeedback(
	feedback TransportPacketsFeedback,
	acked, probe units.DataRate,
) DelayBasedResult {
	packets := feedback.SortedByReceiveTime()
	if len(feedback.PacketFeedbacks) == 0 {
		return DelayBasedResult{}
	}

	if len(packets) == 0 && len(feedback.LostWithSendInfo()) == 0 {
		// Nothing in the report matched the send history.
		d.consecutiveDelayedFeedbacks++
		if d.consecutiveDelayedFeedbacks >= maxConsecutiveFailedLookups {
			d.consecutiveDelayedFeedbacks = 0
			return d.onLongFeedbackDelay(feedback.FeedbackTime)
		}
		return DelayBasedResult{}
	}
	d.consecutiveDelayedFeedbacks = 0

	recovered := false
	prevState := d.detector.State()
	for _, p := range packets {
		d.incomingPacket(p, feedback.FeedbackTime)
		state := d.detector.State()
		if prevState == BwUnderusing && state == BwNormal {
			recovered = true
		}
		prevState = state
	}
	return d.maybeUpdateEstimate(acked, probe, recovered, feedback.FeedbackTime)
}

func (d *DelayBasedBwe) incomingPacket(p PacketResult, at units.Timestamp) {
	if d.hasLastSeen && at.Sub(d.lastSeen) > units.Micros(streamTimeout) {
		d.interArrival.Reset()
		d.filter.Reset()
	}
	d.lastSeen = at
	d.hasLastSeen = true

	deltas, ok := d.interArrival.AddPacket(p.SentPacket.SendTime, p.ReceiveTime, p.SentPacket.Size)
	if !ok {
		return
	}
	d.filter.Update(deltas, p.ReceiveTime, d.detector.State())
	d.detector.Detect(d.filter.Offset(), deltas.SendDelta, d.filter.NumDeltas(), p.ReceiveTime)
}

func (d *DelayBasedBwe) onLongFeedbackDelay(at units.Timestamp) DelayBasedResult {
	d.rateControl.SetEstimate(d.rateControl.LatestEstimate().Mul(0.5), at)
	return DelayBasedResult{
		Updated:       true,
		TargetBitrate: d.rateControl.LatestEstimate(),
	}
}

func (d *DelayBasedBwe) maybeUpdateEstimate(acked, probe units.DataRate, recovered bool, at units.Timestamp) DelayBasedResult {
	var res DelayBasedResult
	state := d.detector.State()
	if state == BwOverusing {
		switch {
		case acked > 0 && d.rateControl.TimeToReduceFurther(at, acked):
			res.TargetBitrate, res.Updated = d.updateEstimate(acked, at)
		case acked == 0 && d.rateControl.InitialTimeToReduceFurther(at):
			// Overusing before the acknowledged rate is known: halve the
			// estimate at most once per response interval.
			d.rateControl.SetEstimate(d.rateControl.LatestEstimate().Mul(0.5), at)
			res.Updated = true
			res.TargetBitrate = d.rateControl.LatestEstimate()
		}
	} else {
		if probe > 0 {
			res.Probe = true
			res.Updated = true
			res.TargetBitrate = probe
			d.rateControl.SetEstimate(probe, at)
		} else {
			res.TargetBitrate, res.Updated = d.updateEstimate(acked, at)
			res.RecoveredFromOveruse = recovered
		}
	}
	return res
}

func (d *DelayBasedBwe) updateEstimate(acked units.DataRate, at units.Timestamp) (units.DataRate, bool) {
	target := d.rateControl.Update(RateControlInput{State: d.detector.State(), AckedBitrate: acked}, at)
	return target, d.rateControl.ValidEstimate()
}

// OnRttUpdate sets the response time of the rate controller.
func (d *DelayBasedBwe) OnRttUpdate(avgRtt units.TimeDelta) {
	d.rateControl.SetRtt(avgRtt)
}

// LatestEstimate returns the current estimate, if one exists.
func (d *DelayBasedBwe) LatestEstimate() (units.DataRate, bool) {
	if !d.rateControl.ValidEstimate() {
		return 0, false
	}
	return d.rateControl.LatestEstimate(), true
}

// SetStartBitrate seeds the estimate.
func (d *DelayBasedBwe) SetStartBitrate(rate units.DataRate) {
	d.rateControl.SetStartBitrate(rate)
}

// SetMinBitrate sets the estimate floor.
func (d *DelayBasedBwe) SetMinBitrate(rate units.DataRate) {
	d.rateControl.SetMinBitrate(rate)
}

// SetMaxBitrate sets the estimate ceiling.
func (d *DelayBasedBwe) SetMaxBitrate(rate units.DataRate) {
	d.rateControl.SetMaxBitrate(rate)
}

// ExpectedBwePeriod is how long the estimate takes to recover after a
// decrease.
func (d *DelayBasedBwe) ExpectedBwePeriod() units.TimeDelta {
	return d.rateControl.ExpectedBandwidthPeriod()
}

// State returns the current overuse detector verdict.
func (d *DelayBasedBwe) State() BandwidthUsage {
	return d.detector.State()
}

// SetStateCallback registers a callback for detector state changes.
func (d *DelayBasedBwe) SetStateCallback(cb StateChangeCallback) {
	d.detector.SetCallback(cb)
}
