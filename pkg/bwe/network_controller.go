package bwe

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"
	"github.com/pion/logging"

	"github.com/thesyncim/googcc/pkg/bwe/jitter"
	"github.com/thesyncim/googcc/pkg/units"
)

const (
	feedbackRttWindow        = 32
	pacerTimeWindow          = 1000 * 1000 // us
	minCongestionWindowBytes = 2 * 1500
)

// ErrInvalidPacingFactor is returned for a non-positive pacing factor.
var ErrInvalidPacingFactor = errors.New("pacing factor must be positive")

// GoogCCConfig holds the feature switches of the controller.
type GoogCCConfig struct {
	// PacingFactor multiplies the target into the pacer rate.
	// Default: 2.5
	PacingFactor float64

	// DefaultMinBitrate is the floor and the start rate when none is given.
	// Default: 5 kbps
	DefaultMinBitrate units.DataRate

	// DelayFilter selects the delay trend filter.
	// Default: FilterTrendline
	DelayFilter DelayFilterType

	// FeedbackBasedLoss derives loss from transport feedback. When set,
	// TransportLossReport inputs are ignored so loss is not counted twice.
	// Default: true
	FeedbackBasedLoss bool

	// EnableCongestionWindow emits a congestion window after feedback.
	// Default: false
	EnableCongestionWindow bool

	// QueueTime is the queuing allowance added to the RTT for the
	// congestion window.
	// Default: 350ms
	QueueTime units.TimeDelta

	// EnablePeriodicAlrProbing probes every few seconds while application
	// limited, regardless of StreamsConfig.
	// Default: false
	EnablePeriodicAlrProbing bool

	// Probe configures the probe controller.
	Probe ProbeControllerConfig

	// LossBased configures the loss-based estimator.
	LossBased LossBasedConfig

	// Overuse configures the overuse detector.
	Overuse OveruseConfig
}

// DefaultGoogCCConfig returns the default controller configuration.
func DefaultGoogCCConfig() GoogCCConfig {
	return GoogCCConfig{
		PacingFactor:      2.5,
		DefaultMinBitrate: units.BitsPerSec(DefaultMinBitrate),
		DelayFilter:       FilterTrendline,
		FeedbackBasedLoss: true,
		QueueTime:         units.Millis(350),
		Probe:             DefaultProbeControllerConfig(),
		LossBased:         DefaultLossBasedConfig(),
		Overuse:           DefaultOveruseConfig(),
	}
}

// ControllerOption configures a NetworkController.
type ControllerOption func(*NetworkController) error

// WithLoggerFactory sets the logger factory.
// Default: logging.NewDefaultLoggerFactory()
func WithLoggerFactory(f logging.LoggerFactory) ControllerOption {
	return func(c *NetworkController) error {
		if f == nil {
			return errors.New("logger factory must not be nil")
		}
		c.loggerFactory = f
		return nil
	}
}

// WithGoogCCConfig replaces the controller configuration.
func WithGoogCCConfig(config GoogCCConfig) ControllerOption {
	return func(c *NetworkController) error {
		if config.PacingFactor <= 0 {
			return fmt.Errorf("invalid config: %w", ErrInvalidPacingFactor)
		}
		if config.DefaultMinBitrate <= 0 {
			config.DefaultMinBitrate = units.BitsPerSec(DefaultMinBitrate)
		}
		if config.QueueTime <= 0 {
			config.QueueTime = DefaultGoogCCConfig().QueueTime
		}
		c.config = config
		return nil
	}
}

// NetworkController is a send-side congestion controller in the style of
// Google Congestion Control. It turns sent packets, transport feedback,
// receiver reports and periodic ticks into a target rate, a pacer
// configuration and probe clusters.
//
// Two estimators run side by side. The delay-based one watches one-way
// delay growth and bounds the rate from above. The loss-based one owns the
// target: it grows while loss is low and shrinks when loss is high, and is
// capped by the delay-based bound and the receiver's REMB.
//
// Decisions reach the observer synchronously, in this order: target rate,
// pacer config, congestion window, probe clusters. Inputs that do not
// change the decision produce no output.
//
// NetworkController is not safe for concurrent use. Inputs must arrive in
// non-decreasing time order.
type NetworkController struct {
	observer      NetworkControllerObserver
	config        GoogCCConfig
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	sendHistory     *SendHistory
	alrDetector     *AlrDetector
	ackedBitrate    *AcknowledgedBitrateEstimator
	probeEstimator  *ProbeBitrateEstimator
	delayBased      *DelayBasedBwe
	lossBased       *SendSideBandwidthEstimation
	probeController *ProbeController
	rttFilter       *jitter.RttFilter

	feedbackRtts    deque.Deque[units.TimeDelta]
	minFeedbackRtt  units.TimeDelta
	previouslyInAlr bool

	pacingFactor             float64
	minPacingRate            units.DataRate
	maxPaddingRate           units.DataRate
	maxTotalAllocatedBitrate units.DataRate

	lastTarget           units.DataRate
	lastPacer            PacerConfig
	hasPacer             bool
	lastCongestionWindow units.DataSize
	estimate             NetworkEstimate
}

// NewNetworkController creates a controller and emits the initial target,
// pacer config and exponential probes to observer.
func NewNetworkController(observer NetworkControllerObserver, config NetworkControllerConfig, opts ...ControllerOption) (*NetworkController, error) {
	if observer == nil {
		return nil, errors.New("observer must not be nil")
	}
	c := &NetworkController{
		observer: observer,
		config:   DefaultGoogCCConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.loggerFactory == nil {
		c.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	c.log = c.loggerFactory.NewLogger("gcc_network_controller")

	at := config.Constraints.AtTime
	c.pacingFactor = c.config.PacingFactor
	c.sendHistory = NewSendHistory(0)
	c.alrDetector = NewAlrDetector(DefaultAlrDetectorConfig())
	c.rttFilter = jitter.NewRttFilter()
	c.probeController = NewProbeController(c.config.Probe, at)
	c.probeController.log = c.loggerFactory.NewLogger("gcc_probe_controller")
	c.probeController.EnablePeriodicAlrProbing(c.config.EnablePeriodicAlrProbing)
	c.feedbackRtts.SetBaseCap(feedbackRttWindow + 1)
	c.resetEstimators()

	minRate, startRate, maxRate := c.clampBitrates(config.Constraints, config.StartingBandwidth)
	c.log.Infof("starting at %v (min %v, max %v)", startRate, minRate, maxRate)
	c.applyBitrates(minRate, startRate, maxRate)
	probes := c.probeController.SetBitrates(minRate, startRate, maxRate, at)
	c.maybeTriggerOnNetworkChanged(at, probes)
	return c, nil
}

func (c *NetworkController) resetEstimators() {
	c.delayBased = NewDelayBasedBwe(DelayBasedConfig{
		Filter:      c.config.DelayFilter,
		GroupLength: units.Micros(DefaultGroupLength),
		Overuse:     c.config.Overuse,
		RateControl: DefaultRateControllerConfig(),
	})
	c.lossBased = NewSendSideBandwidthEstimation(c.config.LossBased)
	c.ackedBitrate = NewAcknowledgedBitrateEstimator()
	c.probeEstimator = NewProbeBitrateEstimator()
	c.feedbackRtts.Clear()
	c.minFeedbackRtt = units.TimeDeltaPlusInfinity
}

// clampBitrates resolves unset values: a zero min is the default floor, a
// zero max is unlimited and a zero start is the default minimum bitrate.
func (c *NetworkController) clampBitrates(constraints TargetRateConstraints, start units.DataRate) (minRate, startRate, maxRate units.DataRate) {
	minRate = units.Max(constraints.MinDataRate, c.config.DefaultMinBitrate)
	maxRate = constraints.MaxDataRate
	if maxRate > 0 {
		maxRate = units.Max(minRate, maxRate)
	}
	startRate = start
	if startRate <= 0 {
		startRate = c.config.DefaultMinBitrate
	}
	startRate = units.Max(minRate, startRate)
	if maxRate > 0 {
		startRate = units.Min(startRate, maxRate)
	}
	return minRate, startRate, maxRate
}

func (c *NetworkController) applyBitrates(minRate, startRate, maxRate units.DataRate) {
	c.lossBased.SetBitrates(startRate, minRate, maxRate, units.TimestampMinusInfinity)
	c.delayBased.SetMinBitrate(minRate)
	c.delayBased.SetMaxBitrate(maxRate)
	if startRate > 0 {
		c.delayBased.SetStartBitrate(startRate)
	}
}

// OnNetworkRouteChange restarts estimation on a new path at the given
// starting rate and probes it.
func (c *NetworkController) OnNetworkRouteChange(msg NetworkRouteChange) {
	minRate, startRate, maxRate := c.clampBitrates(msg.Constraints, msg.StartingRate)
	c.log.Infof("route changed, restarting at %v (min %v, max %v)", startRate, minRate, maxRate)

	c.resetEstimators()
	c.rttFilter.Reset()
	c.sendHistory.Reset()
	c.applyBitrates(minRate, startRate, maxRate)
	c.probeController.Reset(msg.AtTime)
	probes := c.probeController.SetBitrates(minRate, startRate, maxRate, msg.AtTime)
	c.maybeTriggerOnNetworkChanged(msg.AtTime, probes)
}

// OnProcessInterval is the periodic tick. It lets the loss-based estimate
// move, times out probing and sends periodic ALR probes.
func (c *NetworkController) OnProcessInterval(msg ProcessInterval) {
	c.lossBased.UpdateEstimate(msg.AtTime)
	start, inAlr := c.alrDetector.ApplicationLimitedRegionStartTime()
	c.probeController.SetAlrStartTime(start, inAlr)
	probes := c.probeController.Process(msg.AtTime)
	c.maybeTriggerOnNetworkChanged(msg.AtTime, probes)
}

// OnRemoteBitrateReport records a receiver estimate. It caps the target at
// once but is only reported on the next process tick.
func (c *NetworkController) OnRemoteBitrateReport(msg RemoteBitrateReport) {
	c.log.Tracef("REMB %v", msg.Bandwidth)
	c.lossBased.UpdateReceiverEstimate(msg.ReceiveTime, msg.Bandwidth)
}

// OnRoundTripTimeUpdate feeds an RTT sample. Raw samples pass through the
// RTT filter; smoothed samples are used as they are.
func (c *NetworkController) OnRoundTripTimeUpdate(msg RoundTripTimeUpdate) {
	if msg.RoundTripTime <= 0 || msg.RoundTripTime.IsInfinite() {
		return
	}
	if msg.Smoothed {
		c.lossBased.UpdateRtt(msg.RoundTripTime)
		c.delayBased.OnRttUpdate(msg.RoundTripTime)
		return
	}
	c.rttFilter.Update(msg.RoundTripTime)
	c.lossBased.UpdateRtt(c.rttFilter.Rtt())
}

// OnTransportLossReport accounts loss from receiver reports. It is ignored
// when loss is derived from transport feedback.
func (c *NetworkController) OnTransportLossReport(msg TransportLossReport) {
	if c.config.FeedbackBasedLoss {
		return
	}
	total := msg.PacketsReceivedDelta + msg.PacketsLostDelta
	c.lossBased.UpdatePacketsLost(msg.PacketsLostDelta, total, msg.ReceiveTime)
}

// OnSentPacket records a packet handed to the network.
func (c *NetworkController) OnSentPacket(p SentPacket) {
	c.sendHistory.AddPacket(p)
	c.alrDetector.OnBytesSent(p.Size, p.SendTime)
}

// OnStreamsConfig applies media-side settings.
func (c *NetworkController) OnStreamsConfig(msg StreamsConfig) {
	c.probeController.EnablePeriodicAlrProbing(c.config.EnablePeriodicAlrProbing || msg.RequestsAlrProbing)

	var probes []ProbeClusterConfig
	if msg.MaxTotalAllocatedBitrate > 0 && msg.MaxTotalAllocatedBitrate != c.maxTotalAllocatedBitrate {
		probes = c.probeController.OnMaxTotalAllocatedBitrate(msg.MaxTotalAllocatedBitrate, msg.AtTime)
		c.maxTotalAllocatedBitrate = msg.MaxTotalAllocatedBitrate
	}
	if msg.PacingFactor > 0 {
		c.pacingFactor = msg.PacingFactor
	}
	if msg.MinPacingRate > 0 {
		c.minPacingRate = msg.MinPacingRate
	}
	if msg.MaxPaddingRate > 0 {
		c.maxPaddingRate = msg.MaxPaddingRate
	}
	c.updatePacingRates(msg.AtTime)
	c.emitProbes(probes)
}

// OnTargetRateConstraints changes the bounds of the target.
func (c *NetworkController) OnTargetRateConstraints(msg TargetRateConstraints) {
	minRate, _, maxRate := c.clampBitrates(msg, c.lastTarget)
	c.lossBased.SetMinMaxBitrate(minRate, maxRate)
	c.delayBased.SetMinBitrate(minRate)
	c.delayBased.SetMaxBitrate(maxRate)
	probes := c.probeController.SetBitrates(minRate, 0, maxRate, msg.AtTime)
	c.lossBased.UpdateEstimate(msg.AtTime)
	c.maybeTriggerOnNetworkChanged(msg.AtTime, probes)
}

// OnTransportPacketsFeedback processes one transport feedback report.
func (c *NetworkController) OnTransportPacketsFeedback(msg TransportPacketsFeedback) {
	if len(msg.PacketFeedbacks) == 0 {
		return
	}
	matched := c.sendHistory.ProcessFeedback(&msg)
	if matched == 0 {
		c.log.Warnf("dropping stale feedback at %v: none of %d packets is in the send history", msg.FeedbackTime, len(msg.PacketFeedbacks))
	}

	c.updateFeedbackRtt(msg)

	if c.config.FeedbackBasedLoss && matched > 0 {
		lost := int64(len(msg.LostWithSendInfo()))
		c.lossBased.UpdatePacketsLost(lost, int64(matched), msg.FeedbackTime)
	}

	received := msg.SortedByReceiveTime()
	alrStart, inAlr := c.alrDetector.ApplicationLimitedRegionStartTime()
	if c.previouslyInAlr && !inAlr {
		c.ackedBitrate.SetAlrEndedTime(msg.FeedbackTime)
		c.probeController.SetAlrEndedTime(msg.FeedbackTime)
	}
	c.previouslyInAlr = inAlr
	c.ackedBitrate.SetAlr(inAlr)
	c.ackedBitrate.IncomingPacketFeedback(received)
	for _, p := range received {
		if p.SentPacket.PacingInfo.IsProbe() {
			c.probeEstimator.HandleProbeAndEstimateBitrate(p)
		}
	}
	probe, _ := c.probeEstimator.FetchAndResetLastEstimatedBitrate()
	acked, _ := c.ackedBitrate.Bitrate()

	result := c.delayBased.IncomingPacketFeedback(msg, acked, probe)
	var probes []ProbeClusterConfig
	if result.Updated {
		if result.Probe {
			c.log.Debugf("probe result %v", result.TargetBitrate)
			c.lossBased.SetSendBitrate(result.TargetBitrate, msg.FeedbackTime)
		}
		// SetSendBitrate clears the delay-based limit, so it is set again.
		c.lossBased.UpdateDelayBasedEstimate(msg.FeedbackTime, result.TargetBitrate)
	}
	if result.RecoveredFromOveruse {
		c.probeController.SetAlrStartTime(alrStart, inAlr)
		probes = c.probeController.RequestProbe(msg.FeedbackTime)
	}
	c.maybeTriggerOnNetworkChanged(msg.FeedbackTime, probes)
	c.maybeUpdateCongestionWindow(msg.FeedbackTime)
}

func (c *NetworkController) updateFeedbackRtt(msg TransportPacketsFeedback) {
	feedbackRtt := units.TimeDeltaMinusInfinity
	for _, p := range msg.PacketFeedbacks {
		if !p.hasSendInfo() {
			continue
		}
		// The largest value accounts for feedback held back by the receiver.
		feedbackRtt = units.Max(feedbackRtt, msg.FeedbackTime.Sub(p.SentPacket.SendTime))
	}
	if feedbackRtt.IsInfinite() || feedbackRtt < 0 {
		return
	}
	c.feedbackRtts.PushBack(feedbackRtt)
	if c.feedbackRtts.Len() > feedbackRttWindow {
		c.feedbackRtts.PopFront()
	}
	sum := units.TimeDelta(0)
	minRtt := units.TimeDeltaPlusInfinity
	for i := 0; i < c.feedbackRtts.Len(); i++ {
		rtt := c.feedbackRtts.At(i)
		sum = sum.Add(rtt)
		minRtt = units.Min(minRtt, rtt)
	}
	c.minFeedbackRtt = minRtt
	c.delayBased.OnRttUpdate(sum.Div(float64(c.feedbackRtts.Len())))
}

// maybeTriggerOnNetworkChanged reports the target and pacer when the target
// changed, then emits probes.
func (c *NetworkController) maybeTriggerOnNetworkChanged(at units.Timestamp, probes []ProbeClusterConfig) {
	target, lossQ8, rtt := c.lossBased.CurrentEstimate()
	target = units.Max(target, c.lossBased.MinBitrate())

	if target != c.lastTarget {
		c.lastTarget = target
		c.alrDetector.SetEstimatedBitrate(target)
		probes = append(probes, c.probeController.SetEstimatedBitrate(target, at)...)

		c.estimate = NetworkEstimate{
			AtTime:        at,
			Bandwidth:     target,
			RoundTripTime: rtt,
			LossRateRatio: LossRatioFromQ8(lossQ8),
			BwePeriod:     c.delayBased.ExpectedBwePeriod(),
		}
		c.log.Debugf("target %v (loss %d/255, rtt %v)", target, lossQ8, rtt)
		c.observer.OnTargetTransferRate(TargetTransferRate{
			AtTime:          at,
			TargetRate:      target,
			NetworkEstimate: c.estimate,
		})
		c.updatePacingRates(at)
	}
	c.emitProbes(probes)
}

func (c *NetworkController) updatePacingRates(at units.Timestamp) {
	if c.lastTarget == 0 {
		return
	}
	pacing := units.Max(c.lastTarget.Mul(c.pacingFactor), c.minPacingRate)
	padding := units.Min(c.maxPaddingRate, c.lastTarget)
	if c.hasPacer && c.lastPacer.DataRate == pacing && c.lastPacer.PadRate == padding {
		return
	}
	c.lastPacer = PacerConfig{
		AtTime:     at,
		DataRate:   pacing,
		PadRate:    padding,
		TimeWindow: units.Micros(pacerTimeWindow),
	}
	c.hasPacer = true
	c.observer.OnPacerConfig(c.lastPacer)
}

func (c *NetworkController) maybeUpdateCongestionWindow(at units.Timestamp) {
	if !c.config.EnableCongestionWindow || c.minFeedbackRtt.IsInfinite() || c.lastTarget == 0 {
		return
	}
	window := c.lastTarget.Times(c.minFeedbackRtt.Add(c.config.QueueTime))
	window = units.Max(window, units.Bytes(minCongestionWindowBytes))
	if window == c.lastCongestionWindow {
		return
	}
	c.lastCongestionWindow = window
	c.observer.OnCongestionWindow(CongestionWindow{AtTime: at, DataWindow: window})
}

func (c *NetworkController) emitProbes(probes []ProbeClusterConfig) {
	for _, p := range probes {
		c.log.Debugf("probe cluster %d at %v", p.ID, p.TargetDataRate)
		c.observer.OnProbeClusterConfig(p)
	}
}

// TargetRate returns the last reported target.
func (c *NetworkController) TargetRate() units.DataRate {
	return c.lastTarget
}

// PacerConfig returns the last reported pacer config.
func (c *NetworkController) PacerConfig() PacerConfig {
	return c.lastPacer
}

// NetworkEstimate returns the estimate that came with the last target.
func (c *NetworkController) NetworkEstimate() NetworkEstimate {
	return c.estimate
}

// DelayBasedEstimate returns the delay-based bound, if one exists.
func (c *NetworkController) DelayBasedEstimate() (units.DataRate, bool) {
	return c.delayBased.LatestEstimate()
}

// AcknowledgedBitrate returns the throughput seen in feedback, if known.
func (c *NetworkController) AcknowledgedBitrate() (units.DataRate, bool) {
	return c.ackedBitrate.Bitrate()
}

// OverusingState returns the delay-based detector verdict.
func (c *NetworkController) OverusingState() BandwidthUsage {
	return c.delayBased.State()
}

// FilteredRtt returns the RTT filter output.
func (c *NetworkController) FilteredRtt() units.TimeDelta {
	return c.rttFilter.Rtt()
}

// InFlight returns the amount of data waiting for feedback.
func (c *NetworkController) InFlight() units.DataSize {
	return c.sendHistory.InFlight()
}
