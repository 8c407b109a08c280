package bwe

import (
	"github.com/gammazero/deque"

	"github.com/thesyncim/googcc/pkg/units"
)

const (
	bweIncreaseInterval = 1000 * 1000 // us
	bweDecreaseInterval = 300 * 1000  // us
	startPhase          = 2000 * 1000 // us
	feedbackInterval    = 5000 * 1000 // us
	limitNumPackets     = 20

	// DefaultMinBitrate is the lowest target the controller produces.
	DefaultMinBitrate = 5000 // bps
	// DefaultMaxBitrate is used when no maximum is configured.
	DefaultMaxBitrate = 1_000_000_000 // bps
)

// LossBasedConfig configures the loss-based estimator.
type LossBasedConfig struct {
	// LowLossThreshold is the loss ratio at or below which the rate grows.
	// Default: 0.02
	LowLossThreshold float64
	// HighLossThreshold is the loss ratio above which the rate is cut.
	// Default: 0.1
	HighLossThreshold float64
}

// DefaultLossBasedConfig returns the default loss-based configuration.
func DefaultLossBasedConfig() LossBasedConfig {
	return LossBasedConfig{
		LowLossThreshold:  0.02,
		HighLossThreshold: 0.1,
	}
}

type minBitrateSample struct {
	at   units.Timestamp
	rate units.DataRate
}

// SendSideBandwidthEstimation is the loss-based half of the controller.
// It owns the target rate: loss reports move it, while the REMB and the
// delay-based estimate only cap it.
//
// With loss at or below 2% the rate grows 8% over the minimum of the last
// second plus 1 kbps. Between 2% and 10% it holds. Above 10% it is cut by
// half the loss fraction, at most once per 300 ms plus one RTT.
type SendSideBandwidthEstimation struct {
	config LossBasedConfig

	lostSinceLastUpdate     int64
	expectedSinceLastUpdate int64

	current       units.DataRate
	minConfigured units.DataRate
	maxConfigured units.DataRate

	hasDecreasedSinceLastLoss bool
	lastLossPacketReport      units.Timestamp
	lastFractionLoss          uint8 // Q8
	lastRoundTripTime         units.TimeDelta
	timeLastDecrease          units.Timestamp
	firstReportTime           units.Timestamp

	receiverLimit   units.DataRate
	delayBasedLimit units.DataRate

	minBitrateHistory deque.Deque[minBitrateSample]
}

// NewSendSideBandwidthEstimation creates a loss-based estimator with the
// default bounds.
func NewSendSideBandwidthEstimation(config LossBasedConfig) *SendSideBandwidthEstimation {
	def := DefaultLossBasedConfig()
	if config.LowLossThreshold <= 0 {
		config.LowLossThreshold = def.LowLossThreshold
	}
	if config.HighLossThreshold <= config.LowLossThreshold {
		config.HighLossThreshold = def.HighLossThreshold
	}
	return &SendSideBandwidthEstimation{
		config:               config,
		minConfigured:        units.BitsPerSec(DefaultMinBitrate),
		maxConfigured:        units.BitsPerSec(DefaultMaxBitrate),
		lastLossPacketReport: units.TimestampMinusInfinity,
		timeLastDecrease:     units.TimestampMinusInfinity,
		firstReportTime:      units.TimestampMinusInfinity,
	}
}

// SetBitrates sets the bounds and, when sendBitrate is positive, the rate.
func (s *SendSideBandwidthEstimation) SetBitrates(sendBitrate, minBitrate, maxBitrate units.DataRate, at units.Timestamp) {
	s.SetMinMaxBitrate(minBitrate, maxBitrate)
	if sendBitrate > 0 {
		s.SetSendBitrate(sendBitrate, at)
	}
}

// SetSendBitrate sets the rate directly, as after a probe.
func (s *SendSideBandwidthEstimation) SetSendBitrate(rate units.DataRate, at units.Timestamp) {
	if rate <= 0 {
		panic("bwe: send bitrate must be positive")
	}
	// Reset so the new rate is not capped by an older delay-based limit.
	s.delayBasedLimit = 0
	s.capBitrateToThresholds(at, rate)
	s.minBitrateHistory.Clear()
}

// SetMinMaxBitrate sets the bounds. A zero max means unlimited.
func (s *SendSideBandwidthEstimation) SetMinMaxBitrate(minBitrate, maxBitrate units.DataRate) {
	s.minConfigured = units.Max(minBitrate, units.BitsPerSec(DefaultMinBitrate))
	if maxBitrate > 0 && maxBitrate.IsFinite() {
		s.maxConfigured = units.Max(s.minConfigured, maxBitrate)
	} else {
		s.maxConfigured = units.BitsPerSec(DefaultMaxBitrate)
	}
}

// MinBitrate returns the configured floor.
func (s *SendSideBandwidthEstimation) MinBitrate() units.DataRate {
	return s.minConfigured
}

// MaxBitrate returns the configured ceiling.
func (s *SendSideBandwidthEstimation) MaxBitrate() units.DataRate {
	return s.maxConfigured
}

// UpdateReceiverEstimate records a REMB value.
func (s *SendSideBandwidthEstimation) UpdateReceiverEstimate(at units.Timestamp, bandwidth units.DataRate) {
	s.receiverLimit = bandwidth
	s.capBitrateToThresholds(at, s.current)
}

// UpdateDelayBasedEstimate records the delay-based limit.
func (s *SendSideBandwidthEstimation) UpdateDelayBasedEstimate(at units.Timestamp, bitrate units.DataRate) {
	s.delayBasedLimit = bitrate
	s.capBitrateToThresholds(at, s.current)
}

// UpdateRtt records the round-trip time used to pace decreases.
func (s *SendSideBandwidthEstimation) UpdateRtt(rtt units.TimeDelta) {
	if rtt > 0 {
		s.lastRoundTripTime = rtt
	}
}

// UpdatePacketsLost accounts a loss report. Reports accumulate until they
// cover at least 20 packets.
func (s *SendSideBandwidthEstimation) UpdatePacketsLost(packetsLost, numberOfPackets int64, at units.Timestamp) {
	if s.firstReportTime.IsMinusInfinity() {
		s.firstReportTime = at
	}
	if numberOfPackets <= 0 {
		return
	}
	s.lostSinceLastUpdate += packetsLost
	s.expectedSinceLastUpdate += numberOfPackets
	if s.expectedSinceLastUpdate < limitNumPackets {
		return
	}
	s.hasDecreasedSinceLastLoss = false
	lossQ8 := max(s.lostSinceLastUpdate, 0) << 8 / s.expectedSinceLastUpdate
	s.lastFractionLoss = uint8(min(lossQ8, 255))
	s.lostSinceLastUpdate = 0
	s.expectedSinceLastUpdate = 0
	s.lastLossPacketReport = at
	s.UpdateEstimate(at)
}

// UpdateEstimate re-evaluates the rate. It is called for every loss
// report and on every process tick.
func (s *SendSideBandwidthEstimation) UpdateEstimate(at units.Timestamp) {
	next := s.current

	// Trust the REMB and the delay-based estimate during startup while no
	// loss has been seen, so initial probing can take effect.
	if s.lastFractionLoss == 0 && s.isInStartPhase(at) {
		next = units.Max(s.receiverLimit, next)
		next = units.Max(s.delayBasedLimit, next)
		if next != s.current {
			s.minBitrateHistory.Clear()
			s.minBitrateHistory.PushBack(minBitrateSample{at: at, rate: next})
			s.capBitrateToThresholds(at, next)
			return
		}
	}
	s.updateMinHistory(at)
	if s.lastLossPacketReport.IsMinusInfinity() {
		// No loss reports yet; only the caps apply.
		s.capBitrateToThresholds(at, s.current)
		return
	}
	sinceReport := at.Sub(s.lastLossPacketReport)
	if sinceReport < units.Micros(feedbackInterval).Mul(1.2) {
		loss := s.LossRatio()
		switch {
		case loss <= s.config.LowLossThreshold:
			// The minimum over the last second keeps growth bounded to
			// 8% per second even with frequent reports.
			base := s.minBitrateHistory.Front().rate
			next = units.BitsPerSecFloat(base.BpsFloat()*1.08 + 0.5).Add(units.BitsPerSec(1000))
		case loss <= s.config.HighLossThreshold:
			// Hold.
		default:
			interval := units.Micros(bweDecreaseInterval).Add(s.lastRoundTripTime)
			if !s.hasDecreasedSinceLastLoss && at.Sub(s.timeLastDecrease) >= interval {
				s.timeLastDecrease = at
				next = s.current.Mul(float64(512-int(s.lastFractionLoss)) / 512.0)
				s.hasDecreasedSinceLastLoss = true
			}
		}
	}
	s.capBitrateToThresholds(at, next)
}

// CurrentEstimate returns the rate, the loss fraction in Q8 and the RTT.
func (s *SendSideBandwidthEstimation) CurrentEstimate() (units.DataRate, uint8, units.TimeDelta) {
	return s.current, s.lastFractionLoss, s.lastRoundTripTime
}

// TargetRate returns the current rate.
func (s *SendSideBandwidthEstimation) TargetRate() units.DataRate {
	return s.current
}

// LossRatio returns the last loss fraction in [0, 1]. A full Q8 byte is
// total loss.
func (s *SendSideBandwidthEstimation) LossRatio() float64 {
	return LossRatioFromQ8(s.lastFractionLoss)
}

// LossRatioFromQ8 converts a Q8 loss fraction to a ratio.
func LossRatioFromQ8(q8 uint8) float64 {
	return float64(q8) / 255.0
}

func (s *SendSideBandwidthEstimation) isInStartPhase(at units.Timestamp) bool {
	return s.firstReportTime.IsMinusInfinity() || at.Sub(s.firstReportTime) < units.Micros(startPhase)
}

func (s *SendSideBandwidthEstimation) updateMinHistory(at units.Timestamp) {
	// The extra microsecond lets the rate grow when a report lands exactly
	// one interval after the oldest sample.
	for s.minBitrateHistory.Len() > 0 &&
		at.Sub(s.minBitrateHistory.Front().at).Add(units.Micros(1)) > units.Micros(bweIncreaseInterval) {
		s.minBitrateHistory.PopFront()
	}
	for s.minBitrateHistory.Len() > 0 && s.current <= s.minBitrateHistory.Back().rate {
		s.minBitrateHistory.PopBack()
	}
	s.minBitrateHistory.PushBack(minBitrateSample{at: at, rate: s.current})
}

func (s *SendSideBandwidthEstimation) capBitrateToThresholds(_ units.Timestamp, rate units.DataRate) {
	if s.receiverLimit > 0 && rate > s.receiverLimit {
		rate = s.receiverLimit
	}
	if s.delayBasedLimit > 0 && rate > s.delayBasedLimit {
		rate = s.delayBasedLimit
	}
	if rate > s.maxConfigured {
		rate = s.maxConfigured
	}
	if rate < s.minConfigured {
		rate = s.minConfigured
	}
	s.current = rate
}
