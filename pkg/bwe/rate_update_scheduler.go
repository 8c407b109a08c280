package bwe

import "github.com/thesyncim/googcc/pkg/units"

// RateUpdateSchedulerConfig configures RateUpdateScheduler.
type RateUpdateSchedulerConfig struct {
	// Interval is the minimum spacing of regular updates.
	// Default: 1 second
	Interval units.TimeDelta

	// DecreaseThreshold is the relative decrease that is reported at once.
	// Default: 0.03
	DecreaseThreshold float64
}

// DefaultRateUpdateSchedulerConfig returns the default configuration.
func DefaultRateUpdateSchedulerConfig() RateUpdateSchedulerConfig {
	return RateUpdateSchedulerConfig{
		Interval:          units.Seconds(1),
		DecreaseThreshold: 0.03,
	}
}

// RateUpdateScheduler throttles target rate notifications to the
// application. Increases and small changes are reported at most once per
// interval; a decrease of DecreaseThreshold or more is reported at once so
// encoders back off quickly.
type RateUpdateScheduler struct {
	config   RateUpdateSchedulerConfig
	lastSent units.Timestamp
	lastRate units.DataRate
}

// NewRateUpdateScheduler creates a scheduler. Invalid fields fall back to
// defaults.
func NewRateUpdateScheduler(config RateUpdateSchedulerConfig) *RateUpdateScheduler {
	def := DefaultRateUpdateSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DecreaseThreshold <= 0 || config.DecreaseThreshold >= 1 {
		config.DecreaseThreshold = def.DecreaseThreshold
	}
	s := &RateUpdateScheduler{config: config}
	s.Reset()
	return s
}

// ShouldUpdate reports whether rate should be delivered at now.
func (s *RateUpdateScheduler) ShouldUpdate(rate units.DataRate, now units.Timestamp) bool {
	if rate == s.lastRate {
		return false
	}
	if s.lastRate > 0 && rate < s.lastRate {
		decrease := 1 - rate.DivBy(s.lastRate)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsInfinite() || now.Sub(s.lastSent) >= s.config.Interval
}

// Record marks rate as delivered at now.
func (s *RateUpdateScheduler) Record(rate units.DataRate, now units.Timestamp) {
	s.lastRate = rate
	s.lastSent = now
}

// MaybeUpdate combines ShouldUpdate and Record.
func (s *RateUpdateScheduler) MaybeUpdate(rate units.DataRate, now units.Timestamp) bool {
	if !s.ShouldUpdate(rate, now) {
		return false
	}
	s.Record(rate, now)
	return true
}

// LastRate returns the last delivered rate, or zero.
func (s *RateUpdateScheduler) LastRate() units.DataRate {
	return s.lastRate
}

// LastSentTime returns when the last rate was delivered, or
// TimestampMinusInfinity.
func (s *RateUpdateScheduler) LastSentTime() units.Timestamp {
	return s.lastSent
}

// Reset forgets the delivery history.
func (s *RateUpdateScheduler) Reset() {
	s.lastSent = units.TimestampMinusInfinity
	s.lastRate = 0
}
