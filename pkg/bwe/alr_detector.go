package bwe

import (
	"github.com/thesyncim/googcc/pkg/units"
)

const budgetWindow = 500 * 1000 // us

// intervalBudget is a leaky bucket of send budget over a 500 ms window.
// Unused budget accumulates up to one window.
type intervalBudget struct {
	target    units.DataRate
	maxBytes  int64
	remaining int64
}

func (b *intervalBudget) setTargetRate(rate units.DataRate) {
	b.target = rate
	b.maxBytes = rate.Times(units.Micros(budgetWindow)).Bytes()
	b.remaining = min(max(-b.maxBytes, b.remaining), b.maxBytes)
}

func (b *intervalBudget) increase(delta units.TimeDelta) {
	bytes := b.target.Times(delta).Bytes()
	b.remaining = min(b.remaining+bytes, b.maxBytes)
}

func (b *intervalBudget) use(size units.DataSize) {
	b.remaining = max(b.remaining-size.Bytes(), -b.maxBytes)
}

func (b *intervalBudget) ratio() float64 {
	if b.maxBytes == 0 {
		return 0
	}
	return float64(b.remaining) / float64(b.maxBytes)
}

// AlrDetectorConfig configures application-limited region detection.
type AlrDetectorConfig struct {
	// BandwidthUsageRatio is the share of the target the budget refills at.
	// Default: 0.65
	BandwidthUsageRatio float64
	// StartBudgetRatio is the unused budget share that starts ALR.
	// Default: 0.80
	StartBudgetRatio float64
	// StopBudgetRatio is the unused budget share that ends ALR.
	// Default: 0.50
	StopBudgetRatio float64
}

// DefaultAlrDetectorConfig returns the default ALR configuration.
func DefaultAlrDetectorConfig() AlrDetectorConfig {
	return AlrDetectorConfig{
		BandwidthUsageRatio: 0.65,
		StartBudgetRatio:    0.80,
		StopBudgetRatio:     0.50,
	}
}

// AlrDetector tells when the sender is application limited: sending well
// below the target because the encoder has nothing more to send.
type AlrDetector struct {
	config   AlrDetectorConfig
	budget   intervalBudget
	lastSend units.Timestamp
	hasSend  bool

	alrStart units.Timestamp
	inAlr    bool
}

// NewAlrDetector creates a detector with no target.
func NewAlrDetector(config AlrDetectorConfig) *AlrDetector {
	def := DefaultAlrDetectorConfig()
	if config.BandwidthUsageRatio <= 0 || config.BandwidthUsageRatio > 1 {
		config.BandwidthUsageRatio = def.BandwidthUsageRatio
	}
	if config.StartBudgetRatio <= 0 || config.StopBudgetRatio <= 0 || config.StopBudgetRatio >= config.StartBudgetRatio {
		config.StartBudgetRatio = def.StartBudgetRatio
		config.StopBudgetRatio = def.StopBudgetRatio
	}
	return &AlrDetector{config: config}
}

// OnBytesSent accounts one sent packet.
func (d *AlrDetector) OnBytesSent(size units.DataSize, sendTime units.Timestamp) {
	if !d.hasSend {
		d.lastSend = sendTime
		d.hasSend = true
		return
	}
	delta := sendTime.Sub(d.lastSend)
	d.lastSend = sendTime
	d.budget.use(size)
	if delta > 0 {
		d.budget.increase(delta)
	}
	ratio := d.budget.ratio()
	switch {
	case ratio > d.config.StartBudgetRatio && !d.inAlr:
		d.inAlr = true
		d.alrStart = sendTime
	case ratio < d.config.StopBudgetRatio && d.inAlr:
		d.inAlr = false
	}
}

// SetEstimatedBitrate sets the target the budget is derived from.
func (d *AlrDetector) SetEstimatedBitrate(rate units.DataRate) {
	d.budget.setTargetRate(rate.Mul(d.config.BandwidthUsageRatio))
}

// ApplicationLimitedRegionStartTime returns when the current ALR started,
// or false when the sender is not application limited.
func (d *AlrDetector) ApplicationLimitedRegionStartTime() (units.Timestamp, bool) {
	return d.alrStart, d.inAlr
}
