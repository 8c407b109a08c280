package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/googcc/pkg/units"
)

// sendAtRate sends packets of size every interval for d, starting at from.
func sendAtRate(d *AlrDetector, from units.Timestamp, dur, interval units.TimeDelta, size units.DataSize) units.Timestamp {
	end := from.Add(dur)
	now := from
	for ; now < end; now = now.Add(interval) {
		d.OnBytesSent(size, now)
	}
	return now
}

func TestAlrDetector_NotLimitedAtTargetRate(t *testing.T) {
	d := NewAlrDetector(DefaultAlrDetectorConfig())
	d.SetEstimatedBitrate(kbps(300))

	// 1200 bytes every 32 ms is 300 kbps.
	sendAtRate(d, units.TimestampSeconds(1), units.Seconds(5), units.Millis(32), units.Bytes(1200))

	_, inAlr := d.ApplicationLimitedRegionStartTime()
	assert.False(t, inAlr)
}

func TestAlrDetector_EntersAndLeavesAlr(t *testing.T) {
	d := NewAlrDetector(DefaultAlrDetectorConfig())
	d.SetEstimatedBitrate(kbps(300))

	start := units.TimestampSeconds(1)
	now := sendAtRate(d, start, units.Seconds(1), units.Millis(10), units.Bytes(1200))
	_, inAlr := d.ApplicationLimitedRegionStartTime()
	assert.False(t, inAlr)

	// 100 bytes every 10 ms is 80 kbps, well below 65% of the target.
	lowStart := now
	now = sendAtRate(d, now, units.Seconds(3), units.Millis(10), units.Bytes(100))
	alrStart, inAlr := d.ApplicationLimitedRegionStartTime()
	assert.True(t, inAlr)
	assert.Greater(t, alrStart, lowStart)
	assert.Less(t, alrStart, now)

	// Back to sending far above the budget.
	sendAtRate(d, now, units.Seconds(1), units.Millis(10), units.Bytes(1200))
	_, inAlr = d.ApplicationLimitedRegionStartTime()
	assert.False(t, inAlr)
}

func TestAlrDetector_NoTargetNeverLimited(t *testing.T) {
	d := NewAlrDetector(DefaultAlrDetectorConfig())
	sendAtRate(d, units.TimestampSeconds(1), units.Seconds(3), units.Millis(100), units.Bytes(10))

	_, inAlr := d.ApplicationLimitedRegionStartTime()
	assert.False(t, inAlr)
}

func TestAlrDetector_InvalidConfigUsesDefaults(t *testing.T) {
	d := NewAlrDetector(AlrDetectorConfig{BandwidthUsageRatio: 2, StartBudgetRatio: 0.3, StopBudgetRatio: 0.5})
	assert.Equal(t, DefaultAlrDetectorConfig(), d.config)
}

func TestIntervalBudget(t *testing.T) {
	var b intervalBudget
	b.setTargetRate(kbps(800)) // 50000 bytes per window
	assert.Equal(t, int64(50_000), b.maxBytes)
	assert.Equal(t, 0.0, b.ratio())

	b.increase(units.Millis(250))
	assert.InDelta(t, 0.5, b.ratio(), 1e-9)

	b.increase(units.Seconds(2))
	assert.Equal(t, 1.0, b.ratio())

	b.use(units.Bytes(200_000))
	assert.Equal(t, -1.0, b.ratio())

	// Lowering the target clamps the remaining budget.
	b.setTargetRate(kbps(80))
	assert.Equal(t, int64(-5000), b.remaining)
}
