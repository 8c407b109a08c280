package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/googcc/pkg/units"
)

func TestRateUpdateScheduler_FirstUpdate(t *testing.T) {
	s := NewRateUpdateScheduler(DefaultRateUpdateSchedulerConfig())
	now := units.TimestampSeconds(10)

	assert.True(t, s.ShouldUpdate(kbps(500), now))
	assert.True(t, s.LastSentTime().IsMinusInfinity())
	assert.True(t, s.MaybeUpdate(kbps(500), now))
	assert.Equal(t, kbps(500), s.LastRate())
	assert.Equal(t, now, s.LastSentTime())
}

func TestRateUpdateScheduler_Throttling(t *testing.T) {
	t0 := units.TimestampSeconds(10)
	tests := []struct {
		name  string
		rate  units.DataRate
		after units.TimeDelta
		want  bool
	}{
		{"unchanged", kbps(1000), units.Seconds(5), false},
		{"increase before interval", kbps(1100), units.Millis(500), false},
		{"increase after interval", kbps(1100), units.Seconds(1), true},
		{"small decrease before interval", kbps(990), units.Millis(500), false},
		{"large decrease before interval", kbps(960), units.Millis(10), true},
		{"decrease at threshold", kbps(970), units.Millis(10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRateUpdateScheduler(DefaultRateUpdateSchedulerConfig())
			s.Record(kbps(1000), t0)
			assert.Equal(t, tt.want, s.ShouldUpdate(tt.rate, t0.Add(tt.after)))
		})
	}
}

func TestRateUpdateScheduler_MaybeUpdateRecordsOnlyDelivered(t *testing.T) {
	s := NewRateUpdateScheduler(RateUpdateSchedulerConfig{Interval: units.Millis(200), DecreaseThreshold: 0.1})
	t0 := units.TimestampSeconds(1)
	s.Record(kbps(1000), t0)

	assert.False(t, s.MaybeUpdate(kbps(950), t0.Add(units.Millis(50))))
	assert.Equal(t, kbps(1000), s.LastRate())

	assert.True(t, s.MaybeUpdate(kbps(950), t0.Add(units.Millis(200))))
	assert.Equal(t, kbps(950), s.LastRate())
}

func TestRateUpdateScheduler_InvalidConfigUsesDefaults(t *testing.T) {
	s := NewRateUpdateScheduler(RateUpdateSchedulerConfig{Interval: -1, DecreaseThreshold: 2})
	assert.Equal(t, DefaultRateUpdateSchedulerConfig(), s.config)
}

func TestRateUpdateScheduler_Reset(t *testing.T) {
	s := NewRateUpdateScheduler(DefaultRateUpdateSchedulerConfig())
	now := units.TimestampSeconds(3)
	s.Record(kbps(300), now)

	s.Reset()

	assert.Zero(t, s.LastRate())
	assert.True(t, s.LastSentTime().IsMinusInfinity())
	assert.True(t, s.ShouldUpdate(kbps(310), now))
}
