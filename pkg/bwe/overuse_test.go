package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/googcc/pkg/units"
)

var detectBase = units.TimestampSeconds(100)

func TestOveruseDetector_InitialState(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())

	assert.Equal(t, BwNormal, d.State())
	assert.Equal(t, 12.5, d.Threshold())
}

func TestOveruseDetector_NeedsTwoDeltas(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	got := d.Detect(10, units.Millis(20), 1, detectBase)
	assert.Equal(t, BwNormal, got)
}

func TestOveruseDetector_SustainedOveruse(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	var transitions [][2]BandwidthUsage
	d.SetCallback(func(old, new BandwidthUsage) {
		transitions = append(transitions, [2]BandwidthUsage{old, new})
	})

	// 60 * 1.0 is far above the threshold; one sample is not enough.
	now := detectBase
	assert.Equal(t, BwNormal, d.Detect(1.0, units.Millis(10), 60, now))

	now = now.Add(units.Millis(10))
	assert.Equal(t, BwOverusing, d.Detect(1.0, units.Millis(10), 60, now))

	assert.Equal(t, [][2]BandwidthUsage{{BwNormal, BwOverusing}}, transitions)
}

func TestOveruseDetector_FallingTrendSuppressesOveruse(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	now := detectBase
	d.Detect(1.0, units.Millis(10), 60, now)

	now = now.Add(units.Millis(10))
	assert.Equal(t, BwNormal, d.Detect(0.9, units.Millis(10), 60, now))
}

func TestOveruseDetector_Underuse(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	assert.Equal(t, BwUnderusing, d.Detect(-1.0, units.Millis(10), 60, detectBase))
	assert.Equal(t, BwNormal, d.Detect(0, units.Millis(10), 60, detectBase.Add(units.Millis(10))))
}

func TestOveruseDetector_SmallDeltaCountDampsTrend(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	// 2 * 5.0 = 10 stays under the 12.5 threshold.
	now := detectBase
	for i := 0; i < 5; i++ {
		assert.Equal(t, BwNormal, d.Detect(5.0, units.Millis(10), 2, now))
		now = now.Add(units.Millis(10))
	}
}

func TestOveruseDetector_ThresholdAdaptation(t *testing.T) {
	tests := []struct {
		name   string
		config func(*OveruseConfig)
		offset float64
		want   float64
	}{
		// |t| = 15: 12.5 + 0.0087 * 2.5 * 100
		{"rises slowly", nil, 0.25, 14.675},
		// 12.5 + 0.039 * -12.5 * 100 clamps at the minimum.
		{"falls to min", nil, 0, 6},
		{"clamped at max", func(c *OveruseConfig) { c.MaxThreshold = 13 }, 0.25, 13},
		// |t| = 60 is an outlier and leaves the threshold alone.
		{"ignores outliers", nil, 1.0, 12.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultOveruseConfig()
			if tt.config != nil {
				tt.config(&cfg)
			}
			d := NewOveruseDetector(cfg)
			d.Detect(tt.offset, units.Millis(10), 60, detectBase)
			d.Detect(tt.offset, units.Millis(10), 60, detectBase.Add(units.Millis(100)))

			assert.InDelta(t, tt.want, d.Threshold(), 1e-9)
		})
	}
}

func TestOveruseDetector_ThresholdStepCapped(t *testing.T) {
	a := NewOveruseDetector(DefaultOveruseConfig())
	b := NewOveruseDetector(DefaultOveruseConfig())

	a.Detect(0.25, units.Millis(10), 60, detectBase)
	a.Detect(0.25, units.Millis(10), 60, detectBase.Add(units.Millis(100)))
	b.Detect(0.25, units.Millis(10), 60, detectBase)
	b.Detect(0.25, units.Millis(10), 60, detectBase.Add(units.Seconds(5)))

	assert.InDelta(t, a.Threshold(), b.Threshold(), 1e-9)
}

func TestOveruseDetector_ResetKeepsCallback(t *testing.T) {
	d := NewOveruseDetector(DefaultOveruseConfig())
	calls := 0
	d.SetCallback(func(_, _ BandwidthUsage) { calls++ })

	d.Detect(-1.0, units.Millis(10), 60, detectBase)
	d.Reset()
	assert.Equal(t, BwNormal, d.State())
	assert.Equal(t, 12.5, d.Threshold())

	d.Detect(-1.0, units.Millis(10), 60, detectBase.Add(units.Seconds(1)))
	assert.Equal(t, 2, calls)
}
