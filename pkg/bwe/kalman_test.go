package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/units"
)

func kalmanDeltas(variation units.TimeDelta) GroupDeltas {
	send := units.Millis(20)
	return GroupDeltas{SendDelta: send, ArrivalDelta: send.Add(variation)}
}

func TestOveruseEstimator_InitialState(t *testing.T) {
	k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())

	assert.Equal(t, 0.0, k.Offset())
	assert.Equal(t, 8.0/512.0, k.Slope())
	assert.Equal(t, 50.0, k.NoiseVariance())
	assert.Equal(t, 0, k.NumDeltas())
}

func TestOveruseEstimator_ZeroConfigUsesDefaults(t *testing.T) {
	k := NewOveruseEstimator(OveruseEstimatorConfig{})
	assert.Equal(t, DefaultOveruseEstimatorConfig(), k.config)
}

func TestOveruseEstimator_TracksDelayTrend(t *testing.T) {
	tests := []struct {
		name      string
		variation units.TimeDelta
		positive  bool
	}{
		{"queue building", units.Millis(2), true},
		{"queue draining", units.Millis(-2), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
			for i := 0; i < 50; i++ {
				k.Update(kalmanDeltas(tt.variation), 0, BwNormal)
			}
			if tt.positive {
				assert.Greater(t, k.Offset(), 0.0)
			} else {
				assert.Less(t, k.Offset(), 0.0)
			}
		})
	}
}

func TestOveruseEstimator_StableDelayKeepsOffsetNearZero(t *testing.T) {
	k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	for i := 0; i < 100; i++ {
		k.Update(kalmanDeltas(0), 0, BwNormal)
	}
	assert.InDelta(t, 0, k.Offset(), 1e-9)
}

func TestOveruseEstimator_ClipsOutliersInNoiseEstimate(t *testing.T) {
	a := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	b := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	for i := 0; i < 10; i++ {
		a.Update(kalmanDeltas(0), 0, BwNormal)
		b.Update(kalmanDeltas(0), 0, BwNormal)
	}

	a.Update(kalmanDeltas(units.Millis(500)), 0, BwNormal)
	b.Update(kalmanDeltas(units.Millis(1000)), 0, BwNormal)

	// Both residuals exceed three standard deviations, so they count the same.
	assert.InDelta(t, a.NoiseVariance(), b.NoiseVariance(), 1e-9)
	// The state itself still follows the measurement.
	assert.Greater(t, b.Offset(), a.Offset())
}

func TestOveruseEstimator_NoiseFrozenOutsideNormal(t *testing.T) {
	k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	for i := 0; i < 10; i++ {
		k.Update(kalmanDeltas(units.Millis(1)), 0, BwNormal)
	}
	before := k.NoiseVariance()

	k.Update(kalmanDeltas(units.Millis(5)), 0, BwOverusing)
	assert.Equal(t, before, k.NoiseVariance())

	k.Update(kalmanDeltas(units.Millis(5)), 0, BwNormal)
	assert.NotEqual(t, before, k.NoiseVariance())
}

func TestOveruseEstimator_NoiseVarianceFloor(t *testing.T) {
	k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	for i := 0; i < 2000; i++ {
		k.Update(kalmanDeltas(0), 0, BwNormal)
	}
	assert.GreaterOrEqual(t, k.NoiseVariance(), 1.0)
	assert.Equal(t, deltaCounterMax, k.NumDeltas())
}

func TestOveruseEstimator_Reset(t *testing.T) {
	k := NewOveruseEstimator(DefaultOveruseEstimatorConfig())
	for i := 0; i < 30; i++ {
		k.Update(kalmanDeltas(units.Millis(3)), 0, BwNormal)
	}
	require.NotZero(t, k.Offset())

	k.Reset()

	assert.Equal(t, 0.0, k.Offset())
	assert.Equal(t, 8.0/512.0, k.Slope())
	assert.Equal(t, 50.0, k.NoiseVariance())
	assert.Equal(t, 0, k.NumDeltas())
	assert.Equal(t, 0, k.tsDeltaHist.Len())
}
