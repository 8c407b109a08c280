package units

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeDelta_Constructors(t *testing.T) {
	assert.Equal(t, int64(5_000), Millis(5).Us())
	assert.Equal(t, int64(3_000_000), Seconds(3).Us())
	assert.Equal(t, int64(1500), MillisFloat(1.5).Us())
	assert.Equal(t, int64(250_000), SecondsFloat(0.25).Us())
	assert.Equal(t, Millis(20), FromDuration(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, Millis(20).Duration())
}

func TestTimeDelta_RoundingHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		name string
		us   int64
		ms   int64
	}{
		{"exact", 2000, 2},
		{"below half", 1499, 1},
		{"half up", 1500, 2},
		{"negative half", -1500, -2},
		{"negative below half", -1499, -1},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ms, Micros(tt.us).Ms())
		})
	}
}

func TestDataRate_RoundingHalfUp(t *testing.T) {
	assert.Equal(t, int64(2), BitsPerSec(1500).Kbps())
	assert.Equal(t, int64(1), BitsPerSec(1499).Kbps())
	assert.Equal(t, BitsPerSec(2000), BitsPerSec(1500).RoundTo(BitsPerSec(1000)))
	assert.Equal(t, BitsPerSec(2000), BitsPerSec(1001).RoundUpTo(BitsPerSec(1000)))
	assert.Equal(t, BitsPerSec(1000), BitsPerSec(1999).RoundDownTo(BitsPerSec(1000)))
}

func TestTimeDelta_RoundToVariants(t *testing.T) {
	assert.Equal(t, Millis(-2), Micros(-1500).RoundTo(Millis(1)))
	assert.Equal(t, Millis(-1), Micros(-1500).RoundUpTo(Millis(1)))
	assert.Equal(t, Millis(-2), Micros(-1500).RoundDownTo(Millis(1)))
	assert.Equal(t, Millis(2), Micros(1001).RoundUpTo(Millis(1)))
}

func TestRoundTo_NonPositiveResolutionPanics(t *testing.T) {
	assert.Panics(t, func() { Millis(5).RoundTo(0) })
	assert.Panics(t, func() { Millis(5).RoundUpTo(Millis(-1)) })
	assert.Panics(t, func() { BitsPerSec(5).RoundDownTo(0) })
}

func TestInfinity_Propagation(t *testing.T) {
	assert.True(t, TimeDeltaPlusInfinity.Add(Seconds(10)).IsPlusInfinity())
	assert.True(t, TimeDeltaMinusInfinity.Sub(Seconds(10)).IsMinusInfinity())
	assert.True(t, Seconds(1).Sub(TimeDeltaMinusInfinity).IsPlusInfinity())
	assert.True(t, TimeDeltaPlusInfinity.Mul(-2).IsMinusInfinity())
	assert.True(t, DataRateInfinity.Mul(0.5).IsInfinite())
	assert.True(t, TimestampPlusInfinity.Sub(TimestampMillis(5)).IsPlusInfinity())
	assert.Equal(t, TimeDeltaPlusInfinity, TimeDeltaMinusInfinity.Abs())
}

func TestInfinity_OppositeSignsPanic(t *testing.T) {
	assert.Panics(t, func() { TimeDeltaPlusInfinity.Add(TimeDeltaMinusInfinity) })
	assert.Panics(t, func() { TimeDeltaPlusInfinity.Sub(TimeDeltaPlusInfinity) })
	assert.Panics(t, func() { TimestampMinusInfinity.Sub(TimestampMinusInfinity) })
	assert.Panics(t, func() { TimeDeltaPlusInfinity.Mul(0) })
}

func TestInfinity_IntegerConversionPanics(t *testing.T) {
	assert.Panics(t, func() { TimeDeltaPlusInfinity.Ms() })
	assert.Panics(t, func() { DataRateInfinity.Bps() })
	assert.Panics(t, func() { TimestampMinusInfinity.Us() })
}

func TestInfinity_FloatConversion(t *testing.T) {
	assert.True(t, math.IsInf(TimeDeltaPlusInfinity.MsFloat(), 1))
	assert.True(t, math.IsInf(TimeDeltaMinusInfinity.SecondsFloat(), -1))
	assert.True(t, math.IsInf(DataRateInfinity.BpsFloat(), 1))
	assert.True(t, MillisFloat(math.Inf(1)).IsPlusInfinity())
	assert.Equal(t, int64(-1), TimeDeltaPlusInfinity.MsOr(-1))
}

func TestOneSided_NegativePanics(t *testing.T) {
	assert.Panics(t, func() { BitsPerSec(-1) })
	assert.Panics(t, func() { Bytes(-1) })
	assert.Panics(t, func() { BitsPerSec(10).Sub(BitsPerSec(20)) })
	assert.Panics(t, func() { BitsPerSec(10).Mul(-1) })
	assert.Panics(t, func() { BitsPerSecFloat(math.Inf(-1)) })
}

func TestSaturatingOverflow(t *testing.T) {
	big := Micros(math.MaxInt64 - 10)
	assert.True(t, big.Add(Micros(100)).IsPlusInfinity())
	assert.True(t, Micros(math.MinInt64+10).Sub(Micros(100)).IsMinusInfinity())
	assert.True(t, BitsPerSec(math.MaxInt64/2).MulInt(4).IsInfinite())
}

func TestConstructors_OutOfRangePanics(t *testing.T) {
	assert.Panics(t, func() { Millis(1 << 62) })
	assert.Panics(t, func() { Seconds(math.MaxInt64 / 10) })
	assert.Panics(t, func() { Seconds(math.MinInt64 / 10) })
	assert.Panics(t, func() { TimestampMillis(1 << 62) })
	assert.Panics(t, func() { TimestampSeconds(-(1 << 50)) })
	assert.Panics(t, func() { KilobitsPerSec(math.MaxInt64 / 100) })
	assert.Panics(t, func() { BytesPerSec(math.MaxInt64 / 4) })
	assert.Panics(t, func() { KilobitsPerSec(-1) })

	assert.Equal(t, Micros(-3_000_000), Seconds(-3))
	assert.Equal(t, BitsPerSec(8000), BytesPerSec(1000))
	assert.Equal(t, TimestampMicros(1_500_000), TimestampMillis(1500))
}

func TestComparisonsAreTotal(t *testing.T) {
	values := []TimeDelta{TimeDeltaMinusInfinity, Seconds(-5), 0, Millis(1), TimeDeltaPlusInfinity}
	for i := 1; i < len(values); i++ {
		assert.Less(t, values[i-1], values[i])
	}
	assert.Equal(t, Millis(1), Min(Millis(1), TimeDeltaPlusInfinity))
	assert.Equal(t, BitsPerSec(7), Max(BitsPerSec(3), BitsPerSec(7)))
}

func TestTimestamp_Arithmetic(t *testing.T) {
	a := TimestampMillis(100)
	b := a.Add(Millis(50))
	assert.Equal(t, Millis(50), b.Sub(a))
	assert.Equal(t, Millis(-50), a.Sub(b))
	assert.Equal(t, a, b.SubDelta(Millis(50)))
	assert.Equal(t, TimestampMillis(-10), TimestampMillis(0).SubDelta(Millis(10)))
}

func TestDataRate_CrossUnit(t *testing.T) {
	rate := KilobitsPerSec(800)
	assert.Equal(t, Bytes(100_000), rate.Times(Seconds(1)))
	assert.Equal(t, rate, Bytes(100_000).Over(Seconds(1)))
	assert.Equal(t, Seconds(1), Bytes(100_000).At(rate))
	assert.Equal(t, TimeDeltaPlusInfinity, Bytes(10).At(0))
	assert.Equal(t, BitsPerSec(150_000), BitsPerSec(60_000).Mul(2.5))
	assert.InDelta(t, 2.0, KilobitsPerSec(200).DivBy(KilobitsPerSec(100)), 1e-12)
}

func TestClamped(t *testing.T) {
	assert.Equal(t, Millis(10), Millis(3).Clamped(Millis(10), Millis(20)))
	assert.Equal(t, Millis(20), TimeDeltaPlusInfinity.Clamped(Millis(10), Millis(20)))
	require.Panics(t, func() { Millis(3).Clamped(Millis(20), Millis(10)) })
}

func TestString(t *testing.T) {
	assert.Equal(t, "60000 bps", BitsPerSec(60000).String())
	assert.Equal(t, "+inf us", TimeDeltaPlusInfinity.String())
	assert.Equal(t, "12 bytes", Bytes(12).String())
}
