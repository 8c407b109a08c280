package units

import (
	"math"
	"time"
)

// TimeDelta is a signed span of time with microsecond resolution.
type TimeDelta int64

const (
	// TimeDeltaPlusInfinity is larger than every finite TimeDelta.
	TimeDeltaPlusInfinity = TimeDelta(plusInfinityVal)
	// TimeDeltaMinusInfinity is smaller than every finite TimeDelta.
	TimeDeltaMinusInfinity = TimeDelta(minusInfinityVal)
)

// Micros returns a TimeDelta of us microseconds.
func Micros(us int64) TimeDelta { return fromValue[TimeDelta](us, false) }

// Millis returns a TimeDelta of ms milliseconds.
func Millis(ms int64) TimeDelta { return fromScaled[TimeDelta](ms, 1000, false) }

// Seconds returns a TimeDelta of s seconds.
func Seconds(s int64) TimeDelta { return fromScaled[TimeDelta](s, 1_000_000, false) }

// MicrosFloat rounds us to the nearest microsecond. ±Inf map to the infinities.
func MicrosFloat(us float64) TimeDelta { return fromFloat[TimeDelta](us, false) }

// MillisFloat rounds ms to the nearest microsecond.
func MillisFloat(ms float64) TimeDelta { return fromFloat[TimeDelta](ms*1e3, false) }

// SecondsFloat rounds s to the nearest microsecond.
func SecondsFloat(s float64) TimeDelta { return fromFloat[TimeDelta](s*1e6, false) }

// FromDuration converts a time.Duration, rounding to the nearest microsecond.
func FromDuration(d time.Duration) TimeDelta {
	switch d {
	case math.MaxInt64:
		return TimeDeltaPlusInfinity
	case math.MinInt64:
		return TimeDeltaMinusInfinity
	}
	return Micros(toFraction(d, 1000, false))
}

func (d TimeDelta) IsFinite() bool        { return !isInf(d) }
func (d TimeDelta) IsInfinite() bool      { return isInf(d) }
func (d TimeDelta) IsPlusInfinity() bool  { return isPlusInf(d) }
func (d TimeDelta) IsMinusInfinity() bool { return isMinusInf(d) }
func (d TimeDelta) IsZero() bool          { return d == 0 }

// Us returns the value in microseconds. Panics if d is infinite.
func (d TimeDelta) Us() int64 { return toFraction(d, 1, false) }

// Ms returns the value rounded to the nearest millisecond, half away from zero.
func (d TimeDelta) Ms() int64 { return toFraction(d, 1000, false) }

// Seconds returns the value rounded to the nearest second.
func (d TimeDelta) Seconds() int64 { return toFraction(d, 1_000_000, false) }

// MsOr returns Ms, or fallback when d is infinite.
func (d TimeDelta) MsOr(fallback int64) int64 {
	if isInf(d) {
		return fallback
	}
	return d.Ms()
}

func (d TimeDelta) UsFloat() float64      { return toFloat(d) }
func (d TimeDelta) MsFloat() float64      { return toFloatFraction(d, 1e3) }
func (d TimeDelta) SecondsFloat() float64 { return toFloatFraction(d, 1e6) }

// Duration converts to time.Duration. Infinities map to the extreme durations.
func (d TimeDelta) Duration() time.Duration {
	switch {
	case isPlusInf(d):
		return math.MaxInt64
	case isMinusInf(d):
		return math.MinInt64
	case int64(d) > math.MaxInt64/1000:
		return math.MaxInt64
	case int64(d) < math.MinInt64/1000:
		return math.MinInt64
	}
	return time.Duration(d) * time.Microsecond
}

func (d TimeDelta) Add(o TimeDelta) TimeDelta { return add(d, o) }
func (d TimeDelta) Sub(o TimeDelta) TimeDelta { return sub(d, o) }

// Mul scales d by f, rounding half away from zero.
func (d TimeDelta) Mul(f float64) TimeDelta { return scale(d, f, false) }

func (d TimeDelta) MulInt(n int64) TimeDelta { return scaleInt(d, n, false) }

// Div divides d by f. Panics if f is zero.
func (d TimeDelta) Div(f float64) TimeDelta {
	if f == 0 {
		panic("units: TimeDelta divided by zero")
	}
	return scale(d, 1/f, false)
}

// DivBy returns d / o as a plain ratio.
func (d TimeDelta) DivBy(o TimeDelta) float64 { return ratio(d, o) }

// Abs returns the magnitude of d. -infinity maps to +infinity.
func (d TimeDelta) Abs() TimeDelta {
	if d < 0 {
		if isMinusInf(d) {
			return TimeDeltaPlusInfinity
		}
		return -d
	}
	return d
}

// Clamped limits d to [lo, hi].
func (d TimeDelta) Clamped(lo, hi TimeDelta) TimeDelta { return clamp(d, lo, hi) }

func (d TimeDelta) RoundTo(resolution TimeDelta) TimeDelta {
	return roundTo(d, resolution, false)
}

func (d TimeDelta) RoundUpTo(resolution TimeDelta) TimeDelta { return roundUpTo(d, resolution) }

func (d TimeDelta) RoundDownTo(resolution TimeDelta) TimeDelta {
	return roundDownTo(d, resolution)
}

func (d TimeDelta) String() string { return format(d, "us") }
