// Package units provides strongly typed time, rate and size quantities used by
// the congestion controller.
//
// Every quantity is an int64 count of its base unit (microseconds, bits per
// second or bytes). The largest and smallest int64 values are reserved as
// +infinity and -infinity. Arithmetic propagates infinities, saturates on
// finite overflow and panics when asked to do something meaningless, such as
// adding +infinity to -infinity or reading an infinite value as an integer.
//
// Two families exist. One-sided quantities (DataRate, DataSize) cannot be
// negative and round half up. Two-sided quantities (TimeDelta, Timestamp)
// may be negative and round half away from zero.
package units

import (
	"fmt"
	"math"
)

const (
	plusInfinityVal  int64 = math.MaxInt64
	minusInfinityVal int64 = math.MinInt64
)

// unit is the constraint shared by every quantity in this package.
type unit interface {
	~int64
}

func isPlusInf[T unit](v T) bool  { return int64(v) == plusInfinityVal }
func isMinusInf[T unit](v T) bool { return int64(v) == minusInfinityVal }
func isInf[T unit](v T) bool      { return isPlusInf(v) || isMinusInf(v) }

// fromValue builds a finite quantity, enforcing the family's sign rule.
func fromValue[T unit](v int64, oneSided bool) T {
	if v == plusInfinityVal || v == minusInfinityVal {
		panic(fmt.Sprintf("units: value %d collides with an infinity sentinel", v))
	}
	if oneSided && v < 0 {
		panic(fmt.Sprintf("units: negative value %d for a one-sided unit", v))
	}
	return T(v)
}

// fromFloat maps ±Inf to the sentinels and rounds finite values to the
// nearest base unit.
func fromFloat[T unit](v float64, oneSided bool) T {
	switch {
	case math.IsNaN(v):
		panic("units: NaN is not a valid quantity")
	case math.IsInf(v, 1):
		return T(plusInfinityVal)
	case math.IsInf(v, -1):
		if oneSided {
			panic("units: -infinity for a one-sided unit")
		}
		return T(minusInfinityVal)
	}
	r := math.Round(v)
	if r >= math.MaxInt64 || r <= math.MinInt64 {
		panic(fmt.Sprintf("units: value %g out of range", v))
	}
	return fromValue[T](int64(r), oneSided)
}

// toFraction divides v by denom with the family's rounding rule.
func toFraction[T unit](v T, denom int64, oneSided bool) int64 {
	if isInf(v) {
		panic("units: cannot convert an infinite value to an integer")
	}
	n := int64(v)
	if oneSided || n >= 0 {
		return (n + denom/2) / denom
	}
	return (n - denom/2) / denom
}

// toFloat returns v in base units as a float64, with ±Inf for the sentinels.
func toFloat[T unit](v T) float64 {
	switch {
	case isPlusInf(v):
		return math.Inf(1)
	case isMinusInf(v):
		return math.Inf(-1)
	}
	return float64(v)
}

func toFloatFraction[T unit](v T, denom float64) float64 {
	return toFloat(v) / denom
}

func add[T unit](a, b T) T {
	if isPlusInf(a) || isPlusInf(b) {
		if isMinusInf(a) || isMinusInf(b) {
			panic("units: +infinity plus -infinity is undefined")
		}
		return T(plusInfinityVal)
	}
	if isMinusInf(a) || isMinusInf(b) {
		return T(minusInfinityVal)
	}
	return saturate[T](int64(a), int64(b))
}

func sub[T unit](a, b T) T {
	if isPlusInf(a) || isMinusInf(b) {
		if isPlusInf(b) || isMinusInf(a) {
			panic("units: infinity minus infinity of the same sign is undefined")
		}
		return T(plusInfinityVal)
	}
	if isMinusInf(a) || isPlusInf(b) {
		return T(minusInfinityVal)
	}
	return saturate[T](int64(a), -int64(b))
}

// saturate adds two finite values, clamping overflow to the sentinels.
func saturate[T unit](a, b int64) T {
	s := a + b
	if b > 0 && s < a {
		return T(plusInfinityVal)
	}
	if b < 0 && s > a {
		return T(minusInfinityVal)
	}
	return T(s)
}

// scale multiplies v by f, propagating infinities by the sign of f.
func scale[T unit](v T, f float64, oneSided bool) T {
	if math.IsNaN(f) {
		panic("units: scaling by NaN")
	}
	if isInf(v) {
		if f == 0 {
			panic("units: infinity times zero is undefined")
		}
		if (f > 0) == isPlusInf(v) {
			return T(plusInfinityVal)
		}
		if oneSided {
			panic("units: negative scaling of a one-sided infinity")
		}
		return T(minusInfinityVal)
	}
	r := math.Round(float64(v) * f)
	switch {
	case r >= math.MaxInt64:
		return T(plusInfinityVal)
	case r <= math.MinInt64:
		if oneSided {
			panic("units: scaling produced a negative one-sided value")
		}
		return T(minusInfinityVal)
	}
	return fromValue[T](int64(r), oneSided)
}

// fromScaled builds a quantity of v units of n base units each. Unlike
// arithmetic it does not saturate: a value that does not fit is a caller
// bug.
func fromScaled[T unit](v, n int64, oneSided bool) T {
	if v > (plusInfinityVal-1)/n || v < (minusInfinityVal+1)/n {
		panic(fmt.Sprintf("units: %d x %d out of range", v, n))
	}
	return fromValue[T](v*n, oneSided)
}

func scaleInt[T unit](v T, n int64, oneSided bool) T {
	if isInf(v) {
		return scale(v, float64(n), oneSided)
	}
	if n != 0 && int64(v) != 0 {
		p := int64(v) * n
		if p/n != int64(v) || p == plusInfinityVal || p == minusInfinityVal {
			if (int64(v) > 0) == (n > 0) {
				return T(plusInfinityVal)
			}
			if oneSided {
				panic("units: scaling produced a negative one-sided value")
			}
			return T(minusInfinityVal)
		}
		return fromValue[T](p, oneSided)
	}
	return 0
}

// ratio returns a / b as a float64, with infinities handled like floats.
func ratio[T unit](a, b T) float64 {
	return toFloat(a) / toFloat(b)
}

func checkResolution[T unit](v, resolution T) {
	if isInf(v) {
		panic("units: cannot round an infinite value")
	}
	if resolution <= 0 || isInf(resolution) {
		panic(fmt.Sprintf("units: rounding resolution must be positive and finite, got %d", int64(resolution)))
	}
}

func roundTo[T unit](v, resolution T, oneSided bool) T {
	checkResolution(v, resolution)
	return saturateMul[T](toFraction(v, int64(resolution), oneSided), int64(resolution))
}

func roundUpTo[T unit](v, resolution T) T {
	checkResolution(v, resolution)
	n, r := int64(v), int64(resolution)
	q := n / r
	if n%r > 0 {
		q++
	}
	return saturateMul[T](q, r)
}

func roundDownTo[T unit](v, resolution T) T {
	checkResolution(v, resolution)
	n, r := int64(v), int64(resolution)
	q := n / r
	if n%r < 0 {
		q--
	}
	return saturateMul[T](q, r)
}

func saturateMul[T unit](q, r int64) T {
	p := q * r
	if q != 0 && p/q != r {
		if q > 0 {
			return T(plusInfinityVal)
		}
		return T(minusInfinityVal)
	}
	return T(p)
}

func clamp[T unit](v, lo, hi T) T {
	if lo > hi {
		panic("units: clamp lower bound above upper bound")
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Min returns the smaller of a and b.
func Min[T unit](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T unit](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func format[T unit](v T, suffix string) string {
	switch {
	case isPlusInf(v):
		return "+inf " + suffix
	case isMinusInf(v):
		return "-inf " + suffix
	}
	return fmt.Sprintf("%d %s", int64(v), suffix)
}
