package units

// DataRate is a non-negative transfer rate in bits per second.
type DataRate int64

// DataRateInfinity is faster than every finite DataRate. It is also how an
// unlimited bandwidth cap is expressed.
const DataRateInfinity = DataRate(plusInfinityVal)

// BitsPerSec returns a DataRate of bps bits per second. Panics if negative.
func BitsPerSec(bps int64) DataRate { return fromValue[DataRate](bps, true) }

func KilobitsPerSec(kbps int64) DataRate { return fromScaled[DataRate](kbps, 1000, true) }

func BytesPerSec(bps int64) DataRate { return fromScaled[DataRate](bps, 8, true) }

// BitsPerSecFloat rounds bps half up to a whole bit per second.
func BitsPerSecFloat(bps float64) DataRate { return fromFloat[DataRate](bps, true) }

func (r DataRate) IsFinite() bool   { return !isInf(r) }
func (r DataRate) IsInfinite() bool { return isInf(r) }
func (r DataRate) IsZero() bool     { return r == 0 }

// Bps returns the rate in bits per second. Panics if r is infinite.
func (r DataRate) Bps() int64 { return toFraction(r, 1, true) }

// Kbps returns the rate rounded half up to kilobits per second.
func (r DataRate) Kbps() int64 { return toFraction(r, 1000, true) }

func (r DataRate) BytesPerSec() int64 { return toFraction(r, 8, true) }

func (r DataRate) BpsFloat() float64  { return toFloat(r) }
func (r DataRate) KbpsFloat() float64 { return toFloatFraction(r, 1e3) }

// BpsOr returns Bps, or fallback when r is infinite.
func (r DataRate) BpsOr(fallback int64) int64 {
	if isInf(r) {
		return fallback
	}
	return r.Bps()
}

func (r DataRate) Add(o DataRate) DataRate { return add(r, o) }

// Sub panics if o is faster than r.
func (r DataRate) Sub(o DataRate) DataRate {
	s := sub(r, o)
	if s < 0 {
		panic("units: DataRate subtraction went negative")
	}
	return s
}

// Mul scales r by f, rounding half up. Panics if the result is negative.
func (r DataRate) Mul(f float64) DataRate { return scale(r, f, true) }

func (r DataRate) MulInt(n int64) DataRate { return scaleInt(r, n, true) }

func (r DataRate) Div(f float64) DataRate {
	if f == 0 {
		panic("units: DataRate divided by zero")
	}
	return scale(r, 1/f, true)
}

// DivBy returns r / o as a plain ratio.
func (r DataRate) DivBy(o DataRate) float64 { return ratio(r, o) }

// Times returns the data moved at rate r over d.
func (r DataRate) Times(d TimeDelta) DataSize {
	if d < 0 {
		panic("units: DataRate.Times needs a non-negative duration")
	}
	if isInf(r) || isInf(d) {
		if r == 0 || d == 0 {
			return 0
		}
		return DataSizeInfinity
	}
	return fromFloat[DataSize](float64(r)*float64(d)/8e6, true)
}

func (r DataRate) Clamped(lo, hi DataRate) DataRate { return clamp(r, lo, hi) }

func (r DataRate) RoundTo(resolution DataRate) DataRate   { return roundTo(r, resolution, true) }
func (r DataRate) RoundUpTo(resolution DataRate) DataRate { return roundUpTo(r, resolution) }
func (r DataRate) RoundDownTo(resolution DataRate) DataRate {
	return roundDownTo(r, resolution)
}

func (r DataRate) String() string { return format(r, "bps") }
