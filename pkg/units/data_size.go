package units

// DataSize is a non-negative amount of data in bytes.
type DataSize int64

// DataSizeInfinity is larger than every finite DataSize.
const DataSizeInfinity = DataSize(plusInfinityVal)

// Bytes returns a DataSize of n bytes. Panics if n is negative.
func Bytes(n int64) DataSize { return fromValue[DataSize](n, true) }

func (s DataSize) IsFinite() bool   { return !isInf(s) }
func (s DataSize) IsInfinite() bool { return isInf(s) }
func (s DataSize) IsZero() bool     { return s == 0 }

func (s DataSize) Bytes() int64 { return toFraction(s, 1, true) }

// Bits returns the size in bits, saturating at +infinity.
func (s DataSize) Bits() int64 { return int64(scaleInt(s, 8, true)) }

func (s DataSize) BytesFloat() float64 { return toFloat(s) }

func (s DataSize) Add(o DataSize) DataSize { return add(s, o) }

// Sub panics if o is larger than s.
func (s DataSize) Sub(o DataSize) DataSize {
	r := sub(s, o)
	if r < 0 {
		panic("units: DataSize subtraction went negative")
	}
	return r
}

func (s DataSize) Mul(f float64) DataSize { return scale(s, f, true) }

func (s DataSize) MulInt(n int64) DataSize { return scaleInt(s, n, true) }

// DivBy returns s / o as a plain ratio.
func (s DataSize) DivBy(o DataSize) float64 { return ratio(s, o) }

// Over returns the rate needed to move s in d.
func (s DataSize) Over(d TimeDelta) DataRate {
	if d <= 0 {
		panic("units: DataSize.Over needs a positive duration")
	}
	if isInf(s) {
		return DataRateInfinity
	}
	if isInf(d) {
		return 0
	}
	return BitsPerSecFloat(float64(s) * 8e6 / float64(d))
}

// At returns the time needed to move s at rate r.
func (s DataSize) At(r DataRate) TimeDelta {
	if r <= 0 {
		return TimeDeltaPlusInfinity
	}
	if isInf(s) {
		return TimeDeltaPlusInfinity
	}
	if isInf(r) {
		return 0
	}
	return MicrosFloat(float64(s) * 8e6 / float64(r))
}

func (s DataSize) Clamped(lo, hi DataSize) DataSize { return clamp(s, lo, hi) }

func (s DataSize) RoundTo(resolution DataSize) DataSize   { return roundTo(s, resolution, true) }
func (s DataSize) RoundUpTo(resolution DataSize) DataSize { return roundUpTo(s, resolution) }
func (s DataSize) RoundDownTo(resolution DataSize) DataSize {
	return roundDownTo(s, resolution)
}

func (s DataSize) String() string { return format(s, "bytes") }
