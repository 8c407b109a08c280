package units

// Timestamp is a point on a monotonic clock with microsecond resolution.
// Timestamps from different clocks are not comparable; only their deltas are
// meaningful.
type Timestamp int64

const (
	// TimestampPlusInfinity marks "never", for example a packet that was
	// not received.
	TimestampPlusInfinity = Timestamp(plusInfinityVal)
	// TimestampMinusInfinity marks "not yet happened".
	TimestampMinusInfinity = Timestamp(minusInfinityVal)
)

func TimestampMicros(us int64) Timestamp { return fromValue[Timestamp](us, false) }

func TimestampMillis(ms int64) Timestamp { return fromScaled[Timestamp](ms, 1000, false) }

func TimestampSeconds(s int64) Timestamp { return fromScaled[Timestamp](s, 1_000_000, false) }

func (t Timestamp) IsFinite() bool        { return !isInf(t) }
func (t Timestamp) IsInfinite() bool      { return isInf(t) }
func (t Timestamp) IsPlusInfinity() bool  { return isPlusInf(t) }
func (t Timestamp) IsMinusInfinity() bool { return isMinusInf(t) }

func (t Timestamp) Us() int64             { return toFraction(t, 1, false) }
func (t Timestamp) Ms() int64             { return toFraction(t, 1000, false) }
func (t Timestamp) Seconds() int64        { return toFraction(t, 1_000_000, false) }
func (t Timestamp) MsFloat() float64      { return toFloatFraction(t, 1e3) }
func (t Timestamp) SecondsFloat() float64 { return toFloatFraction(t, 1e6) }

// Add returns t shifted by d.
func (t Timestamp) Add(d TimeDelta) Timestamp { return Timestamp(add(TimeDelta(t), d)) }

// SubDelta returns t shifted back by d.
func (t Timestamp) SubDelta(d TimeDelta) Timestamp { return Timestamp(sub(TimeDelta(t), d)) }

// Sub returns the elapsed time from o to t.
func (t Timestamp) Sub(o Timestamp) TimeDelta { return sub(TimeDelta(t), TimeDelta(o)) }

func (t Timestamp) RoundTo(resolution TimeDelta) Timestamp {
	return Timestamp(roundTo(TimeDelta(t), resolution, false))
}

func (t Timestamp) RoundUpTo(resolution TimeDelta) Timestamp {
	return Timestamp(roundUpTo(TimeDelta(t), resolution))
}

func (t Timestamp) RoundDownTo(resolution TimeDelta) Timestamp {
	return Timestamp(roundDownTo(TimeDelta(t), resolution))
}

func (t Timestamp) String() string { return format(t, "us") }
