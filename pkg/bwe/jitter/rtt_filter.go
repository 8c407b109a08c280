// Package jitter estimates receive-side timing properties of a media stream:
// a robust round-trip time and the jitter buffer delay needed to play frames
// out smoothly.
package jitter

import (
	"math"

	"github.com/thesyncim/googcc/pkg/units"
)

const (
	// maxRtt clamps implausible samples.
	maxRtt = 3000 // ms
	// filtFactMax bounds the EWMA window. The filter behaves like a running
	// mean for the first filtFactMax samples.
	filtFactMax = 35
	// jumpStdDevs is how far from the mean a sample must be to count as a jump.
	jumpStdDevs = 2.5
	// driftStdDevs is how far the max may drift above the mean before the
	// filter decides the path changed.
	driftStdDevs = 3.5
	// detectThreshold is the number of consecutive samples needed to confirm
	// a jump or a drift. It is also the size of both buffers.
	detectThreshold = 5
)

// RttFilter tracks a robust round-trip time from noisy samples.
//
// Samples feed an exponentially weighted mean and variance. A sample far
// from the mean is held back as a possible jump; only when detectThreshold
// samples in a row jump in the same direction does the filter re-seed from
// them. Likewise, a max that stays well above the mean for detectThreshold
// samples is treated as drift and the filter re-seeds from the recent window.
//
// Rtt reports the tracked maximum, which is the conservative value receivers
// want for retransmission timing.
type RttFilter struct {
	gotNonZeroUpdate bool
	avgRtt           units.TimeDelta
	varRtt           int64 // ms²
	maxRtt           units.TimeDelta
	filtFactCount    int

	// jumpCount is signed: positive for samples below the mean, negative for
	// samples above it.
	jumpCount  int
	jumpBuf    [detectThreshold]units.TimeDelta
	driftCount int
	driftBuf   [detectThreshold]units.TimeDelta
}

// NewRttFilter returns a filter with no samples.
func NewRttFilter() *RttFilter {
	f := &RttFilter{}
	f.Reset()
	return f
}

// Reset discards all samples.
func (f *RttFilter) Reset() {
	*f = RttFilter{filtFactCount: 1}
}

// Update feeds one RTT sample. Zero samples are ignored until the first
// nonzero one arrives.
func (f *RttFilter) Update(rtt units.TimeDelta) {
	if !f.gotNonZeroUpdate {
		if rtt <= 0 {
			return
		}
		f.gotNonZeroUpdate = true
	}

	if rtt > units.Millis(maxRtt) {
		rtt = units.Millis(maxRtt)
	}

	filtFactor := 0.0
	if f.filtFactCount > 1 {
		filtFactor = float64(f.filtFactCount-1) / float64(f.filtFactCount)
	}
	f.filtFactCount++
	if f.filtFactCount > filtFactMax {
		f.filtFactCount = filtFactMax
	}

	oldAvg := f.avgRtt
	oldVar := f.varRtt
	f.avgRtt = units.MicrosFloat(filtFactor*f.avgRtt.UsFloat() + (1-filtFactor)*rtt.UsFloat())
	deltaMs := float64(rtt.Sub(f.avgRtt).Ms())
	f.varRtt = int64(filtFactor*float64(f.varRtt) + (1-filtFactor)*deltaMs*deltaMs)
	if rtt > f.maxRtt {
		f.maxRtt = rtt
	}

	if !f.jumpDetection(rtt) || !f.driftDetection(rtt) {
		// A held-back sample must not leak into the long-term statistics.
		f.avgRtt = oldAvg
		f.varRtt = oldVar
	}
}

// Rtt returns the tracked maximum RTT.
func (f *RttFilter) Rtt() units.TimeDelta {
	return f.maxRtt
}

// Average returns the smoothed mean RTT.
func (f *RttFilter) Average() units.TimeDelta {
	return f.avgRtt
}

func (f *RttFilter) stdDevMs() float64 {
	return math.Sqrt(float64(f.varRtt))
}

// jumpDetection reports whether rtt may be folded into the statistics.
func (f *RttFilter) jumpDetection(rtt units.TimeDelta) bool {
	diffFromAvg := f.avgRtt.Sub(rtt)
	if math.Abs(diffFromAvg.MsFloat()) <= jumpStdDevs*f.stdDevMs() {
		f.jumpCount = 0
		return true
	}

	diffSign := 1
	if diffFromAvg < 0 {
		diffSign = -1
	}
	jumpSign := 1
	if f.jumpCount < 0 {
		jumpSign = -1
	}
	if diffSign != jumpSign {
		// A jump in the other direction starts a new run.
		f.jumpCount = 0
	}
	n := abs(f.jumpCount)
	if n < detectThreshold {
		f.jumpBuf[n] = rtt
		f.jumpCount += diffSign
		n++
	}
	if n < detectThreshold {
		return false
	}

	f.shortRttFilter(f.jumpBuf[:n])
	f.filtFactCount = detectThreshold + 1
	f.jumpCount = 0
	return true
}

// driftDetection reports whether the filter state is still trustworthy.
func (f *RttFilter) driftDetection(rtt units.TimeDelta) bool {
	if f.maxRtt.Sub(f.avgRtt).MsFloat() <= driftStdDevs*f.stdDevMs() {
		f.driftCount = 0
		return true
	}
	if f.driftCount < detectThreshold {
		f.driftBuf[f.driftCount] = rtt
		f.driftCount++
	}
	if f.driftCount >= detectThreshold {
		f.shortRttFilter(f.driftBuf[:f.driftCount])
		f.filtFactCount = detectThreshold + 1
		f.driftCount = 0
	}
	return true
}

// shortRttFilter re-seeds mean and max from a small buffer.
func (f *RttFilter) shortRttFilter(buf []units.TimeDelta) {
	if len(buf) == 0 {
		return
	}
	var sum units.TimeDelta
	f.maxRtt = 0
	for _, v := range buf {
		if v > f.maxRtt {
			f.maxRtt = v
		}
		sum = sum.Add(v)
	}
	f.avgRtt = sum.Div(float64(len(buf)))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
