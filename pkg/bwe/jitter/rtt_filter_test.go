package jitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/units"
)

func feed(f *RttFilter, rtt units.TimeDelta, n int) {
	for i := 0; i < n; i++ {
		f.Update(rtt)
	}
}

func TestRttFilter_ConstantInput(t *testing.T) {
	f := NewRttFilter()
	feed(f, units.Millis(100), 40)
	assert.Equal(t, units.Millis(100), f.Rtt())
	assert.Equal(t, units.Millis(100), f.Average())
}

func TestRttFilter_IgnoresLeadingZeros(t *testing.T) {
	f := NewRttFilter()
	feed(f, 0, 10)
	assert.Equal(t, units.TimeDelta(0), f.Rtt())

	f.Update(units.Millis(80))
	assert.Equal(t, units.Millis(80), f.Average(), "first nonzero sample seeds the mean")
}

func TestRttFilter_ClampsLargeSamples(t *testing.T) {
	f := NewRttFilter()
	f.Update(units.Seconds(10))
	assert.Equal(t, units.Seconds(3), f.Rtt())
}

func TestRttFilter_SustainedJumpIsAdopted(t *testing.T) {
	f := NewRttFilter()
	feed(f, units.Millis(50), 40)
	require.Equal(t, units.Millis(50), f.Average())

	// The first few samples of a jump are held back.
	feed(f, units.Millis(500), detectThreshold-1)
	assert.Equal(t, units.Millis(50), f.Average())

	f.Update(units.Millis(500))
	assert.Equal(t, units.Millis(500), f.Average())
	assert.Equal(t, units.Millis(500), f.Rtt())

	feed(f, units.Millis(500), 20)
	assert.InDelta(t, 500, f.Average().MsFloat(), 1)
}

func TestRttFilter_SingleSpikeDoesNotMoveMean(t *testing.T) {
	f := NewRttFilter()
	feed(f, units.Millis(50), 40)

	f.Update(units.Millis(500))
	assert.Equal(t, units.Millis(50), f.Average())
	assert.Equal(t, units.Millis(500), f.Rtt(), "max tracks the spike until drift clears it")

	feed(f, units.Millis(50), detectThreshold)
	assert.Equal(t, units.Millis(50), f.Average())
	assert.Equal(t, units.Millis(50), f.Rtt())
}

func TestRttFilter_JumpDirectionChangeRestartsRun(t *testing.T) {
	f := NewRttFilter()
	feed(f, units.Millis(200), 40)

	feed(f, units.Millis(600), 3)
	feed(f, units.Millis(20), 3)
	assert.Equal(t, units.Millis(200), f.Average(), "mixed-direction jumps never confirm")

	feed(f, units.Millis(20), 2)
	assert.Equal(t, units.Millis(20), f.Average())
}

func TestRttFilter_Reset(t *testing.T) {
	f := NewRttFilter()
	feed(f, units.Millis(70), 10)
	f.Reset()
	assert.Equal(t, units.TimeDelta(0), f.Rtt())
	assert.Equal(t, units.TimeDelta(0), f.Average())

	f.Update(units.Millis(30))
	assert.Equal(t, units.Millis(30), f.Rtt())
}

func TestRttFilter_ResetReplaysIdentically(t *testing.T) {
	var samples []units.TimeDelta
	for i := 0; i < 40; i++ {
		samples = append(samples, units.Millis(int64(80+i%7)))
	}
	for i := 0; i < 8; i++ {
		samples = append(samples, units.Millis(400))
	}
	for i := 0; i < 60; i++ {
		samples = append(samples, units.Millis(int64(30+i%3)))
	}

	run := func(f *RttFilter) (rtts, avgs []units.TimeDelta) {
		for _, s := range samples {
			f.Update(s)
			rtts = append(rtts, f.Rtt())
			avgs = append(avgs, f.Average())
		}
		return rtts, avgs
	}

	wantRtt, wantAvg := run(NewRttFilter())

	f := NewRttFilter()
	feed(f, units.Millis(900), 25)
	f.Reset()
	gotRtt, gotAvg := run(f)

	assert.Equal(t, wantRtt, gotRtt)
	assert.Equal(t, wantAvg, gotAvg)
}
