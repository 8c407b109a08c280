package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/units"
)

func TestRateStats_NoSamples(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	_, ok := r.Rate(units.TimestampSeconds(1))
	assert.False(t, ok)

	r.Update(units.Bytes(1200), units.TimestampSeconds(1))
	_, ok = r.Rate(units.TimestampSeconds(1))
	assert.False(t, ok, "one sample spans no time")
}

func TestRateStats_SteadyRate(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	t0 := units.TimestampSeconds(10)
	var now units.Timestamp
	for i := 0; i < 100; i++ {
		now = t0.Add(units.Millis(int64(10 * i)))
		r.Update(units.Bytes(1200), now)
	}

	rate, ok := r.Rate(now)
	require.True(t, ok)
	assert.InDelta(t, 100*1200*8/0.99, rate.BpsFloat(), 1)
}

func TestRateStats_WindowExpiry(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowSize: units.Millis(500)})
	t0 := units.TimestampSeconds(10)
	for i := 0; i < 100; i++ {
		r.Update(units.Bytes(1000), t0.Add(units.Millis(int64(10*i))))
	}

	// Only the last 500 ms stay: 51 samples over 500 ms.
	rate, ok := r.Rate(t0.Add(units.Millis(990)))
	require.True(t, ok)
	assert.InDelta(t, 51*1000*8/0.5, rate.BpsFloat(), 1)

	_, ok = r.Rate(t0.Add(units.Seconds(5)))
	assert.False(t, ok, "all samples expired")
}

func TestRateStats_Reset(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	t0 := units.TimestampSeconds(10)
	r.Update(units.Bytes(1000), t0)
	r.Update(units.Bytes(1000), t0.Add(units.Millis(10)))

	r.Reset()

	_, ok := r.Rate(t0.Add(units.Millis(10)))
	assert.False(t, ok)
}

// feedBitrate sends count packets of size spaced 10 ms apart, starting at
// index first, and returns the next index.
func feedBitrate(e *BitrateEstimator, t0 units.Timestamp, first, count int, size units.DataSize) int {
	for i := first; i < first+count; i++ {
		e.Update(t0.Add(units.Millis(int64(10*i))), size, false)
	}
	return first + count
}

func TestBitrateEstimator_InitialWindow(t *testing.T) {
	e := NewBitrateEstimator()
	t0 := units.TimestampSeconds(10)

	next := feedBitrate(e, t0, 0, 50, units.Bytes(1000))
	_, ok := e.Bitrate()
	assert.False(t, ok, "the first 500 ms window is not complete")

	feedBitrate(e, t0, next, 1, units.Bytes(1000))
	rate, ok := e.Bitrate()
	require.True(t, ok)
	assert.InDelta(t, 800_000, rate.BpsFloat(), 1)
}

func TestBitrateEstimator_FastRateChange(t *testing.T) {
	t0 := units.TimestampSeconds(10)
	steady := func() *BitrateEstimator {
		e := NewBitrateEstimator()
		// The packet at index 95 closes the last 800 kbps window and
		// opens the first 1600 kbps one.
		next := feedBitrate(e, t0, 0, 95, units.Bytes(1000))
		next = feedBitrate(e, t0, next, 1, units.Bytes(2000))
		require.Equal(t, 96, next)
		return e
	}

	slow := steady()
	feedBitrate(slow, t0, 96, 15, units.Bytes(2000))

	fast := steady()
	fast.ExpectFastRateChange()
	feedBitrate(fast, t0, 96, 15, units.Bytes(2000))

	slowRate, ok := slow.Bitrate()
	require.True(t, ok)
	fastRate, ok := fast.Bitrate()
	require.True(t, ok)

	// A sample twice the estimate is distrusted: (100*800 + 5*1600) / 105.
	assert.InDelta(t, 838_095, slowRate.BpsFloat(), 1)
	// Widened uncertainty: (100*800 + 205*1600) / 305.
	assert.InDelta(t, 1_337_705, fastRate.BpsFloat(), 1)
}

func ackedPackets(t0 units.Timestamp, first, count int, size units.DataSize) []PacketResult {
	out := make([]PacketResult, 0, count)
	for i := first; i < first+count; i++ {
		send := t0.Add(units.Millis(int64(10 * i)))
		out = append(out, PacketResult{
			SentPacket:  SentPacket{SequenceNumber: int64(i), SendTime: send, Size: size, PacingInfo: MediaPacketInfo()},
			ReceiveTime: send.Add(units.Millis(20)),
		})
	}
	return out
}

func TestAcknowledgedBitrateEstimator_AlrEnded(t *testing.T) {
	t0 := units.TimestampSeconds(10)
	history := append(ackedPackets(t0, 0, 95, units.Bytes(1000)), ackedPackets(t0, 95, 1, units.Bytes(2000))...)
	after := ackedPackets(t0, 96, 15, units.Bytes(2000))

	plain := NewAcknowledgedBitrateEstimator()
	plain.IncomingPacketFeedback(history)
	plain.IncomingPacketFeedback(after)

	alr := NewAcknowledgedBitrateEstimator()
	alr.IncomingPacketFeedback(history)
	alr.SetAlrEndedTime(history[95].SentPacket.SendTime)
	alr.IncomingPacketFeedback(after)

	plainRate, ok := plain.Bitrate()
	require.True(t, ok)
	alrRate, ok := alr.Bitrate()
	require.True(t, ok)
	assert.Greater(t, alrRate, plainRate, "leaving ALR should let the estimate move faster")
}

func TestAcknowledgedBitrateEstimator_Empty(t *testing.T) {
	a := NewAcknowledgedBitrateEstimator()
	a.IncomingPacketFeedback(nil)

	_, ok := a.Bitrate()
	assert.False(t, ok)
}
