package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/units"
)

var probeT0 = units.TimestampSeconds(100)

func probeRates(probes []ProbeClusterConfig) []units.DataRate {
	var out []units.DataRate
	for _, p := range probes {
		out = append(out, p.TargetDataRate)
	}
	return out
}

// completedProbeController returns a controller past exponential probing
// with an estimate of 500 kbps, at probeT0+2s.
func completedProbeController(t *testing.T) (*ProbeController, units.Timestamp) {
	t.Helper()
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	require.Len(t, p.SetBitrates(kbps(100), kbps(300), kbps(5000), probeT0), 2)
	now := probeT0.Add(units.Seconds(2))
	require.Empty(t, p.Process(now))
	require.Empty(t, p.SetEstimatedBitrate(kbps(500), now))
	return p, now
}

func TestProbeController_InitiatesProbingAtStart(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	probes := p.SetBitrates(kbps(100), kbps(300), kbps(5000), probeT0)

	assert.Equal(t, []units.DataRate{kbps(900), kbps(1800)}, probeRates(probes))
	for i, pr := range probes {
		assert.Equal(t, i, pr.ID)
		assert.Equal(t, probeT0, pr.AtTime)
		assert.Equal(t, units.Millis(15), pr.TargetDuration)
		assert.Equal(t, 5, pr.TargetProbeCount)
	}
}

func TestProbeController_NoStartRateUsesMin(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	probes := p.SetBitrates(kbps(100), 0, kbps(5000), probeT0)
	assert.Equal(t, []units.DataRate{kbps(300), kbps(600)}, probeRates(probes))
}

func TestProbeController_ExponentialProbing(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	p.SetBitrates(kbps(100), kbps(300), kbps(5000), probeT0)

	// Above 70% of the last probe: probe twice as high.
	now := probeT0.Add(units.Millis(500))
	assert.Equal(t, []units.DataRate{kbps(3600)}, probeRates(p.SetEstimatedBitrate(kbps(1800), now)))

	// Below 70% of 3600 kbps: stop.
	assert.Empty(t, p.SetEstimatedBitrate(kbps(2000), now.Add(units.Millis(100))))
}

func TestProbeController_ExponentialProbingTimeout(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	p.SetBitrates(kbps(100), kbps(300), kbps(5000), probeT0)

	now := probeT0.Add(units.Millis(1100))
	assert.Empty(t, p.Process(now))
	assert.Empty(t, p.SetEstimatedBitrate(kbps(1800), now))
}

func TestProbeController_ProbesCappedAtMax(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	probes := p.SetBitrates(kbps(100), kbps(300), kbps(1000), probeT0)
	assert.Equal(t, []units.DataRate{kbps(900), kbps(1000)}, probeRates(probes))

	// Reaching the max ends exponential probing.
	assert.Empty(t, p.SetEstimatedBitrate(kbps(1000), probeT0.Add(units.Millis(300))))
}

func TestProbeController_DefaultMaxProbingRate(t *testing.T) {
	p := NewProbeController(DefaultProbeControllerConfig(), probeT0)
	probes := p.SetBitrates(kbps(100), kbps(3000), 0, probeT0)
	assert.Equal(t, []units.DataRate{kbps(5000), kbps(5000)}, probeRates(probes))
}

func TestProbeController_ProbesOnMaxBitrateIncrease(t *testing.T) {
	p, now := completedProbeController(t)

	probes := p.SetBitrates(kbps(100), 0, kbps(6000), now)
	assert.Equal(t, []units.DataRate{kbps(6000)}, probeRates(probes))

	// Lowering the max does not probe.
	assert.Empty(t, p.SetBitrates(kbps(100), 0, kbps(4000), now.Add(units.Seconds(2))))
}

func TestProbeController_NoProbeWhenEstimateAboveNewMax(t *testing.T) {
	p, now := completedProbeController(t)
	p.SetBitrates(kbps(100), 0, kbps(400), now)
	assert.Empty(t, p.SetBitrates(kbps(100), 0, kbps(450), now))
}

func TestProbeController_ProbesOnAllocationIncrease(t *testing.T) {
	p, now := completedProbeController(t)

	assert.Equal(t, []units.DataRate{kbps(2000)}, probeRates(p.OnMaxTotalAllocatedBitrate(kbps(2000), now)))

	p.Process(now.Add(units.Seconds(2)))
	assert.Empty(t, p.OnMaxTotalAllocatedBitrate(kbps(2000), now.Add(units.Seconds(2))))
	assert.Empty(t, p.OnMaxTotalAllocatedBitrate(kbps(400), now.Add(units.Seconds(2))))
}

func TestProbeController_RequestProbeInAlr(t *testing.T) {
	p, _ := completedProbeController(t)

	drop := probeT0.Add(units.Millis(5500))
	p.SetEstimatedBitrate(kbps(250), drop)
	p.SetAlrStartTime(drop, true)

	probes := p.RequestProbe(drop.Add(units.Millis(500)))
	assert.Equal(t, []units.DataRate{kbps(425)}, probeRates(probes))

	// Spaced by MinTimeBetweenDropProbes.
	p.Process(drop.Add(units.Seconds(2)))
	assert.Empty(t, p.RequestProbe(drop.Add(units.Seconds(2))))
}

func TestProbeController_RequestProbeWhenAlrEndedRecently(t *testing.T) {
	p, _ := completedProbeController(t)

	drop := probeT0.Add(units.Millis(5500))
	p.SetEstimatedBitrate(kbps(250), drop)
	p.SetAlrEndedTime(drop.SubDelta(units.Seconds(1)))

	assert.Equal(t, []units.DataRate{kbps(425)}, probeRates(p.RequestProbe(drop.Add(units.Millis(500)))))
}

func TestProbeController_RequestProbeRejected(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *ProbeController, drop units.Timestamp)
		at    units.TimeDelta // after the drop
	}{
		{"not in alr", func(*ProbeController, units.Timestamp) {}, units.Millis(500)},
		{"alr ended long ago", func(p *ProbeController, drop units.Timestamp) {
			p.SetAlrEndedTime(drop.SubDelta(units.Seconds(4)))
		}, units.Millis(500)},
		{"drop too old", func(p *ProbeController, drop units.Timestamp) {
			p.SetAlrStartTime(drop, true)
		}, units.Seconds(6)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := completedProbeController(t)
			drop := probeT0.Add(units.Millis(5500))
			p.SetEstimatedBitrate(kbps(250), drop)
			tt.setup(p, drop)
			assert.Empty(t, p.RequestProbe(drop.Add(tt.at)))
		})
	}
}

func TestProbeController_PeriodicAlrProbing(t *testing.T) {
	p, now := completedProbeController(t)
	p.EnablePeriodicAlrProbing(true)
	p.SetAlrStartTime(now, true)

	assert.Empty(t, p.Process(now.Add(units.Seconds(4))))

	probes := p.Process(now.Add(units.Seconds(5)))
	assert.Equal(t, []units.DataRate{kbps(1000)}, probeRates(probes))

	// The next one waits another interval after the last probe.
	p.Process(now.Add(units.Seconds(7)))
	assert.Empty(t, p.Process(now.Add(units.Seconds(9))))
	assert.Len(t, p.Process(now.Add(units.Seconds(10))), 1)
}

func TestProbeController_PeriodicAlrProbingDisabled(t *testing.T) {
	p, now := completedProbeController(t)
	p.SetAlrStartTime(now, true)
	assert.Empty(t, p.Process(now.Add(units.Seconds(10))))
}

func TestProbeController_ResetRestartsExponentialProbing(t *testing.T) {
	p, now := completedProbeController(t)

	p.Reset(now)
	probes := p.SetBitrates(kbps(100), kbps(200), kbps(5000), now)

	assert.Equal(t, []units.DataRate{kbps(600), kbps(1200)}, probeRates(probes))
	assert.Equal(t, 2, probes[0].ID)
	assert.Equal(t, 3, probes[1].ID)
}
