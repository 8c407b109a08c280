package bwe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/testutil"
	"github.com/thesyncim/googcc/pkg/units"
)

func newLink(t *testing.T, config testutil.LinkConfig, start units.DataRate, opts ...bwe.ControllerOption) *testutil.Link {
	t.Helper()
	link, err := testutil.NewLink(config, bwe.NetworkControllerConfig{StartingBandwidth: start}, opts...)
	require.NoError(t, err)
	return link
}

func TestScenario_ConvergesToCapacity(t *testing.T) {
	cfg := testutil.DefaultLinkConfig()
	cfg.Capacity = kbps(1000)
	link := newLink(t, cfg, kbps(300))
	start := link.Now()

	link.Run(units.Seconds(30))

	mean := link.MeanTarget(start.Add(units.Seconds(20)), link.Now())
	t.Logf("mean target over the last 10 s: %v", mean)
	assert.Greater(t, mean, kbps(500))
	assert.Less(t, mean, kbps(1200))

	stats := link.Stats()
	assert.Greater(t, stats.ProbeClusters, 0)
	assert.Zero(t, stats.PacketsLost)
}

func TestScenario_CapacityDrop(t *testing.T) {
	cfg := testutil.DefaultLinkConfig()
	cfg.Capacity = kbps(2000)
	link := newLink(t, cfg, kbps(1000))
	start := link.Now()

	link.Run(units.Seconds(20))
	link.SetCapacity(kbps(500))
	link.Run(units.Seconds(20))

	mean := link.MeanTarget(start.Add(units.Seconds(30)), link.Now())
	t.Logf("mean target after the drop: %v", mean)
	assert.Less(t, mean, kbps(700))
	assert.Greater(t, mean, kbps(100))

	// The queue built by the drop drains once the target follows.
	samples := link.Samples()
	last := samples[len(samples)-1]
	assert.Less(t, last.QueueDelay, units.Millis(500))
}

func TestScenario_RandomLossReducesTarget(t *testing.T) {
	cfg := testutil.DefaultLinkConfig()
	cfg.Capacity = kbps(2000)
	cfg.LossRate = 0.2
	cfg.Seed = 7
	link := newLink(t, cfg, kbps(1000))
	start := link.Now()

	link.Run(units.Seconds(20))

	mean := link.MeanTarget(start.Add(units.Seconds(10)), link.Now())
	t.Logf("mean target with 20%% loss: %v", mean)
	assert.Less(t, mean, kbps(500))
	assert.Greater(t, link.Stats().PacketsLost, 0)
}

func TestScenario_CrossTraffic(t *testing.T) {
	cfg := testutil.DefaultLinkConfig()
	cfg.Capacity = kbps(2000)
	link := newLink(t, cfg, kbps(500))
	start := link.Now()

	link.Run(units.Seconds(15))
	link.SetCrossTraffic(kbps(1200))
	link.Run(units.Seconds(25))

	mean := link.MeanTarget(start.Add(units.Seconds(30)), link.Now())
	t.Logf("mean target sharing with 1.2 Mbps of cross traffic: %v", mean)
	assert.Less(t, mean, kbps(1300))
	assert.Greater(t, mean, units.BitsPerSec(bwe.DefaultMinBitrate))
}

func TestScenario_PeriodicAlrProbing(t *testing.T) {
	run := func(enable bool) int {
		cfg := testutil.DefaultLinkConfig()
		cfg.Capacity = kbps(5000)
		cfg.MaxMediaRate = kbps(150)
		gcc := bwe.DefaultGoogCCConfig()
		gcc.EnablePeriodicAlrProbing = enable
		link := newLink(t, cfg, kbps(1000), bwe.WithGoogCCConfig(gcc))
		link.Run(units.Seconds(30))
		return link.Stats().ProbeClusters
	}

	withAlr, without := run(true), run(false)
	t.Logf("probe clusters: %d with periodic ALR probing, %d without", withAlr, without)
	assert.Greater(t, withAlr, without)
}

func TestScenario_Deterministic(t *testing.T) {
	cfg := testutil.DefaultLinkConfig()
	cfg.LossRate = 0.05
	cfg.Seed = 42

	a := newLink(t, cfg, kbps(300))
	b := newLink(t, cfg, kbps(300))
	a.Run(units.Seconds(10))
	b.Run(units.Seconds(10))

	assert.Equal(t, a.Samples(), b.Samples())
	assert.Equal(t, a.Stats(), b.Stats())
}

// TestScenario_Soak runs twenty minutes of simulated traffic over a varying link
// and checks that the controller stays bounded.
func TestScenario_Soak(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping soak test in short mode")
	}
	cfg := testutil.DefaultLinkConfig()
	cfg.Seed = 1
	link := newLink(t, cfg, kbps(300))

	capacities := []units.DataRate{kbps(1000), kbps(3000), kbps(300), kbps(1500)}
	for minute := 0; minute < 20; minute++ {
		link.SetCapacity(capacities[minute%len(capacities)])
		link.SetLossRate(float64(minute%3) * 0.01)
		link.Run(units.Seconds(60))

		target := link.Target()
		require.GreaterOrEqual(t, target, units.BitsPerSec(bwe.DefaultMinBitrate), "minute %d", minute)
		require.Less(t, target, kbps(20_000), "minute %d", minute)
		// Unacknowledged data stays within a few seconds of sending.
		require.Less(t, link.Controller().InFlight(), units.Bytes(5_000_000), "minute %d", minute)
	}
}

func TestScenario_ReferenceTrace(t *testing.T) {
	trace := testutil.GenerateSyntheticTrace(3000, units.Millis(10), 1200)
	targets, err := trace.Replay()
	require.NoError(t, err)
	require.Len(t, targets, len(trace.Packets))

	for i, target := range targets {
		require.Positive(t, target.Bps(), "packet %d", i)
	}

	res := testutil.CalculateDivergence(targets, trace, len(trace.Packets)/5)
	t.Logf("divergence: max %.1f%%, avg %.1f%% over %d packets", res.MaxDivergence, res.AvgDivergence, res.ComparedPackets)
	assert.Equal(t, len(trace.Packets)*4/5, res.ComparedPackets)
	assert.Equal(t, len(trace.Packets), res.TotalPackets)
}
