package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

func TestNewLink_InvalidConfig(t *testing.T) {
	start := bwe.NetworkControllerConfig{StartingBandwidth: units.KilobitsPerSec(300)}

	cfg := DefaultLinkConfig()
	cfg.LossRate = 1
	_, err := NewLink(cfg, start)
	assert.Error(t, err)

	cfg = DefaultLinkConfig()
	cfg.PropagationDelay = units.Millis(-1)
	_, err = NewLink(cfg, start)
	assert.Error(t, err)
}

func TestLink_StartsAtConstraintTime(t *testing.T) {
	at := units.TimestampSeconds(42)
	link, err := NewLink(LinkConfig{}, bwe.NetworkControllerConfig{
		Constraints:       bwe.TargetRateConstraints{AtTime: at},
		StartingBandwidth: units.KilobitsPerSec(300),
	})
	require.NoError(t, err)
	assert.Equal(t, at, link.Now())
	assert.Equal(t, units.KilobitsPerSec(300), link.Target())

	link.Run(units.Seconds(1))
	assert.Equal(t, at.Add(units.Seconds(1)), link.Now())
	assert.Len(t, link.Samples(), 10)
}

func TestLink_SendsAndReports(t *testing.T) {
	link, err := NewLink(DefaultLinkConfig(), bwe.NetworkControllerConfig{StartingBandwidth: units.KilobitsPerSec(300)})
	require.NoError(t, err)
	link.Run(units.Seconds(2))

	stats := link.Stats()
	assert.Positive(t, stats.PacketsSent)
	assert.Zero(t, stats.PacketsLost)
	assert.Zero(t, stats.PacketsDropped)
	assert.GreaterOrEqual(t, stats.ProbeClusters, 2, "initial exponential probes")
	assert.Positive(t, stats.Delivered.Bytes())

	_, ok := link.Controller().AcknowledgedBitrate()
	assert.True(t, ok)
}

func TestLink_QueueLimitDrops(t *testing.T) {
	cfg := DefaultLinkConfig()
	cfg.Capacity = units.KilobitsPerSec(200)
	cfg.MaxQueueDelay = units.Millis(50)
	link, err := NewLink(cfg, bwe.NetworkControllerConfig{StartingBandwidth: units.KilobitsPerSec(2000)})
	require.NoError(t, err)
	link.Run(units.Seconds(2))

	stats := link.Stats()
	assert.Positive(t, stats.PacketsDropped)
	assert.LessOrEqual(t, stats.MaxQueueDelay, units.Millis(50))
}

func TestLink_MeanTarget(t *testing.T) {
	link, err := NewLink(DefaultLinkConfig(), bwe.NetworkControllerConfig{StartingBandwidth: units.KilobitsPerSec(300)})
	require.NoError(t, err)
	start := link.Now()
	link.Run(units.Millis(50))

	assert.Equal(t, units.KilobitsPerSec(300), link.MeanTarget(start, link.Now()))
	assert.Zero(t, link.MeanTarget(link.Now().Add(units.Seconds(1)), link.Now().Add(units.Seconds(2))))
}
