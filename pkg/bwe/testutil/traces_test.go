package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

var traceStart = units.TimestampSeconds(10)

func TestStableNetworkTrace(t *testing.T) {
	packets := StableNetworkTrace(TraceConfig{
		Start:         traceStart,
		FirstSequence: 100,
		Count:         3,
		Interval:      units.Millis(10),
		Delay:         units.Millis(40),
	})
	require.Len(t, packets, 3)
	for i, p := range packets {
		assert.Equal(t, int64(100+i), p.SentPacket.SequenceNumber)
		assert.Equal(t, units.Bytes(DefaultPacketSize), p.SentPacket.Size)
		assert.Equal(t, units.Millis(40), p.ReceiveTime.Sub(p.SentPacket.SendTime))
		assert.False(t, p.SentPacket.PacingInfo.IsProbe())
	}
	assert.Equal(t, traceStart.Add(units.Millis(20)), packets[2].SentPacket.SendTime)
}

func TestCongestingAndDrainingTraces(t *testing.T) {
	cfg := TraceConfig{Start: traceStart, Count: 4, Interval: units.Millis(10), Delay: units.Millis(20)}

	congesting := CongestingNetworkTrace(cfg, units.Millis(5))
	draining := DrainingNetworkTrace(cfg, units.Millis(10), units.Millis(4))
	wantCongesting := []int64{20, 25, 30, 35}
	wantDraining := []int64{30, 26, 22, 20}
	for i := range congesting {
		assert.Equal(t, units.Millis(wantCongesting[i]), congesting[i].ReceiveTime.Sub(congesting[i].SentPacket.SendTime), "congesting %d", i)
		assert.Equal(t, units.Millis(wantDraining[i]), draining[i].ReceiveTime.Sub(draining[i].SentPacket.SendTime), "draining %d", i)
	}
}

func TestBurstTrace(t *testing.T) {
	packets := BurstTrace(TraceConfig{Start: traceStart, Count: 6, Interval: units.Millis(1), Delay: units.Millis(30)}, 3, units.Millis(50))
	require.Len(t, packets, 6)

	assert.Equal(t, traceStart.Add(units.Millis(50)), packets[3].SentPacket.SendTime)
	assert.Equal(t, traceStart.Add(units.Millis(52)), packets[5].SentPacket.SendTime)
	// Packets of one burst arrive within microseconds of each other.
	assert.Equal(t, units.Micros(2), packets[2].ReceiveTime.Sub(packets[0].ReceiveTime))
}

func TestMarkLost(t *testing.T) {
	packets := MarkLost(StableNetworkTrace(TraceConfig{Start: traceStart, Count: 6, Interval: units.Millis(10)}), 3)
	var lost []int64
	for _, p := range packets {
		if !p.IsReceived() {
			lost = append(lost, p.SentPacket.SequenceNumber)
		}
	}
	assert.Equal(t, []int64{2, 5}, lost)

	unchanged := MarkLost(StableNetworkTrace(TraceConfig{Start: traceStart, Count: 2}), 0)
	assert.True(t, unchanged[0].IsReceived())
	assert.True(t, unchanged[1].IsReceived())
}

func TestBatchFeedback(t *testing.T) {
	packets := MarkLost(StableNetworkTrace(TraceConfig{
		Start:    traceStart,
		Count:    10,
		Interval: units.Millis(10),
		Delay:    units.Millis(40),
	}), 10)

	reports := BatchFeedback(packets, units.Millis(50), units.Millis(5))
	require.Len(t, reports, 2)
	assert.Len(t, reports[0].PacketFeedbacks, 5)
	assert.Len(t, reports[1].PacketFeedbacks, 5)

	// Last received packet of the first batch was sent at 40 ms.
	assert.Equal(t, traceStart.Add(units.Millis(85)), reports[0].FeedbackTime)
	// The lost tail packet was sent at 90 ms, after the last arrival at 120 ms.
	assert.Equal(t, traceStart.Add(units.Millis(125)), reports[1].FeedbackTime)

	assert.Empty(t, BatchFeedback(nil, units.Millis(50), 0))
}

func TestSentPackets(t *testing.T) {
	packets := StableNetworkTrace(TraceConfig{Start: traceStart, Count: 3, Interval: units.Millis(5)})
	sent := SentPackets(packets)
	require.Len(t, sent, 3)
	for i := range sent {
		assert.Equal(t, packets[i].SentPacket, sent[i])
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.OnTargetTransferRate(bwe.TargetTransferRate{TargetRate: units.KilobitsPerSec(300)})
	r.OnPacerConfig(bwe.PacerConfig{DataRate: units.KilobitsPerSec(750)})
	r.OnProbeClusterConfig(bwe.ProbeClusterConfig{ID: 1})
	r.OnCongestionWindow(bwe.CongestionWindow{DataWindow: units.Bytes(5000)})
	r.OnTargetTransferRate(bwe.TargetTransferRate{TargetRate: units.KilobitsPerSec(400)})

	assert.Equal(t, []EventKind{EventTarget, EventPacer, EventProbe, EventCongestionWindow, EventTarget}, r.Kinds())
	assert.Equal(t, []units.DataRate{units.KilobitsPerSec(300), units.KilobitsPerSec(400)}, r.Targets())
	assert.Equal(t, units.KilobitsPerSec(400), r.LastTarget())
	assert.Len(t, r.Pacers(), 1)
	assert.Len(t, r.Probes(), 1)
	assert.Len(t, r.Windows(), 1)
	assert.Equal(t, "congestion_window", EventCongestionWindow.String())

	r.Reset()
	assert.Empty(t, r.Events)
	assert.Zero(t, r.LastTarget())
}
