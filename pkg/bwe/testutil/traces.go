// Package testutil provides testing utilities for the bwe package: synthetic
// transport feedback traces, a virtual-time bottleneck link that drives a
// NetworkController, JSON trace replay and headless-Chrome helpers.
//
// Tests inside package bwe cannot import testutil; controller level tests
// live in the external bwe_test package.
package testutil

import (
	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

// DefaultPacketSize is the size of generated media packets.
const DefaultPacketSize = 1200 // bytes

// TraceConfig describes a run of evenly sent packets.
type TraceConfig struct {
	// Start is the send time of the first packet.
	Start units.Timestamp
	// FirstSequence is the transport sequence number of the first packet.
	FirstSequence int64
	// Count is the number of packets.
	Count int
	// Interval is the send spacing.
	Interval units.TimeDelta
	// Size is the packet size.
	// Default: 1200 bytes
	Size units.DataSize
	// Delay is the one-way delay of the first packet.
	Delay units.TimeDelta
}

func (c TraceConfig) packet(i int, extraDelay units.TimeDelta) bwe.PacketResult {
	size := c.Size
	if size <= 0 {
		size = units.Bytes(DefaultPacketSize)
	}
	send := c.Start.Add(c.Interval.MulInt(int64(i)))
	return bwe.PacketResult{
		SentPacket: bwe.SentPacket{
			SequenceNumber: c.FirstSequence + int64(i),
			SendTime:       send,
			Size:           size,
			PacingInfo:     bwe.MediaPacketInfo(),
		},
		ReceiveTime: send.Add(c.Delay).Add(extraDelay),
	}
}

// StableNetworkTrace returns packets that all see the same delay.
func StableNetworkTrace(c TraceConfig) []bwe.PacketResult {
	out := make([]bwe.PacketResult, c.Count)
	for i := range out {
		out[i] = c.packet(i, 0)
	}
	return out
}

// CongestingNetworkTrace returns packets whose delay grows by step per
// packet, as behind a filling queue.
func CongestingNetworkTrace(c TraceConfig, step units.TimeDelta) []bwe.PacketResult {
	out := make([]bwe.PacketResult, c.Count)
	for i := range out {
		out[i] = c.packet(i, step.MulInt(int64(i)))
	}
	return out
}

// DrainingNetworkTrace returns packets whose delay shrinks by step per
// packet starting from initialQueue, never below the base delay.
func DrainingNetworkTrace(c TraceConfig, initialQueue, step units.TimeDelta) []bwe.PacketResult {
	out := make([]bwe.PacketResult, c.Count)
	for i := range out {
		queue := units.Max(initialQueue.Sub(step.MulInt(int64(i))), 0)
		out[i] = c.packet(i, queue)
	}
	return out
}

// BurstTrace returns bursts of packetsPerBurst packets sent gap apart that
// arrive back to back at the receiver.
func BurstTrace(c TraceConfig, packetsPerBurst int, gap units.TimeDelta) []bwe.PacketResult {
	out := make([]bwe.PacketResult, 0, c.Count)
	for i := 0; i < c.Count; i++ {
		p := c.packet(i, 0)
		burst := int64(i / packetsPerBurst)
		p.SentPacket.SendTime = c.Start.Add(gap.MulInt(burst)).Add(c.Interval.MulInt(int64(i % packetsPerBurst)))
		p.ReceiveTime = c.Start.Add(gap.MulInt(burst)).Add(c.Delay).Add(units.Micros(int64(i % packetsPerBurst)))
		out = append(out, p)
	}
	return out
}

// MarkLost reports every n-th packet as lost.
func MarkLost(packets []bwe.PacketResult, n int) []bwe.PacketResult {
	if n <= 0 {
		return packets
	}
	for i := n - 1; i < len(packets); i += n {
		packets[i].ReceiveTime = units.TimestampPlusInfinity
	}
	return packets
}

// SentPackets returns the send side of packets, for OnSentPacket.
func SentPackets(packets []bwe.PacketResult) []bwe.SentPacket {
	out := make([]bwe.SentPacket, len(packets))
	for i, p := range packets {
		out[i] = p.SentPacket
	}
	return out
}

// BatchFeedback splits packets into feedback reports covering interval of
// send time each. A report arrives at the sender returnDelay after the last
// packet of its batch was received.
func BatchFeedback(packets []bwe.PacketResult, interval, returnDelay units.TimeDelta) []bwe.TransportPacketsFeedback {
	var (
		out   []bwe.TransportPacketsFeedback
		batch []bwe.PacketResult
		start units.Timestamp
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		last := units.TimestampMinusInfinity
		for _, p := range batch {
			if p.IsReceived() {
				last = units.Max(last, p.ReceiveTime)
			} else {
				last = units.Max(last, p.SentPacket.SendTime)
			}
		}
		out = append(out, bwe.TransportPacketsFeedback{
			FeedbackTime:    last.Add(returnDelay),
			PacketFeedbacks: batch,
		})
		batch = nil
	}
	for i, p := range packets {
		if i == 0 {
			start = p.SentPacket.SendTime
		}
		if p.SentPacket.SendTime.Sub(start) >= interval {
			flush()
			start = p.SentPacket.SendTime
		}
		batch = append(batch, p)
	}
	flush()
	return out
}
