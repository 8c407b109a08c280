package testutil

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

// TracedPacket is one packet of a recorded or generated call.
type TracedPacket struct {
	// Sequence is the transport-wide sequence number.
	Sequence int64 `json:"seq"`

	// SendTimeUs is the send time on the sender's clock.
	SendTimeUs int64 `json:"send_time_us"`

	// ReceiveTimeUs is the arrival time on the receiver's clock, or -1 for
	// a lost packet.
	ReceiveTimeUs int64 `json:"receive_time_us"`

	// Size is the packet size in bytes.
	Size int `json:"size"`

	// ReferenceTargetBps is the target a reference controller reported when
	// the packet was sent. Zero means unknown and is skipped in comparisons.
	ReferenceTargetBps int64 `json:"reference_target_bps"`
}

func (p TracedPacket) result() bwe.PacketResult {
	r := bwe.PacketResult{
		SentPacket: bwe.SentPacket{
			SequenceNumber: p.Sequence,
			SendTime:       units.TimestampMicros(p.SendTimeUs),
			Size:           units.Bytes(int64(p.Size)),
			PacingInfo:     bwe.MediaPacketInfo(),
		},
		ReceiveTime: units.TimestampPlusInfinity,
	}
	if p.ReceiveTimeUs >= 0 {
		r.ReceiveTime = units.TimestampMicros(p.ReceiveTimeUs)
	}
	return r
}

// ReferenceTrace is a packet trace with the targets a reference
// implementation produced for it.
type ReferenceTrace struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// StartRateBps is the controller's starting bandwidth.
	StartRateBps int64 `json:"start_rate_bps"`

	// FeedbackIntervalUs is the spacing of feedback reports in send time.
	// Zero selects 50 ms.
	FeedbackIntervalUs int64 `json:"feedback_interval_us"`

	// Packets are ordered by send time.
	Packets []TracedPacket `json:"packets"`
}

// LoadTrace reads a trace from a JSON file.
//
// File format:
//
//	{
//	    "name": "trace_name",
//	    "description": "what the network did",
//	    "start_rate_bps": 300000,
//	    "feedback_interval_us": 50000,
//	    "packets": [
//	        {"seq": 1, "send_time_us": 0, "receive_time_us": 40000, "size": 1200, "reference_target_bps": 0},
//	        ...
//	    ]
//	}
func LoadTrace(path string) (*ReferenceTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}
	var trace ReferenceTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
	}
	return &trace, nil
}

// Save writes the trace as indented JSON.
func (t *ReferenceTrace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace %s: %w", t.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return nil
}

type replayEvent struct {
	at       units.Timestamp
	packet   int // index into Packets, or -1
	feedback *bwe.TransportPacketsFeedback
}

// Replay runs the trace through a fresh NetworkController and returns the
// target in effect when each packet was sent. Sends, feedback reports and
// 25 ms process ticks are delivered in time order.
func (t *ReferenceTrace) Replay(opts ...bwe.ControllerOption) ([]units.DataRate, error) {
	targets := make([]units.DataRate, len(t.Packets))
	if len(t.Packets) == 0 {
		return targets, nil
	}
	interval := units.Micros(t.FeedbackIntervalUs)
	if interval <= 0 {
		interval = units.Millis(50)
	}

	results := make([]bwe.PacketResult, len(t.Packets))
	events := make([]replayEvent, 0, len(t.Packets)*2)
	for i, p := range t.Packets {
		results[i] = p.result()
		events = append(events, replayEvent{at: results[i].SentPacket.SendTime, packet: i})
	}
	reports := BatchFeedback(results, interval, 0)
	for i := range reports {
		events = append(events, replayEvent{at: reports[i].FeedbackTime, packet: -1, feedback: &reports[i]})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })

	start := events[0].at
	c, err := bwe.NewNetworkController(&Recorder{}, bwe.NetworkControllerConfig{
		Constraints:       bwe.TargetRateConstraints{AtTime: start},
		StartingBandwidth: units.BitsPerSec(t.StartRateBps),
	}, opts...)
	if err != nil {
		return nil, err
	}

	tick := units.Millis(25)
	nextTick := start.Add(tick)
	for _, ev := range events {
		for nextTick <= ev.at {
			c.OnProcessInterval(bwe.ProcessInterval{AtTime: nextTick})
			nextTick = nextTick.Add(tick)
		}
		if ev.feedback != nil {
			c.OnTransportPacketsFeedback(*ev.feedback)
			continue
		}
		c.OnSentPacket(results[ev.packet].SentPacket)
		targets[ev.packet] = c.TargetRate()
	}
	return targets, nil
}

// DivergenceResult summarizes how far replayed targets are from the
// reference.
type DivergenceResult struct {
	// MaxDivergence is the largest relative error, in percent.
	MaxDivergence float64
	// AvgDivergence is the mean relative error, in percent.
	AvgDivergence float64
	// ComparedPackets excludes the warmup and packets without a reference.
	ComparedPackets int
	TotalPackets    int
}

// CalculateDivergence compares targets against the trace's reference
// targets, skipping the first warmupPackets packets. Divergence is
// |ours - ref| / ref in percent.
func CalculateDivergence(targets []units.DataRate, trace *ReferenceTrace, warmupPackets int) DivergenceResult {
	result := DivergenceResult{TotalPackets: len(trace.Packets)}
	if len(targets) != len(trace.Packets) {
		return result
	}
	var total float64
	for i := warmupPackets; i < len(trace.Packets); i++ {
		ref := trace.Packets[i].ReferenceTargetBps
		if ref <= 0 {
			continue
		}
		d := math.Abs(targets[i].BpsFloat()-float64(ref)) / float64(ref) * 100
		total += d
		result.MaxDivergence = math.Max(result.MaxDivergence, d)
		result.ComparedPackets++
	}
	if result.ComparedPackets > 0 {
		result.AvgDivergence = total / float64(result.ComparedPackets)
	}
	return result
}

// GenerateSyntheticTrace creates a trace with three phases over a 10 ms
// base delay:
//   - stable: constant delay, reference at the send rate
//   - congestion: delay grows 0.5 ms per packet, reference falls to 60 %
//   - recovery: delay drains 0.3 ms per packet, reference climbs to 90 %
//
// The first fifth of the packets carry no reference.
func GenerateSyntheticTrace(packetCount int, interval units.TimeDelta, packetSize int) *ReferenceTrace {
	trace := &ReferenceTrace{
		Name:               "synthetic_congestion",
		Description:        "Synthetic trace with stable, congestion, and recovery phases",
		FeedbackIntervalUs: 50 * 1000,
		Packets:            make([]TracedPacket, packetCount),
	}
	phase1End := packetCount * 40 / 100
	phase2End := packetCount * 70 / 100
	warmup := packetCount / 5

	sendRate := units.Bytes(int64(packetSize)).Over(interval).Bps()
	trace.StartRateBps = sendRate
	congested := sendRate * 60 / 100
	recovered := sendRate * 90 / 100

	const (
		baseDelayUs = 10 * 1000
		growUs      = 500
		drainUs     = 300
	)
	var queueUs int64
	for i := range trace.Packets {
		sendUs := int64(i) * interval.Us()
		var ref int64
		if i >= warmup {
			switch {
			case i < phase1End:
				ref = sendRate
			case i < phase2End:
				progress := float64(i-phase1End) / float64(phase2End-phase1End)
				ref = sendRate - int64(float64(sendRate-congested)*progress)
			default:
				progress := float64(i-phase2End) / float64(packetCount-phase2End)
				ref = congested + int64(float64(recovered-congested)*progress)
			}
		}
		trace.Packets[i] = TracedPacket{
			Sequence:           int64(i + 1),
			SendTimeUs:         sendUs,
			ReceiveTimeUs:      sendUs + baseDelayUs + queueUs,
			Size:               packetSize,
			ReferenceTargetBps: ref,
		}
		switch {
		case i >= phase1End && i < phase2End:
			queueUs += growUs
		case i >= phase2End:
			queueUs = max(queueUs-drainUs, 0)
		}
	}
	return trace
}
