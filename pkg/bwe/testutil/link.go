package testutil

import (
	"errors"
	"math/rand/v2"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/internal"
	"github.com/thesyncim/googcc/pkg/units"
)

const linkStep = 1000 // us

// LinkConfig describes a simulated bottleneck between a sender running a
// NetworkController and a receiver sending transport feedback.
type LinkConfig struct {
	// Capacity is the bottleneck rate.
	// Default: 1 Mbps
	Capacity units.DataRate

	// PropagationDelay is the one-way delay without queuing. Feedback takes
	// the same time back.
	// Default: 50ms
	PropagationDelay units.TimeDelta

	// LossRate is the probability that a packet is lost after it crossed
	// the bottleneck.
	LossRate float64

	// MaxQueueDelay drops packets that would wait longer in the queue.
	// Zero means an unbounded queue.
	MaxQueueDelay units.TimeDelta

	// CrossTraffic is competing load that shares the bottleneck.
	CrossTraffic units.DataRate

	// MaxMediaRate caps what the application sends. Zero sends at the
	// target rate.
	MaxMediaRate units.DataRate

	// FeedbackInterval is how often the receiver reports.
	// Default: 50ms
	FeedbackInterval units.TimeDelta

	// ProcessInterval is the controller tick.
	// Default: 25ms
	ProcessInterval units.TimeDelta

	// SampleInterval is how often the target is recorded.
	// Default: 100ms
	SampleInterval units.TimeDelta

	// PacketSize is the media packet size.
	// Default: 1200 bytes
	PacketSize units.DataSize

	// Seed makes the loss pattern reproducible.
	Seed uint64
}

// DefaultLinkConfig returns a 1 Mbps link with 100 ms RTT.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Capacity:         units.KilobitsPerSec(1000),
		PropagationDelay: units.Millis(50),
		FeedbackInterval: units.Millis(50),
		ProcessInterval:  units.Millis(25),
		SampleInterval:   units.Millis(100),
		PacketSize:       units.Bytes(DefaultPacketSize),
	}
}

// Sample is one recorded point of a simulation.
type Sample struct {
	At         units.Timestamp
	Target     units.DataRate
	Capacity   units.DataRate
	QueueDelay units.TimeDelta
}

// LinkStats counts what happened on the link.
type LinkStats struct {
	PacketsSent    int
	PacketsLost    int
	PacketsDropped int
	ProbeClusters  int
	Delivered      units.DataSize
	MaxQueueDelay  units.TimeDelta
}

type scheduledProbe struct {
	at     units.Timestamp
	size   units.DataSize
	pacing bwe.PacedPacketInfo
}

// Link runs a NetworkController against a virtual-time bottleneck. Media
// is sent at the target rate, probe clusters are sent as requested and the
// receiver reports every packet it saw, or lost, once per feedback
// interval. Time advances in 1 ms steps.
//
// Link is not safe for concurrent use.
type Link struct {
	config     LinkConfig
	clock      *internal.MockClock
	rng        *rand.Rand
	controller *bwe.NetworkController

	seq       int64
	busyUntil units.Timestamp
	budget    units.DataSize
	inTransit []bwe.PacketResult
	probes    []scheduledProbe

	nextFeedback units.Timestamp
	nextProcess  units.Timestamp
	nextSample   units.Timestamp

	target  units.DataRate
	samples []Sample
	stats   LinkStats
}

// NewLink creates a link and a controller started with start. The clock
// begins at start.Constraints.AtTime, or at 1000 s when that is zero.
func NewLink(config LinkConfig, start bwe.NetworkControllerConfig, opts ...bwe.ControllerOption) (*Link, error) {
	def := DefaultLinkConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.PropagationDelay < 0 {
		return nil, errors.New("propagation delay must not be negative")
	}
	if config.LossRate < 0 || config.LossRate >= 1 {
		return nil, errors.New("loss rate must be in [0, 1)")
	}
	if config.FeedbackInterval <= 0 {
		config.FeedbackInterval = def.FeedbackInterval
	}
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = def.ProcessInterval
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.PacketSize <= 0 {
		config.PacketSize = def.PacketSize
	}

	clock := internal.NewMockClock(start.Constraints.AtTime)
	start.Constraints.AtTime = clock.Now()
	l := &Link{
		config:    config,
		clock:     clock,
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
		busyUntil: clock.Now(),
	}
	c, err := bwe.NewNetworkController(l, start, opts...)
	if err != nil {
		return nil, err
	}
	l.controller = c
	now := clock.Now()
	l.nextFeedback = now.Add(config.FeedbackInterval)
	l.nextProcess = now.Add(config.ProcessInterval)
	l.nextSample = now
	return l, nil
}

// OnTargetTransferRate implements bwe.NetworkControllerObserver.
func (l *Link) OnTargetTransferRate(t bwe.TargetTransferRate) {
	l.target = t.TargetRate
}

// OnPacerConfig implements bwe.NetworkControllerObserver.
func (l *Link) OnPacerConfig(bwe.PacerConfig) {}

// OnCongestionWindow implements bwe.NetworkControllerObserver.
func (l *Link) OnCongestionWindow(bwe.CongestionWindow) {}

// OnProbeClusterConfig implements bwe.NetworkControllerObserver. The cluster
// is sent evenly spaced at its target rate.
func (l *Link) OnProbeClusterConfig(p bwe.ProbeClusterConfig) {
	l.stats.ProbeClusters++
	size := l.config.PacketSize
	minBytes := p.TargetDataRate.Times(p.TargetDuration)
	count := int64(p.TargetProbeCount)
	if n := (minBytes.Bytes() + size.Bytes() - 1) / size.Bytes(); n > count {
		count = n
	}
	spacing := size.At(p.TargetDataRate)
	pacing := bwe.NewPacedPacketInfo(p.ID, p.TargetProbeCount, int(minBytes.Bytes()))
	for i := int64(0); i < count; i++ {
		l.probes = append(l.probes, scheduledProbe{
			at:     p.AtTime.Add(spacing.MulInt(i)),
			size:   size,
			pacing: pacing,
		})
	}
}

// Run advances the simulation by d.
func (l *Link) Run(d units.TimeDelta) {
	end := l.clock.Now().Add(d)
	for l.clock.Now() < end {
		l.step()
		l.clock.Advance(units.Micros(linkStep))
	}
}

func (l *Link) step() {
	now := l.clock.Now()
	l.sendProbes(now)
	l.addCrossTraffic(now)
	l.sendMedia(now)
	if now >= l.nextFeedback {
		l.deliverFeedback(now)
		l.nextFeedback = now.Add(l.config.FeedbackInterval)
	}
	if now >= l.nextProcess {
		l.controller.OnProcessInterval(bwe.ProcessInterval{AtTime: now})
		l.nextProcess = now.Add(l.config.ProcessInterval)
	}
	if now >= l.nextSample {
		l.samples = append(l.samples, Sample{
			At:         now,
			Target:     l.target,
			Capacity:   l.config.Capacity,
			QueueDelay: l.queueDelay(now),
		})
		l.nextSample = now.Add(l.config.SampleInterval)
	}
}

func (l *Link) sendProbes(now units.Timestamp) {
	n := 0
	for n < len(l.probes) && l.probes[n].at <= now {
		p := l.probes[n]
		l.send(p.at, p.size, p.pacing)
		n++
	}
	l.probes = l.probes[n:]
}

func (l *Link) addCrossTraffic(now units.Timestamp) {
	if l.config.CrossTraffic <= 0 {
		return
	}
	size := l.config.CrossTraffic.Times(units.Micros(linkStep))
	l.busyUntil = units.Max(l.busyUntil, now).Add(size.At(l.config.Capacity))
}

func (l *Link) sendMedia(now units.Timestamp) {
	rate := l.target
	if l.config.MaxMediaRate > 0 {
		rate = units.Min(rate, l.config.MaxMediaRate)
	}
	size := l.config.PacketSize
	l.budget = units.Min(l.budget.Add(rate.Times(units.Micros(linkStep))), size.MulInt(4))
	for l.budget >= size {
		l.budget = l.budget.Sub(size)
		l.send(now, size, bwe.MediaPacketInfo())
	}
}

func (l *Link) send(at units.Timestamp, size units.DataSize, pacing bwe.PacedPacketInfo) {
	l.seq++
	sent := bwe.SentPacket{
		SequenceNumber: l.seq,
		SendTime:       at,
		Size:           size,
		PacingInfo:     pacing,
	}
	l.controller.OnSentPacket(sent)
	l.stats.PacketsSent++

	result := bwe.PacketResult{SentPacket: sent, ReceiveTime: units.TimestampPlusInfinity}
	start := units.Max(l.busyUntil, at)
	queue := start.Sub(at)
	switch {
	case l.config.MaxQueueDelay > 0 && queue > l.config.MaxQueueDelay:
		l.stats.PacketsDropped++
	default:
		l.busyUntil = start.Add(size.At(l.config.Capacity))
		l.stats.MaxQueueDelay = units.Max(l.stats.MaxQueueDelay, queue)
		if l.config.LossRate > 0 && l.rng.Float64() < l.config.LossRate {
			l.stats.PacketsLost++
			break
		}
		result.ReceiveTime = l.busyUntil.Add(l.config.PropagationDelay)
		l.stats.Delivered = l.stats.Delivered.Add(size)
	}
	l.inTransit = append(l.inTransit, result)
}

// deliverFeedback reports every packet up to the newest one the receiver
// had seen when the report left, like transport-wide feedback does.
func (l *Link) deliverFeedback(now units.Timestamp) {
	cutoff := now.SubDelta(l.config.PropagationDelay)
	last := -1
	for i, p := range l.inTransit {
		if p.IsReceived() && p.ReceiveTime <= cutoff {
			last = i
		}
	}
	if last < 0 {
		return
	}
	report := make([]bwe.PacketResult, last+1)
	copy(report, l.inTransit[:last+1])
	l.inTransit = append(l.inTransit[:0], l.inTransit[last+1:]...)
	l.controller.OnTransportPacketsFeedback(bwe.TransportPacketsFeedback{
		FeedbackTime:    now,
		PacketFeedbacks: report,
	})
}

func (l *Link) queueDelay(now units.Timestamp) units.TimeDelta {
	return units.Max(l.busyUntil.Sub(now), 0)
}

// SetCapacity changes the bottleneck rate.
func (l *Link) SetCapacity(rate units.DataRate) {
	if rate > 0 {
		l.config.Capacity = rate
	}
}

// SetLossRate changes the random loss probability.
func (l *Link) SetLossRate(p float64) {
	if p >= 0 && p < 1 {
		l.config.LossRate = p
	}
}

// SetCrossTraffic changes the competing load.
func (l *Link) SetCrossTraffic(rate units.DataRate) {
	l.config.CrossTraffic = rate
}

// SetMaxMediaRate changes the application rate cap. Zero removes it.
func (l *Link) SetMaxMediaRate(rate units.DataRate) {
	l.config.MaxMediaRate = rate
}

// SetPropagationDelay changes the one-way delay of later packets.
func (l *Link) SetPropagationDelay(d units.TimeDelta) {
	if d >= 0 {
		l.config.PropagationDelay = d
	}
}

// Controller returns the controller under test.
func (l *Link) Controller() *bwe.NetworkController {
	return l.controller
}

// Now returns the simulation time.
func (l *Link) Now() units.Timestamp {
	return l.clock.Now()
}

// Target returns the last target rate the controller reported.
func (l *Link) Target() units.DataRate {
	return l.target
}

// Samples returns the recorded samples.
func (l *Link) Samples() []Sample {
	return l.samples
}

// Stats returns the link counters.
func (l *Link) Stats() LinkStats {
	return l.stats
}

// MeanTarget averages the recorded target over [from, to).
func (l *Link) MeanTarget(from, to units.Timestamp) units.DataRate {
	var sum float64
	n := 0
	for _, s := range l.samples {
		if s.At >= from && s.At < to {
			sum += s.Target.BpsFloat()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return units.BitsPerSecFloat(sum / float64(n))
}
