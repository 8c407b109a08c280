package interceptor

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/internal"
	"github.com/thesyncim/googcc/pkg/units"
)

// remoteStreamTimeout removes remote streams without packets.
const remoteStreamTimeout = 2 * 1000 * 1000 // us

type pacingInfoKey struct{}

// WithPacingInfo marks a write as part of a probe cluster. The interceptor
// reports the packet to the controller with info so the probe result can
// be measured. a may be nil.
func WithPacingInfo(a interceptor.Attributes, info bwe.PacedPacketInfo) interceptor.Attributes {
	if a == nil {
		a = make(interceptor.Attributes)
	}
	a.Set(pacingInfoKey{}, info)
	return a
}

func pacingInfo(a interceptor.Attributes) bwe.PacedPacketInfo {
	if a != nil {
		if info, ok := a.Get(pacingInfoKey{}).(bwe.PacedPacketInfo); ok {
			return info
		}
	}
	return bwe.MediaPacketInfo()
}

// Stats is a snapshot of the congestion controller state.
type Stats struct {
	Target    units.DataRate
	Pacing    units.DataRate
	Padding   units.DataRate
	SendRate  units.DataRate
	Acked     units.DataRate
	Delay     units.DataRate
	RTT       units.TimeDelta
	LossRatio float64
	InFlight  units.DataSize
	State     bwe.BandwidthUsage
}

// GCCInterceptor drives a NetworkController from the RTP and RTCP traffic
// of one PeerConnection.
//
// Local streams that negotiated transport-wide-cc get a shared transport
// sequence number stamped into every packet; each write is reported as a
// sent packet. Incoming transport feedback, REMB and reception reports are
// converted into controller inputs, and a process loop ticks the
// controller. Remote video streams run a JitterEstimator each.
//
// Controller calls are serialized by a mutex. Callbacks registered with
// OnTargetRate and friends run after the mutex is released, on the
// goroutine that produced them.
type GCCInterceptor struct {
	interceptor.NoOp

	log             logging.LeveledLogger
	clock           internal.Clock
	wallClock       func() time.Time
	processInterval time.Duration

	mu          sync.Mutex
	controller  *bwe.NetworkController
	pending     []func()
	scheduler   *bwe.RateUpdateScheduler
	sendRate    *bwe.RateStats
	losses      *lossTracker
	constraints bwe.TargetRateConstraints
	nextSeq     int64
	local       map[uint32]struct{}
	remote      map[uint32]*remoteStream

	target bwe.TargetTransferRate
	pacer  bwe.PacerConfig
	rtt    units.TimeDelta

	onTarget func(bwe.TargetTransferRate)
	onPacer  func(bwe.PacerConfig)
	onProbe  func(bwe.ProbeClusterConfig)
	onWindow func(bwe.CongestionWindow)

	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewGCCInterceptor creates an interceptor outside of a registry.
func NewGCCInterceptor(opts ...Option) (*GCCInterceptor, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newGCCInterceptor(cfg, internal.MonotonicClock{})
}

func newGCCInterceptor(cfg config, clock internal.Clock) (*GCCInterceptor, error) {
	i := &GCCInterceptor{
		log:             cfg.loggerFactory.NewLogger("gcc_interceptor"),
		clock:           clock,
		wallClock:       time.Now,
		processInterval: cfg.processInterval,
		scheduler:       bwe.NewRateUpdateScheduler(cfg.rateUpdates),
		sendRate:        bwe.NewRateStats(bwe.DefaultRateStatsConfig()),
		losses:          newLossTracker(),
		local:           make(map[uint32]struct{}),
		remote:          make(map[uint32]*remoteStream),
		rtt:             units.TimeDeltaPlusInfinity,
		closed:          make(chan struct{}),
	}

	now := clock.Now()
	i.constraints = bwe.TargetRateConstraints{
		AtTime:      now,
		MinDataRate: cfg.minBitrate,
		MaxDataRate: cfg.maxBitrate,
	}
	ctrlOpts := []bwe.ControllerOption{bwe.WithLoggerFactory(cfg.loggerFactory)}
	if cfg.googcc != nil {
		ctrlOpts = append(ctrlOpts, bwe.WithGoogCCConfig(*cfg.googcc))
	}
	c, err := bwe.NewNetworkController(observer{i}, bwe.NetworkControllerConfig{
		Constraints:       i.constraints,
		StartingBandwidth: cfg.startBitrate,
	}, ctrlOpts...)
	if err != nil {
		return nil, err
	}
	i.controller = c
	// Nobody is subscribed yet; the initial decision stays readable
	// through TargetRate and PacerConfig.
	i.pending = nil
	return i, nil
}

// update runs fn with the controller under the lock and dispatches the
// callbacks it produced once the lock is released.
func (i *GCCInterceptor) update(fn func(c *bwe.NetworkController, now units.Timestamp)) {
	i.mu.Lock()
	fn(i.controller, i.clock.Now())
	pending := i.pending
	i.pending = nil
	i.mu.Unlock()

	for _, cb := range pending {
		cb()
	}
}

func (i *GCCInterceptor) start() {
	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.loop()
	})
}

func (i *GCCInterceptor) loop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.process()
		}
	}
}

// process ticks the controller, delivers a target held back by the rate
// update scheduler and drops idle remote streams.
func (i *GCCInterceptor) process() {
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		c.OnProcessInterval(bwe.ProcessInterval{AtTime: now})
		i.maybeDeliverTarget(now)
		for ssrc, s := range i.remote {
			if now.Sub(s.lastPacket) > units.Micros(remoteStreamTimeout) {
				i.log.Debugf("remote stream %d timed out", ssrc)
				delete(i.remote, ssrc)
			}
		}
	})
}

func (i *GCCInterceptor) maybeDeliverTarget(now units.Timestamp) {
	if i.onTarget == nil || i.target.TargetRate == 0 {
		return
	}
	if !i.scheduler.MaybeUpdate(i.target.TargetRate, now) {
		return
	}
	cb, t := i.onTarget, i.target
	i.pending = append(i.pending, func() { cb(t) })
}

// Close stops the process loop.
func (i *GCCInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
	})
	i.wg.Wait()
	return nil
}

// BindLocalStream stamps outgoing packets with the transport-wide sequence
// number and reports them as sent. Streams without the extension pass
// through untouched.
func (i *GCCInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	id := FindTransportCCID(info.RTPHeaderExtensions)
	if id == 0 {
		i.log.Debugf("local stream %d did not negotiate transport-wide-cc", info.SSRC)
		return writer
	}
	i.mu.Lock()
	i.local[info.SSRC] = struct{}{}
	i.mu.Unlock()
	i.start()

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		i.mu.Lock()
		seq := i.nextSeq
		i.nextSeq++
		i.mu.Unlock()

		ext := rtp.TransportCCExtension{TransportSequence: uint16(seq)}
		b, err := ext.Marshal()
		if err != nil {
			return 0, err
		}
		if err := header.SetExtension(id, b); err != nil {
			return 0, err
		}
		n, err := writer.Write(header, payload, attributes)
		if err != nil {
			return n, err
		}
		i.onPacketSent(seq, header.MarshalSize()+len(payload), pacingInfo(attributes))
		return n, nil
	})
}

func (i *GCCInterceptor) onPacketSent(seq int64, size int, info bwe.PacedPacketInfo) {
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		bytes := units.Bytes(int64(size))
		i.sendRate.Update(bytes, now)
		c.OnSentPacket(bwe.SentPacket{
			SequenceNumber: seq,
			SendTime:       now,
			Size:           bytes,
			PacingInfo:     info,
		})
	})
}

// UnbindLocalStream stops accounting reception reports for the stream.
func (i *GCCInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.local, info.SSRC)
	i.losses.remove(info.SSRC)
}

// BindRTCPReader feeds incoming RTCP to the controller. Malformed packets
// are passed on without being interpreted.
func (i *GCCInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	i.start()
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		pkts, err := attr.GetRTCPPackets(b[:n])
		if err != nil {
			i.log.Warnf("malformed RTCP: %v", err)
			return n, attr, nil
		}
		i.handleRTCP(pkts)
		return n, attr, nil
	})
}

func (i *GCCInterceptor) handleRTCP(pkts []rtcp.Packet) {
	wall := i.wallClock()
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.TransportLayerCC:
				i.handleTransportCC(c, p, now)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				c.OnRemoteBitrateReport(bwe.NewREMBPacket(p).Report(now))
			case *rtcp.ReceiverReport:
				i.handleReceptionReports(c, p.Reports, now, wall)
			case *rtcp.SenderReport:
				i.handleReceptionReports(c, p.Reports, now, wall)
			}
		}
	})
}

func (i *GCCInterceptor) handleTransportCC(c *bwe.NetworkController, report *rtcp.TransportLayerCC, now units.Timestamp) {
	if i.nextSeq == 0 {
		return
	}
	buf := getFeedbackSlice()
	defer putFeedbackSlice(buf)

	*buf = appendTransportCC((*buf)[:0], report, i.nextSeq-1)
	i.log.Tracef("transport feedback for %d packets from %d", len(*buf), report.BaseSequenceNumber)
	c.OnTransportPacketsFeedback(bwe.TransportPacketsFeedback{
		FeedbackTime:    now,
		PacketFeedbacks: *buf,
	})
}

func (i *GCCInterceptor) handleReceptionReports(c *bwe.NetworkController, reports []rtcp.ReceptionReport, now units.Timestamp, wall time.Time) {
	for _, r := range reports {
		if _, ok := i.local[r.SSRC]; !ok {
			continue
		}
		if rtt, ok := reportRtt(r, wall); ok {
			i.rtt = rtt
			c.OnRoundTripTimeUpdate(bwe.RoundTripTimeUpdate{ReceiveTime: now, RoundTripTime: rtt})
			for _, s := range i.remote {
				s.estimator.UpdateRtt(rtt)
			}
		}
		if loss, ok := i.losses.update(r, now); ok {
			c.OnTransportLossReport(loss)
		}
	}
}

// BindRemoteStream runs a jitter estimator over remote video streams.
func (i *GCCInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	if !strings.HasPrefix(strings.ToLower(info.MimeType), "video/") {
		return reader
	}
	ssrc, clockRate := info.SSRC, info.ClockRate
	i.mu.Lock()
	i.remote[ssrc] = newRemoteStream(ssrc, clockRate, i.clock, i.clock.Now())
	i.mu.Unlock()
	i.start()

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		header, err := attr.GetRTPHeader(b[:n])
		if err != nil {
			return 0, nil, err
		}
		i.onRemotePacket(ssrc, clockRate, header, n-header.MarshalSize())
		return n, attr, nil
	})
}

func (i *GCCInterceptor) onRemotePacket(ssrc, clockRate uint32, header *rtp.Header, payloadSize int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock.Now()
	s, ok := i.remote[ssrc]
	if !ok {
		s = newRemoteStream(ssrc, clockRate, i.clock, now)
		if !i.rtt.IsInfinite() {
			s.estimator.UpdateRtt(i.rtt)
		}
		i.remote[ssrc] = s
	}
	s.onPacket(header, payloadSize, now)
}

// UnbindRemoteStream forgets the stream.
func (i *GCCInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.remote, info.SSRC)
}

// OnTargetRate registers the target rate callback. Increases are delivered
// at most once per rate update interval; large decreases at once.
func (i *GCCInterceptor) OnTargetRate(f func(bwe.TargetTransferRate)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onTarget = f
}

// OnPacerConfig registers the pacer config callback.
func (i *GCCInterceptor) OnPacerConfig(f func(bwe.PacerConfig)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onPacer = f
}

// OnProbeCluster registers the probe cluster callback. Probe packets are
// written with attributes from WithPacingInfo.
func (i *GCCInterceptor) OnProbeCluster(f func(bwe.ProbeClusterConfig)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onProbe = f
}

// OnCongestionWindow registers the congestion window callback.
func (i *GCCInterceptor) OnCongestionWindow(f func(bwe.CongestionWindow)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onWindow = f
}

// SetConstraints changes the target bounds. Zero values mean the default
// floor and no cap.
func (i *GCCInterceptor) SetConstraints(minRate, maxRate units.DataRate) {
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		i.constraints = bwe.TargetRateConstraints{AtTime: now, MinDataRate: minRate, MaxDataRate: maxRate}
		c.OnTargetRateConstraints(i.constraints)
	})
}

// SetStreamsConfig forwards media-side settings. AtTime is filled in.
func (i *GCCInterceptor) SetStreamsConfig(msg bwe.StreamsConfig) {
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		msg.AtTime = now
		c.OnStreamsConfig(msg)
	})
}

// RouteChanged restarts estimation after the transport switched paths.
func (i *GCCInterceptor) RouteChanged(start units.DataRate) {
	i.update(func(c *bwe.NetworkController, now units.Timestamp) {
		i.constraints.AtTime = now
		c.OnNetworkRouteChange(bwe.NetworkRouteChange{
			AtTime:       now,
			Constraints:  i.constraints,
			StartingRate: start,
		})
	})
}

// TargetRate returns the controller's current target.
func (i *GCCInterceptor) TargetRate() units.DataRate {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target.TargetRate
}

// PacerConfig returns the controller's current pacer config.
func (i *GCCInterceptor) PacerConfig() bwe.PacerConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pacer
}

// JitterDelay returns the jitter buffer delay estimated for a remote
// video stream.
func (i *GCCInterceptor) JitterDelay(ssrc uint32) (units.TimeDelta, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.remote[ssrc]
	if !ok {
		return 0, false
	}
	return s.jitterDelay(), true
}

// Stats returns a snapshot of the controller state.
func (i *GCCInterceptor) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock.Now()
	st := Stats{
		Target:    i.target.TargetRate,
		Pacing:    i.pacer.DataRate,
		Padding:   i.pacer.PadRate,
		RTT:       i.target.NetworkEstimate.RoundTripTime,
		LossRatio: i.target.NetworkEstimate.LossRateRatio,
		InFlight:  i.controller.InFlight(),
		State:     i.controller.OverusingState(),
	}
	st.SendRate, _ = i.sendRate.Rate(now)
	st.Acked, _ = i.controller.AcknowledgedBitrate()
	st.Delay, _ = i.controller.DelayBasedEstimate()
	return st
}

// observer receives controller decisions under the interceptor lock and
// queues the registered callbacks.
type observer struct {
	i *GCCInterceptor
}

func (o observer) OnTargetTransferRate(t bwe.TargetTransferRate) {
	o.i.target = t
	o.i.maybeDeliverTarget(t.AtTime)
}

func (o observer) OnPacerConfig(p bwe.PacerConfig) {
	o.i.pacer = p
	if cb := o.i.onPacer; cb != nil {
		o.i.pending = append(o.i.pending, func() { cb(p) })
	}
}

func (o observer) OnProbeClusterConfig(p bwe.ProbeClusterConfig) {
	if cb := o.i.onProbe; cb != nil {
		o.i.pending = append(o.i.pending, func() { cb(p) })
	}
}

func (o observer) OnCongestionWindow(w bwe.CongestionWindow) {
	if cb := o.i.onWindow; cb != nil {
		o.i.pending = append(o.i.pending, func() { cb(w) })
	}
}
