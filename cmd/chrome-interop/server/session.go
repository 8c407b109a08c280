package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/googcc/pkg/bwe"
	bweint "github.com/thesyncim/googcc/pkg/bwe/interceptor"
	"github.com/thesyncim/googcc/pkg/units"
)

const (
	frameRate     = 30
	videoClock    = 90000
	maxPayload    = 1100 // bytes
	minFrameBytes = 200
)

// session is one peer connection receiving synthetic video.
type session struct {
	id     string
	pc     *webrtc.PeerConnection
	gcc    *bweint.GCCInterceptor
	sender *videoSender
	log    logging.LeveledLogger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func()
	probes    atomic.Int64
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.pc.Close(); err != nil {
			s.log.Warnf("%s: close: %v", s.id, err)
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// SessionStats is the JSON view of one session.
type SessionStats struct {
	ID              string  `json:"id"`
	ConnectionState string  `json:"connection_state"`
	TargetBps       int64   `json:"target_bps"`
	PacingBps       int64   `json:"pacing_bps"`
	PaddingBps      int64   `json:"padding_bps"`
	SendRateBps     int64   `json:"send_rate_bps"`
	AckedBps        int64   `json:"acked_bps"`
	DelayBasedBps   int64   `json:"delay_based_bps"`
	RttMs           int64   `json:"rtt_ms"`
	LossRatio       float64 `json:"loss_ratio"`
	InFlightBytes   int64   `json:"in_flight_bytes"`
	Usage           string  `json:"usage"`
	ProbeClusters   int64   `json:"probe_clusters"`
	FramesSent      int64   `json:"frames_sent"`
	PacketsSent     int64   `json:"packets_sent"`
}

func (s *session) stats() SessionStats {
	st := s.gcc.Stats()
	return SessionStats{
		ID:              s.id,
		ConnectionState: s.pc.ConnectionState().String(),
		TargetBps:       st.Target.BpsOr(0),
		PacingBps:       st.Pacing.BpsOr(0),
		PaddingBps:      st.Padding.BpsOr(0),
		SendRateBps:     st.SendRate.BpsOr(0),
		AckedBps:        st.Acked.BpsOr(0),
		DelayBasedBps:   st.Delay.BpsOr(0),
		RttMs:           st.RTT.MsOr(-1),
		LossRatio:       st.LossRatio,
		InFlightBytes:   st.InFlight.Bytes(),
		Usage:           st.State.String(),
		ProbeClusters:   s.probes.Load(),
		FramesSent:      s.sender.frames.Load(),
		PacketsSent:     s.sender.packets.Load(),
	}
}

// videoSender writes frames of random-looking payload at the target rate,
// spreading each frame's packets at the pacing rate.
type videoSender struct {
	track   *webrtc.TrackLocalStaticRTP
	target  atomic.Int64 // bps
	pacing  atomic.Int64 // bps
	onWrite func(packets int)

	seq       uint16
	timestamp uint32
	payload   []byte

	frames  atomic.Int64
	packets atomic.Int64
}

func newVideoSender(track *webrtc.TrackLocalStaticRTP, start units.DataRate) *videoSender {
	s := &videoSender{
		track:   track,
		payload: make([]byte, maxPayload),
	}
	for i := range s.payload {
		s.payload[i] = byte(i*31 + 7)
	}
	s.setTarget(start)
	return s
}

func (s *videoSender) setTarget(rate units.DataRate) {
	s.target.Store(rate.BpsOr(0))
}

func (s *videoSender) setPacing(rate units.DataRate) {
	s.pacing.Store(rate.BpsOr(0))
}

// frameSize is the share of the target one frame may use.
func (s *videoSender) frameSize() units.DataSize {
	size := units.BitsPerSec(s.target.Load()).Times(units.Micros(1_000_000 / frameRate))
	return units.Max(size, units.Bytes(minFrameBytes))
}

func (s *videoSender) run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / frameRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sendFrame(ctx); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return err
			}
		}
	}
}

func (s *videoSender) sendFrame(ctx context.Context) error {
	remaining := s.frameSize().Bytes()
	pacing := units.BitsPerSec(s.pacing.Load())
	n := 0
	for remaining > 0 {
		size := min(remaining, maxPayload)
		remaining -= size
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				Marker:         remaining == 0,
			},
			Payload: s.payload[:size],
		}
		s.seq++
		if err := s.track.WriteRTP(pkt); err != nil {
			return err
		}
		n++
		if remaining > 0 && pacing > 0 {
			gap := units.Bytes(size).At(pacing).Duration()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(gap):
			}
		}
	}
	s.timestamp += videoClock / frameRate
	s.frames.Add(1)
	s.packets.Add(int64(n))
	if s.onWrite != nil {
		s.onWrite(n)
	}
	return nil
}

// observe routes controller output to the sender, metrics and log.
func (s *session) observe(m *metrics) {
	s.gcc.OnTargetRate(func(t bwe.TargetTransferRate) {
		s.sender.setTarget(t.TargetRate)
		m.recordTarget(s.id, t)
		s.log.Debugf("%s: target %v rtt %v loss %.3f", s.id, t.TargetRate, t.NetworkEstimate.RoundTripTime, t.NetworkEstimate.LossRateRatio)
	})
	s.gcc.OnPacerConfig(func(p bwe.PacerConfig) {
		s.sender.setPacing(p.DataRate)
		m.recordPacer(s.id, p)
	})
	s.gcc.OnProbeCluster(func(p bwe.ProbeClusterConfig) {
		s.probes.Add(1)
		m.recordProbe(s.id, p)
		s.log.Debugf("%s: probe cluster %d at %v", s.id, p.ID, p.TargetDataRate)
	})
	s.sender.onWrite = func(packets int) {
		m.packetsSent.WithLabelValues(s.id).Add(float64(packets))
	}
}
