package interceptor

import (
	"github.com/pion/rtp"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/bwe/internal"
	"github.com/thesyncim/googcc/pkg/bwe/jitter"
	"github.com/thesyncim/googcc/pkg/units"
)

const defaultVideoClockRate = 90000

// remoteStream assembles the frames of one remote video stream and feeds
// their delay variation to a JitterEstimator. Packets of one frame share
// an RTP timestamp; a frame is complete when a packet of a newer frame
// arrives.
//
// remoteStream is guarded by the interceptor mutex.
type remoteStream struct {
	ssrc      uint32
	clockRate int64
	estimator *jitter.JitterEstimator

	seq     bwe.SequenceUnwrapper
	lastSeq int64
	hasSeq  bool

	lastPacket units.Timestamp

	frameStarted    bool
	frameTimestamp  uint32
	frameArrival    units.Timestamp
	frameSize       uint32
	frameIncomplete bool

	hasPrev       bool
	prevTimestamp uint32
	prevArrival   units.Timestamp

	frames int
}

func newRemoteStream(ssrc, clockRate uint32, clock internal.Clock, now units.Timestamp) *remoteStream {
	if clockRate == 0 {
		clockRate = defaultVideoClockRate
	}
	return &remoteStream{
		ssrc:       ssrc,
		clockRate:  int64(clockRate),
		estimator:  jitter.NewJitterEstimator(jitter.DefaultEstimatorConfig(), clock),
		lastPacket: now,
	}
}

// onPacket accounts one packet that arrived at now.
func (s *remoteStream) onPacket(h *rtp.Header, payloadSize int, now units.Timestamp) {
	s.lastPacket = now

	ext := s.seq.Unwrap(h.SequenceNumber)
	if s.hasSeq {
		if ext <= s.lastSeq {
			// Retransmitted or reordered; the frame it belongs to was
			// already accounted as incomplete.
			return
		}
		if ext-s.lastSeq > 1 {
			s.estimator.FrameNacked()
			s.frameIncomplete = true
		}
	}
	s.lastSeq = ext
	s.hasSeq = true

	if s.frameStarted && h.Timestamp != s.frameTimestamp {
		if int32(h.Timestamp-s.frameTimestamp) < 0 {
			return
		}
		s.completeFrame()
	}
	if !s.frameStarted {
		s.frameStarted = true
		s.frameTimestamp = h.Timestamp
		s.frameSize = 0
	}
	s.frameSize += uint32(payloadSize)
	s.frameArrival = now
}

func (s *remoteStream) completeFrame() {
	if s.hasPrev {
		ticks := int64(int32(s.frameTimestamp - s.prevTimestamp))
		if ticks > 0 {
			sendDelta := units.Micros(ticks * 1_000_000 / s.clockRate)
			delay := s.frameArrival.Sub(s.prevArrival).Sub(sendDelta)
			s.estimator.UpdateEstimate(delay, s.frameSize, s.frameIncomplete)
			s.frames++
		}
	}
	s.hasPrev = true
	s.prevTimestamp = s.frameTimestamp
	s.prevArrival = s.frameArrival
	s.frameStarted = false
	s.frameIncomplete = false
}

// jitterDelay returns the jitter buffer delay the stream needs.
func (s *remoteStream) jitterDelay() units.TimeDelta {
	return s.estimator.GetJitterEstimate(1.0, units.TimeDeltaPlusInfinity)
}
