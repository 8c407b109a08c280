package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/googcc/pkg/bwe"
	bweint "github.com/thesyncim/googcc/pkg/bwe/interceptor"
)

// handleOffer answers a browser offer with a send-only synthetic video track
// whose bitrate follows a GCCInterceptor.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		s.log.Warnf("failed to decode offer: %v", err)
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	sess, err := s.newSession()
	if err != nil {
		s.log.Errorf("failed to create session: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	answer, err := s.negotiate(sess, offer)
	if err != nil {
		s.log.Warnf("%s: negotiation failed: %v", sess.id, err)
		sess.close()
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	s.addSession(sess)
	go func() {
		if err := sess.sender.run(sess.ctx); err != nil {
			s.log.Warnf("%s: sender stopped: %v", sess.id, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		s.log.Warnf("%s: failed to write answer: %v", sess.id, err)
	}
	s.log.Infof("%s: answered, sending video at %v", sess.id, sess.gcc.TargetRate())
}

// newSession builds the media engine, the interceptor chain and the peer
// connection of one call.
func (s *Server) newSession() (*session, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	// Chrome answers with transport-wide feedback only when both the header
	// extension and the transport-cc feedback type are negotiated.
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: bweint.TransportCCURI,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register transport-cc extension: %w", err)
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)

	id := s.newSessionID()
	registry := &interceptor.Registry{}

	opts := []bweint.Option{bweint.WithLoggerFactory(s.config.LoggerFactory)}
	if s.config.StartBitrate > 0 {
		opts = append(opts, bweint.WithStartBitrate(s.config.StartBitrate))
	}
	opts = append(opts,
		bweint.WithMinBitrate(s.config.MinBitrate),
		bweint.WithMaxBitrate(s.config.MaxBitrate),
	)
	var gcc *bweint.GCCInterceptor
	opts = append(opts, bweint.WithOnNewInterceptor(func(_ string, i *bweint.GCCInterceptor) {
		gcc = i
	}))
	factory, err := bweint.NewGCCInterceptorFactory(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcc factory: %w", err)
	}
	registry.Add(factory)

	// Sender reports give Chrome the RTT; its receiver reports give us the
	// fraction lost and RTT back.
	if err := webrtc.ConfigureRTCPReports(registry); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	registry.Add(responder)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if gcc == nil {
		_ = pc.Close()
		return nil, fmt.Errorf("gcc interceptor was not created")
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "googcc")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}
	rtpSender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     id,
		pc:     pc,
		gcc:    gcc,
		sender: newVideoSender(track, gcc.TargetRate()),
		log:    s.log,
		ctx:    ctx,
		cancel: cancel,
	}
	sess.onClose = func() { s.removeSession(id) }
	sess.observe(s.metrics)
	if s.config.MaxBitrate > 0 {
		gcc.SetStreamsConfig(bwe.StreamsConfig{MaxTotalAllocatedBitrate: s.config.MaxBitrate})
	}

	// Reading pulls RTCP through the interceptor chain.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Infof("%s: connection state %s", id, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go sess.close()
		}
	})
	return sess, nil
}

func (s *Server) negotiate(sess *session, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := sess.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(sess.pc)
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return sess.pc.LocalDescription(), nil
}

// handleStats writes a JSON array with one entry per live session.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Sessions()); err != nil {
		s.log.Warnf("failed to write stats: %v", err)
	}
}

func sortSessions(stats []SessionStats) {
	slices.SortFunc(stats, func(a, b SessionStats) int {
		return strings.Compare(a.ID, b.ID)
	})
}
