// Package interceptor runs send-side Google Congestion Control inside a
// Pion WebRTC interceptor chain.
//
// The interceptor stamps the transport-wide sequence number into outgoing
// RTP packets, turns the transport feedback, REMB and reception reports it
// receives into NetworkController inputs, and reports the resulting target
// rate, pacer config and probe clusters through callbacks. For remote video
// streams it also estimates the jitter buffer delay.
//
// # Quick Start
//
//	m := &webrtc.MediaEngine{}
//	if err := m.RegisterDefaultCodecs(); err != nil {
//	    return err
//	}
//	if err := m.RegisterHeaderExtension(
//	    webrtc.RTPHeaderExtensionCapability{URI: bweint.TransportCCURI},
//	    webrtc.RTPCodecTypeVideo,
//	); err != nil {
//	    return err
//	}
//
//	registry := &interceptor.Registry{}
//	factory, err := bweint.NewGCCInterceptorFactory(
//	    bweint.WithStartBitrate(units.KilobitsPerSec(500)),
//	    bweint.WithOnNewInterceptor(func(_ string, i *bweint.GCCInterceptor) {
//	        i.OnTargetRate(func(t bwe.TargetTransferRate) {
//	            encoder.SetBitrate(t.TargetRate.Bps())
//	        })
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
//
// The receiver must answer with transport-wide feedback, which Chrome does
// whenever transport-wide-cc is negotiated.
//
// # Probing
//
// Probe clusters are requested through OnProbeCluster. The application
// sends them as padding or retransmissions and marks each write with
// WithPacingInfo, so the controller can measure the probe result.
package interceptor
