package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

func TestIntegration_RegistryChain(t *testing.T) {
	var created *GCCInterceptor
	f, err := NewGCCInterceptorFactory(WithOnNewInterceptor(func(_ string, i *GCCInterceptor) {
		created = i
	}))
	require.NoError(t, err)

	registry := &interceptor.Registry{}
	registry.Add(f)
	chain, err := registry.Build("pc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	require.NotNil(t, created)

	w := &captureRTPWriter{}
	writer := chain.BindLocalStream(localStreamInfo(), w)
	for k := 0; k < 4; k++ {
		_, err := writer.Write(&rtp.Header{Version: 2, SSRC: testLocalSSRC}, make([]byte, 100), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint16{0, 1, 2, 3}, w.sequences(t))
	assert.Positive(t, created.Stats().InFlight.Bytes())
}

// constantDelayFeedback reports packets sent at sendMs as received with
// the same spacing.
func constantDelayFeedback(base uint16, sendMs []int64) *rtcp.TransportLayerCC {
	fb := receivedFeedback(base, len(sendMs), 0)
	fb.ReferenceTime = uint32(sendMs[0] / 64)
	fb.RecvDeltas[0].Delta = (sendMs[0] % 64) * 1000
	for k := 1; k < len(sendMs); k++ {
		fb.RecvDeltas[k].Delta = (sendMs[k] - sendMs[k-1]) * 1000
	}
	return fb
}

// TestIntegration_FeedbackLoop sends media at the target rate over a
// constant-delay path and returns feedback every 50 ms.
func TestIntegration_FeedbackLoop(t *testing.T) {
	i, clock := newTestInterceptor(t, WithStartBitrate(units.KilobitsPerSec(500)))
	writer := i.BindLocalStream(localStreamInfo(), &captureRTPWriter{})

	var mu sync.Mutex
	var targets []units.DataRate
	i.OnTargetRate(func(tr bwe.TargetTransferRate) {
		mu.Lock()
		defer mu.Unlock()
		targets = append(targets, tr.TargetRate)
	})

	const (
		stepMs     = 5
		feedbackMs = 50
		processMs  = 25
	)
	payload := make([]byte, 1180)
	var budget float64 // bytes
	var base uint16
	var sendMs []int64
	for ms := int64(0); ms < 5000; ms += stepMs {
		budget += i.TargetRate().BpsFloat() / 8 * stepMs / 1000
		for budget >= 1200 {
			budget -= 1200
			if len(sendMs) == 0 {
				base = uint16(i.nextSeq)
			}
			sendMs = append(sendMs, ms)
			_, err := writer.Write(&rtp.Header{Version: 2, SSRC: testLocalSSRC}, payload, nil)
			require.NoError(t, err)
		}
		if ms%feedbackMs == 0 && len(sendMs) > 0 {
			i.handleRTCP([]rtcp.Packet{constantDelayFeedback(base, sendMs)})
			sendMs = sendMs[:0]
		}
		if ms%processMs == 0 {
			i.process()
		}
		clock.Advance(units.Millis(stepMs))
	}

	st := i.Stats()
	assert.Positive(t, st.Acked.Bps(), "acknowledged bitrate is measured")
	assert.GreaterOrEqual(t, st.Target, units.KilobitsPerSec(500), "no congestion on a constant-delay path")
	assert.Equal(t, bwe.BwNormal, st.State)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, targets)
}

func TestIntegration_ConcurrentUse(t *testing.T) {
	i, err := NewGCCInterceptor(WithProcessInterval(time.Millisecond))
	require.NoError(t, err)
	writer := i.BindLocalStream(localStreamInfo(), &captureRTPWriter{})
	i.OnTargetRate(func(bwe.TargetTransferRate) { _ = i.Stats() })

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 200; k++ {
				_, _ = writer.Write(&rtp.Header{Version: 2, SSRC: testLocalSSRC}, make([]byte, 200), nil)
				if k%20 == 0 {
					i.handleRTCP([]rtcp.Packet{receivedFeedback(uint16(k), 10, units.Millis(1))})
				}
			}
		}()
	}
	wg.Wait()
	assert.NoError(t, i.Close())
	assert.Equal(t, int64(800), i.nextSeq)
}
