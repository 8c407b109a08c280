package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrowserConfig_FieldTrials(t *testing.T) {
	cfg := DefaultBrowserConfig()
	assert.Empty(t, cfg.fieldTrials())

	_, ok := newLauncher(cfg).Get("force-fieldtrials")
	assert.False(t, ok)

	cfg.FieldTrials = map[string]string{
		"WebRTC-Pacer-BlockAudio":         "Disabled",
		"WebRTC-Bwe-ProbingBehavior":      "Enabled",
		"WebRTC-SendSideBwe-WithOverhead": "Enabled",
	}
	want := "WebRTC-Bwe-ProbingBehavior/Enabled/WebRTC-Pacer-BlockAudio/Disabled/WebRTC-SendSideBwe-WithOverhead/Enabled/"
	assert.Equal(t, want, cfg.fieldTrials())

	got, ok := newLauncher(cfg).Get("force-fieldtrials")
	assert.True(t, ok)
	assert.Equal(t, want, got)
}
