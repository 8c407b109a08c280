package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/googcc/pkg/units"
)

func sentAt(seq int64, ms int64, size int64) SentPacket {
	return SentPacket{
		SequenceNumber: seq,
		SendTime:       units.TimestampMillis(ms),
		Size:           units.Bytes(size),
		PacingInfo:     MediaPacketInfo(),
	}
}

func feedbackFor(at int64, seqs ...int64) TransportPacketsFeedback {
	fb := TransportPacketsFeedback{FeedbackTime: units.TimestampMillis(at)}
	for _, s := range seqs {
		fb.PacketFeedbacks = append(fb.PacketFeedbacks, PacketResult{
			SentPacket:  SentPacket{SequenceNumber: s},
			ReceiveTime: units.TimestampMillis(at - 10),
		})
	}
	return fb
}

func TestSendHistory_MatchesFeedback(t *testing.T) {
	h := NewSendHistory(0)
	for i := int64(1); i <= 3; i++ {
		h.AddPacket(sentAt(i, 1000+i*10, 1000))
	}
	require.Equal(t, 3, h.Len())
	require.Equal(t, units.Bytes(3000), h.InFlight())

	fb := feedbackFor(1100, 1, 2, 99)
	matched := h.ProcessFeedback(&fb)

	assert.Equal(t, 2, matched)
	assert.Equal(t, units.Bytes(3000), fb.PriorInFlight)
	assert.Equal(t, units.Bytes(1000), fb.DataInFlight)
	assert.Equal(t, units.TimestampMillis(1010), fb.PacketFeedbacks[0].SentPacket.SendTime)
	assert.Equal(t, units.Bytes(1000), fb.PacketFeedbacks[1].SentPacket.Size)
	assert.True(t, fb.PacketFeedbacks[2].SentPacket.SendTime.IsPlusInfinity())
	assert.Len(t, fb.ReceivedWithSendInfo(), 2)
	assert.Equal(t, 1, h.Len())
}

func TestSendHistory_DuplicateFeedbackIsUnmatched(t *testing.T) {
	h := NewSendHistory(0)
	h.AddPacket(sentAt(1, 1000, 500))

	fb := feedbackFor(1050, 1)
	require.Equal(t, 1, h.ProcessFeedback(&fb))

	again := feedbackFor(1100, 1)
	assert.Equal(t, 0, h.ProcessFeedback(&again))
	assert.Zero(t, h.InFlight())
}

func TestSendHistory_ReplacesDuplicateSequence(t *testing.T) {
	h := NewSendHistory(0)
	h.AddPacket(sentAt(5, 1000, 500))
	h.AddPacket(sentAt(5, 1010, 800))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, units.Bytes(800), h.InFlight())
}

func TestSendHistory_ExpiresOldPackets(t *testing.T) {
	h := NewSendHistory(units.Seconds(1))
	h.AddPacket(sentAt(1, 1000, 100))
	h.AddPacket(sentAt(2, 1500, 100))

	// A report 1.2 s after the first send ages it out.
	fb := feedbackFor(2200, 1, 2)
	assert.Equal(t, 1, h.ProcessFeedback(&fb))
	assert.True(t, fb.PacketFeedbacks[0].SentPacket.SendTime.IsPlusInfinity())
	assert.Equal(t, units.TimestampMillis(1500), fb.PacketFeedbacks[1].SentPacket.SendTime)
	assert.Zero(t, h.Len())
}

func TestSendHistory_Reset(t *testing.T) {
	h := NewSendHistory(0)
	h.AddPacket(sentAt(1, 1000, 100))
	h.Reset()

	assert.Zero(t, h.Len())
	assert.Zero(t, h.InFlight())
	assert.Equal(t, units.Micros(DefaultSendHistoryWindow), h.window)
}

func TestSendHistory_ExpiresOldPacketsBehindNewerOnes(t *testing.T) {
	h := NewSendHistory(units.Seconds(1))
	h.AddPacket(sentAt(1, 5000, 100))
	// Sent later but stamped earlier than the window allows.
	h.AddPacket(sentAt(2, 3000, 100))
	h.AddPacket(sentAt(3, 3100, 100))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, units.Bytes(100), h.InFlight())

	fb := feedbackFor(5050, 2, 3, 1)
	assert.Equal(t, 1, h.ProcessFeedback(&fb))
	assert.True(t, fb.PacketFeedbacks[0].SentPacket.SendTime.IsPlusInfinity())
	assert.True(t, fb.PacketFeedbacks[1].SentPacket.SendTime.IsPlusInfinity())
	assert.Equal(t, units.TimestampMillis(5000), fb.PacketFeedbacks[2].SentPacket.SendTime)
}

func TestSendHistory_LeavesCallerSliceUntouched(t *testing.T) {
	h := NewSendHistory(0)
	h.AddPacket(sentAt(1, 1000, 100))

	fb := feedbackFor(1100, 1, 2)
	orig := fb.PacketFeedbacks
	require.Equal(t, 1, h.ProcessFeedback(&fb))

	assert.Equal(t, units.Timestamp(0), orig[0].SentPacket.SendTime)
	assert.Equal(t, units.Timestamp(0), orig[1].SentPacket.SendTime)
	assert.Equal(t, units.TimestampMillis(1000), fb.PacketFeedbacks[0].SentPacket.SendTime)
}
