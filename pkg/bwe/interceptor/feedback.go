package interceptor

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/thesyncim/googcc/pkg/bwe"
	"github.com/thesyncim/googcc/pkg/units"
)

// ntpEpochOffset is the number of seconds from the NTP epoch (1900) to the
// Unix epoch.
const ntpEpochOffset = 2208988800

// extendSequence maps a 16-bit transport sequence number to the extended
// sequence space, relative to the newest packet sent.
func extendSequence(seq uint16, newestSent int64) int64 {
	return newestSent + bwe.SeqNumDelta(uint16(newestSent), seq)
}

// appendTransportCC appends one entry per packet status of report to out.
// Receive times are on the receiver's clock: the reference time in 64 ms
// units plus the running sum of the receive deltas. Packets reported as
// not received get an infinite receive time.
func appendTransportCC(out []bwe.PacketResult, report *rtcp.TransportLayerCC, newestSent int64) []bwe.PacketResult {
	base := extendSequence(report.BaseSequenceNumber, newestSent)
	count := int64(report.PacketStatusCount)
	arrival := int64(report.ReferenceTime) * 64 * 1000 // us
	deltaIdx := 0
	idx := int64(0)

	add := func(symbol uint16) bool {
		r := bwe.PacketResult{
			SentPacket:  bwe.SentPacket{SequenceNumber: base + idx},
			ReceiveTime: units.TimestampPlusInfinity,
		}
		if symbol != rtcp.TypeTCCPacketNotReceived {
			if deltaIdx >= len(report.RecvDeltas) {
				return false
			}
			arrival += report.RecvDeltas[deltaIdx].Delta
			deltaIdx++
			r.ReceiveTime = units.TimestampMicros(arrival)
		}
		out = append(out, r)
		idx++
		return true
	}

	for _, chunk := range report.PacketChunks {
		switch chunk := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < chunk.RunLength && idx < count; i++ {
				if !add(chunk.PacketStatusSymbol) {
					return out
				}
			}
		case *rtcp.StatusVectorChunk:
			for _, symbol := range chunk.SymbolList {
				if idx >= count || !add(symbol) {
					return out
				}
			}
		}
	}
	return out
}

// ntpCompact returns the middle 32 bits of the NTP timestamp of t, the
// format of the LSR and DLSR fields of a reception report.
func ntpCompact(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / 1_000_000_000
	return uint32(secs<<16) | uint32(frac>>16)
}

// reportRtt computes the round-trip time of a reception report that
// arrived at now (RFC 3550 section 6.4.1). It fails when the receiver has
// not seen a sender report yet.
func reportRtt(r rtcp.ReceptionReport, now time.Time) (units.TimeDelta, bool) {
	if r.LastSenderReport == 0 {
		return 0, false
	}
	v := int32(ntpCompact(now) - r.LastSenderReport - r.Delay)
	if v <= 0 {
		return 0, false
	}
	return units.Micros(int64(v) * 1_000_000 >> 16), true
}

type lossState struct {
	highestSeq uint32
	totalLost  uint32
	at         units.Timestamp
}

// lossTracker turns the cumulative counters of reception reports into
// per-interval loss reports, per SSRC.
type lossTracker struct {
	last map[uint32]lossState
}

func newLossTracker() *lossTracker {
	return &lossTracker{last: make(map[uint32]lossState)}
}

// update returns the loss since the previous report about the same SSRC.
// The first report only sets the baseline.
func (t *lossTracker) update(r rtcp.ReceptionReport, now units.Timestamp) (bwe.TransportLossReport, bool) {
	prev, seen := t.last[r.SSRC]
	t.last[r.SSRC] = lossState{highestSeq: r.LastSequenceNumber, totalLost: r.TotalLost, at: now}
	if !seen {
		return bwe.TransportLossReport{}, false
	}
	expected := int64(r.LastSequenceNumber) - int64(prev.highestSeq)
	if expected <= 0 {
		return bwe.TransportLossReport{}, false
	}
	lost := min(max(int64(r.TotalLost)-int64(prev.totalLost), 0), expected)
	return bwe.TransportLossReport{
		ReceiveTime:          now,
		StartTime:            prev.at,
		EndTime:              now,
		PacketsLostDelta:     lost,
		PacketsReceivedDelta: expected - lost,
	}, true
}

func (t *lossTracker) remove(ssrc uint32) {
	delete(t.last, ssrc)
}
