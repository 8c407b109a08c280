package bwe

import (
	"github.com/gammazero/deque"

	"github.com/thesyncim/googcc/pkg/units"
)

// DefaultSendHistoryWindow is how long sent packets wait for feedback.
const DefaultSendHistoryWindow = 60 * 1000 * 1000 // us

// SendHistory remembers sent packets until feedback about them arrives or
// they age out. Entries older than the window, measured from the newest send
// or feedback time seen, are dropped; feedback about them is stale.
type SendHistory struct {
	window  units.TimeDelta
	packets map[int64]SentPacket
	// order holds sequence numbers sorted by send time.
	order  deque.Deque[historyEntry]
	newest units.Timestamp

	inFlight units.DataSize
}

type historyEntry struct {
	seq      int64
	sendTime units.Timestamp
}

// NewSendHistory creates a history with the given window. A non-positive
// window selects DefaultSendHistoryWindow.
func NewSendHistory(window units.TimeDelta) *SendHistory {
	if window <= 0 {
		window = units.Micros(DefaultSendHistoryWindow)
	}
	h := &SendHistory{
		window:  window,
		packets: make(map[int64]SentPacket),
		newest:  units.TimestampMinusInfinity,
	}
	h.order.SetBaseCap(256)
	return h
}

// AddPacket records a sent packet. A packet whose sequence number is
// already known replaces the earlier entry.
func (h *SendHistory) AddPacket(p SentPacket) {
	if old, ok := h.packets[p.SequenceNumber]; ok {
		h.inFlight = h.inFlight.Sub(old.Size)
		if i := h.order.Index(func(e historyEntry) bool { return e.seq == p.SequenceNumber }); i >= 0 {
			h.order.Remove(i)
		}
	}
	// Sends are nearly always in order, so the scan stops at once.
	i := h.order.Len()
	for i > 0 && h.order.At(i-1).sendTime > p.SendTime {
		i--
	}
	h.order.Insert(i, historyEntry{seq: p.SequenceNumber, sendTime: p.SendTime})
	h.packets[p.SequenceNumber] = p
	h.inFlight = h.inFlight.Add(p.Size)
	h.advance(p.SendTime)
}

// ProcessFeedback fills in send information for every entry of the report
// and removes matched packets from the history. Entries without a match
// get an infinite send time, which excludes them from delay estimation.
// It returns the number of matched entries.
//
// fb.PacketFeedbacks is copied before it is written, so the caller's slice
// is left untouched.
func (h *SendHistory) ProcessFeedback(fb *TransportPacketsFeedback) int {
	h.advance(fb.FeedbackTime)
	cutoff := h.newest.SubDelta(h.window)
	fb.PriorInFlight = h.inFlight
	fb.PacketFeedbacks = append([]PacketResult(nil), fb.PacketFeedbacks...)
	matched := 0
	for i := range fb.PacketFeedbacks {
		r := &fb.PacketFeedbacks[i]
		sent, ok := h.packets[r.SentPacket.SequenceNumber]
		if ok {
			h.remove(sent)
		}
		if !ok || sent.SendTime < cutoff {
			r.SentPacket.SendTime = units.TimestampPlusInfinity
			continue
		}
		r.SentPacket = sent
		matched++
	}
	fb.DataInFlight = h.inFlight
	return matched
}

// remove drops a packet that feedback has accounted for. Its order entry is
// skipped later by advance.
func (h *SendHistory) remove(p SentPacket) {
	delete(h.packets, p.SequenceNumber)
	h.inFlight = h.inFlight.Sub(p.Size)
}

// Len returns the number of packets waiting for feedback.
func (h *SendHistory) Len() int {
	return len(h.packets)
}

// InFlight returns the amount of data waiting for feedback.
func (h *SendHistory) InFlight() units.DataSize {
	return h.inFlight
}

// Reset forgets every packet.
func (h *SendHistory) Reset() {
	clear(h.packets)
	h.order.Clear()
	h.inFlight = 0
	h.newest = units.TimestampMinusInfinity
}

func (h *SendHistory) advance(at units.Timestamp) {
	if at > h.newest {
		h.newest = at
	}
	cutoff := h.newest.SubDelta(h.window)
	for h.order.Len() > 0 {
		e := h.order.Front()
		p, ok := h.packets[e.seq]
		if ok && p.SendTime != e.sendTime {
			// Replaced; the newer entry sits elsewhere in order.
			ok = false
		}
		if ok && p.SendTime >= cutoff {
			break
		}
		h.order.PopFront()
		if ok {
			h.remove(p)
		}
	}
}
