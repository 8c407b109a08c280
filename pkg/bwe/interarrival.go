package bwe

import "github.com/thesyncim/googcc/pkg/units"

const (
	// DefaultGroupLength is the send-time span of one packet group.
	// Packets sent within this window are usually one video frame.
	DefaultGroupLength = 5 * 1000 // us

	// burstDeltaThreshold and maxBurstDuration decide when packets that
	// were sent apart but arrived back to back are merged into one group.
	burstDeltaThreshold = 5 * 1000   // us
	maxBurstDuration    = 100 * 1000 // us

	// arrivalTimeOffsetThreshold resets the calculator when the arrival
	// clock jumps.
	arrivalTimeOffsetThreshold = 3 * 1000 * 1000 // us

	reorderedResetThreshold = 3
)

// PacketGroup is a run of packets treated as one delay measurement.
type PacketGroup struct {
	// FirstSendTime is the send time of the first packet in the group.
	FirstSendTime units.Timestamp
	// SendTime is the latest send time in the group.
	SendTime units.Timestamp
	// FirstArrival is the arrival time of the first packet.
	FirstArrival units.Timestamp
	// CompleteTime is the arrival time of the last packet.
	CompleteTime units.Timestamp
	// Size is the total size of the group.
	Size units.DataSize
	// NumPackets is the count of packets in the group.
	NumPackets int
}

func (g *PacketGroup) isFirstPacket() bool {
	return g.NumPackets == 0
}

// GroupDeltas is the difference between two consecutive packet groups.
type GroupDeltas struct {
	SendDelta    units.TimeDelta
	ArrivalDelta units.TimeDelta
	SizeDelta    int64 // bytes
}

// DelayVariation is the change in one-way delay between the two groups.
// Positive values mean the queue grew.
func (d GroupDeltas) DelayVariation() units.TimeDelta {
	return d.ArrivalDelta.Sub(d.SendDelta)
}

// InterArrivalCalculator groups packets by send time and computes the
// send, arrival and size deltas between consecutive groups.
//
// A packet starts a new group when it was sent more than the group length
// after the first packet of the current group, unless it belongs to a burst:
// packets that arrive within 5 ms of the current group and show negative
// propagation delay were held up behind it and are merged.
type InterArrivalCalculator struct {
	groupLength units.TimeDelta

	current  PacketGroup
	previous PacketGroup
	hasPrev  bool

	numConsecutiveReordered int
}

// NewInterArrivalCalculator creates a calculator with the given send-time
// group length. If groupLength is <= 0, DefaultGroupLength (5ms) is used.
func NewInterArrivalCalculator(groupLength units.TimeDelta) *InterArrivalCalculator {
	if groupLength <= 0 {
		groupLength = units.Micros(DefaultGroupLength)
	}
	return &InterArrivalCalculator{groupLength: groupLength}
}

// AddPacket feeds one received packet in arrival order. When the packet
// closes a group, the deltas between the two previous groups are returned
// with ok set.
func (c *InterArrivalCalculator) AddPacket(sendTime, arrival units.Timestamp, size units.DataSize) (deltas GroupDeltas, ok bool) {
	switch {
	case c.current.isFirstPacket():
		c.current.SendTime = sendTime
		c.current.FirstSendTime = sendTime
		c.current.FirstArrival = arrival
	case sendTime < c.current.FirstSendTime:
		// Reordered across a group boundary; ignored.
		return GroupDeltas{}, false
	case c.newGroup(sendTime, arrival):
		if c.hasPrev {
			deltas = GroupDeltas{
				SendDelta:    c.current.SendTime.Sub(c.previous.SendTime),
				ArrivalDelta: c.current.CompleteTime.Sub(c.previous.CompleteTime),
				SizeDelta:    c.current.Size.Bytes() - c.previous.Size.Bytes(),
			}
			if deltas.ArrivalDelta.Sub(deltas.SendDelta) >= units.Micros(arrivalTimeOffsetThreshold) {
				// The arrival clock jumped; the history is useless.
				c.Reset()
				return GroupDeltas{}, false
			}
			if deltas.ArrivalDelta < 0 {
				c.numConsecutiveReordered++
				if c.numConsecutiveReordered >= reorderedResetThreshold {
					c.Reset()
				}
				return GroupDeltas{}, false
			}
			c.numConsecutiveReordered = 0
			ok = true
		}
		c.previous = c.current
		c.hasPrev = true
		c.current = PacketGroup{
			FirstSendTime: sendTime,
			SendTime:      sendTime,
			FirstArrival:  arrival,
		}
	default:
		if sendTime > c.current.SendTime {
			c.current.SendTime = sendTime
		}
	}
	c.current.Size = c.current.Size.Add(size)
	c.current.CompleteTime = arrival
	c.current.NumPackets++
	return deltas, ok
}

func (c *InterArrivalCalculator) newGroup(sendTime, arrival units.Timestamp) bool {
	if c.belongsToBurst(sendTime, arrival) {
		return false
	}
	return sendTime.Sub(c.current.FirstSendTime) > c.groupLength
}

func (c *InterArrivalCalculator) belongsToBurst(sendTime, arrival units.Timestamp) bool {
	arrivalDelta := arrival.Sub(c.current.CompleteTime)
	sendDelta := sendTime.Sub(c.current.SendTime)
	if sendDelta == 0 {
		return true
	}
	propagationDelta := arrivalDelta.Sub(sendDelta)
	return propagationDelta < 0 &&
		arrivalDelta <= units.Micros(burstDeltaThreshold) &&
		arrival.Sub(c.current.FirstArrival) < units.Micros(maxBurstDuration)
}

// Reset clears the calculator state.
func (c *InterArrivalCalculator) Reset() {
	c.current = PacketGroup{}
	c.previous = PacketGroup{}
	c.hasPrev = false
	c.numConsecutiveReordered = 0
}

// CurrentGroup returns the group being accumulated.
func (c *InterArrivalCalculator) CurrentGroup() PacketGroup {
	return c.current
}

// PreviousGroup returns the last completed group and whether one exists.
func (c *InterArrivalCalculator) PreviousGroup() (PacketGroup, bool) {
	return c.previous, c.hasPrev
}
