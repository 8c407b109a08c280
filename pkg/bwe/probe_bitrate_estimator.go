package bwe

import (
	"github.com/thesyncim/googcc/pkg/units"
)

const (
	// Fraction of a cluster's probes and bytes that must arrive before the
	// cluster is evaluated.
	minReceivedProbesRatio = 0.80
	minReceivedBytesRatio  = 0.80

	// Clusters whose receive rate exceeds the send rate by more than this
	// are discarded; the receiver clock or the feedback is unreliable.
	maxValidRatio = 2.0

	// A receive rate below 90% of the send rate means the probe saturated
	// the link, so the result is taken a bit below the receive rate.
	minRatioForUnsaturatedLink = 0.9
	targetUtilizationFraction  = 0.95

	maxClusterHistory = 1000 * 1000 // us
	maxProbeInterval  = 1000 * 1000 // us
)

type aggregatedCluster struct {
	numProbes     int
	firstSend     units.Timestamp
	lastSend      units.Timestamp
	firstReceive  units.Timestamp
	lastReceive   units.Timestamp
	sizeLastSend  units.DataSize
	sizeFirstRecv units.DataSize
	sizeTotal     units.DataSize
}

// ProbeBitrateEstimator turns the feedback of probe clusters into a
// bitrate measurement.
type ProbeBitrateEstimator struct {
	clusters  map[int]*aggregatedCluster
	result    units.DataRate
	hasResult bool
}

// NewProbeBitrateEstimator returns an estimator with no clusters.
func NewProbeBitrateEstimator() *ProbeBitrateEstimator {
	return &ProbeBitrateEstimator{clusters: make(map[int]*aggregatedCluster)}
}

// HandleProbeAndEstimateBitrate accounts one received probe packet and
// returns the cluster's rate once enough of it has arrived.
func (e *ProbeBitrateEstimator) HandleProbeAndEstimateBitrate(p PacketResult) (units.DataRate, bool) {
	id := p.SentPacket.PacingInfo.ProbeClusterID
	if id == NotAProbe {
		return 0, false
	}
	e.eraseOldClusters(p.ReceiveTime)

	c, ok := e.clusters[id]
	if !ok {
		c = &aggregatedCluster{
			firstSend:    units.TimestampPlusInfinity,
			lastSend:     units.TimestampMinusInfinity,
			firstReceive: units.TimestampPlusInfinity,
			lastReceive:  units.TimestampMinusInfinity,
		}
		e.clusters[id] = c
	}
	if p.SentPacket.SendTime < c.firstSend {
		c.firstSend = p.SentPacket.SendTime
	}
	if p.SentPacket.SendTime > c.lastSend {
		c.lastSend = p.SentPacket.SendTime
		c.sizeLastSend = p.SentPacket.Size
	}
	if p.ReceiveTime < c.firstReceive {
		c.firstReceive = p.ReceiveTime
		c.sizeFirstRecv = p.SentPacket.Size
	}
	if p.ReceiveTime > c.lastReceive {
		c.lastReceive = p.ReceiveTime
	}
	c.sizeTotal = c.sizeTotal.Add(p.SentPacket.Size)
	c.numProbes++

	minProbes := int(float64(p.SentPacket.PacingInfo.ProbeClusterMinProbes) * minReceivedProbesRatio)
	minSize := units.Bytes(int64(float64(p.SentPacket.PacingInfo.ProbeClusterMinBytes) * minReceivedBytesRatio))
	if c.numProbes < minProbes || c.sizeTotal < minSize {
		return 0, false
	}

	sendInterval := c.lastSend.Sub(c.firstSend)
	recvInterval := c.lastReceive.Sub(c.firstReceive)
	if sendInterval <= 0 || sendInterval > units.Micros(maxProbeInterval) ||
		recvInterval <= 0 || recvInterval > units.Micros(maxProbeInterval) {
		return 0, false
	}

	// The last packet sent is not covered by the send interval and the
	// first received packet is not covered by the receive interval.
	sendRate := c.sizeTotal.Sub(c.sizeLastSend).Over(sendInterval)
	recvRate := c.sizeTotal.Sub(c.sizeFirstRecv).Over(recvInterval)

	if recvRate.DivBy(sendRate) > maxValidRatio {
		// Drop the cluster so a late duplicate does not retrigger it.
		delete(e.clusters, id)
		return 0, false
	}

	res := units.Min(sendRate, recvRate)
	if recvRate < sendRate.Mul(minRatioForUnsaturatedLink) {
		res = recvRate.Mul(targetUtilizationFraction)
	}
	e.result = res
	e.hasResult = true
	return res, true
}

// FetchAndResetLastEstimatedBitrate returns the latest result once.
func (e *ProbeBitrateEstimator) FetchAndResetLastEstimatedBitrate() (units.DataRate, bool) {
	res, ok := e.result, e.hasResult
	e.result = 0
	e.hasResult = false
	return res, ok
}

func (e *ProbeBitrateEstimator) eraseOldClusters(now units.Timestamp) {
	for id, c := range e.clusters {
		if c.lastReceive.Add(units.Micros(maxClusterHistory)) < now {
			delete(e.clusters, id)
		}
	}
}
