package bwe

import (
	"sort"

	"github.com/thesyncim/googcc/pkg/units"
)

// NotAProbe is the ProbeClusterID of regular media packets.
const NotAProbe = -1

// PacedPacketInfo describes how the pacer sent a packet.
type PacedPacketInfo struct {
	// ProbeClusterID is the probe cluster the packet belonged to, or
	// NotAProbe.
	ProbeClusterID int
	// ProbeClusterMinProbes is the number of packets the cluster needs
	// before its result is trusted.
	ProbeClusterMinProbes int
	// ProbeClusterMinBytes is the amount of data the cluster needs before
	// its result is trusted.
	ProbeClusterMinBytes int
	// SendBitrate is the rate the pacer was sending at.
	SendBitrate units.DataRate
}

// NewPacedPacketInfo returns pacing info for a probe cluster packet.
func NewPacedPacketInfo(clusterID, minProbes, minBytes int) PacedPacketInfo {
	return PacedPacketInfo{
		ProbeClusterID:        clusterID,
		ProbeClusterMinProbes: minProbes,
		ProbeClusterMinBytes:  minBytes,
	}
}

// MediaPacketInfo returns pacing info for a regular media packet.
func MediaPacketInfo() PacedPacketInfo {
	return PacedPacketInfo{ProbeClusterID: NotAProbe}
}

// IsProbe reports whether the packet belonged to a probe cluster.
func (p PacedPacketInfo) IsProbe() bool {
	return p.ProbeClusterID != NotAProbe
}

// SentPacket describes a packet handed to the network.
type SentPacket struct {
	// SequenceNumber is the unwrapped transport-wide sequence number.
	SequenceNumber int64
	SendTime       units.Timestamp
	Size           units.DataSize
	PacingInfo     PacedPacketInfo
}

// PacketResult is the receiver's verdict on one sent packet.
type PacketResult struct {
	SentPacket SentPacket
	// ReceiveTime is on the receiver's clock. TimestampPlusInfinity means
	// the packet was reported lost.
	ReceiveTime units.Timestamp
}

// IsReceived reports whether the packet reached the receiver.
func (r PacketResult) IsReceived() bool {
	return !r.ReceiveTime.IsPlusInfinity()
}

// hasSendInfo reports whether the packet could be matched to the send
// history.
func (r PacketResult) hasSendInfo() bool {
	return r.SentPacket.SendTime.IsFinite()
}

// TransportPacketsFeedback is one transport-wide feedback report.
type TransportPacketsFeedback struct {
	FeedbackTime    units.Timestamp
	PacketFeedbacks []PacketResult
	// DataInFlight is the amount of unacknowledged data after this report.
	DataInFlight units.DataSize
	// PriorInFlight is the amount before it.
	PriorInFlight units.DataSize
}

// ReceivedWithSendInfo returns the received packets that have send
// information, in feedback order.
func (f TransportPacketsFeedback) ReceivedWithSendInfo() []PacketResult {
	out := make([]PacketResult, 0, len(f.PacketFeedbacks))
	for _, p := range f.PacketFeedbacks {
		if p.IsReceived() && p.hasSendInfo() {
			out = append(out, p)
		}
	}
	return out
}

// LostWithSendInfo returns the lost packets that have send information.
func (f TransportPacketsFeedback) LostWithSendInfo() []PacketResult {
	var out []PacketResult
	for _, p := range f.PacketFeedbacks {
		if !p.IsReceived() && p.hasSendInfo() {
			out = append(out, p)
		}
	}
	return out
}

// SortedByReceiveTime returns the received packets with send information
// ordered by arrival, ties broken by send time and then sequence number.
func (f TransportPacketsFeedback) SortedByReceiveTime() []PacketResult {
	out := f.ReceivedWithSendInfo()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ReceiveTime != b.ReceiveTime {
			return a.ReceiveTime < b.ReceiveTime
		}
		if a.SentPacket.SendTime != b.SentPacket.SendTime {
			return a.SentPacket.SendTime < b.SentPacket.SendTime
		}
		return a.SentPacket.SequenceNumber < b.SentPacket.SequenceNumber
	})
	return out
}

// ProcessInterval is the periodic tick.
type ProcessInterval struct {
	AtTime units.Timestamp
}

// RemoteBitrateReport carries a receiver-side estimate (REMB).
type RemoteBitrateReport struct {
	ReceiveTime units.Timestamp
	Bandwidth   units.DataRate
}

// RoundTripTimeUpdate carries one RTT sample.
type RoundTripTimeUpdate struct {
	ReceiveTime   units.Timestamp
	RoundTripTime units.TimeDelta
	// Smoothed marks samples that were already filtered upstream. They
	// bypass the controller's own RTT filter.
	Smoothed bool
}

// TransportLossReport summarizes loss between two receiver reports.
type TransportLossReport struct {
	ReceiveTime          units.Timestamp
	StartTime            units.Timestamp
	EndTime              units.Timestamp
	PacketsLostDelta     int64
	PacketsReceivedDelta int64
}

// TargetRateConstraints bounds the target rate. A zero MinDataRate means the
// default floor; a zero MaxDataRate means unlimited.
type TargetRateConstraints struct {
	AtTime      units.Timestamp
	MinDataRate units.DataRate
	MaxDataRate units.DataRate
}

// NetworkRouteChange signals that the transport switched paths. A zero
// StartingRate falls back to the configured default minimum bitrate.
type NetworkRouteChange struct {
	AtTime       units.Timestamp
	Constraints  TargetRateConstraints
	StartingRate units.DataRate
}

// StreamsConfig carries media-side settings that affect pacing and probing.
type StreamsConfig struct {
	AtTime units.Timestamp
	// RequestsAlrProbing enables periodic probing while the sender is
	// application limited.
	RequestsAlrProbing bool
	// PacingFactor overrides the pacing multiplier when positive.
	PacingFactor float64
	// MinPacingRate is a floor for the pacer rate.
	MinPacingRate units.DataRate
	// MaxPaddingRate caps padding.
	MaxPaddingRate units.DataRate
	// MaxTotalAllocatedBitrate is the sum of the encoders' max bitrates.
	MaxTotalAllocatedBitrate units.DataRate
}

// NetworkControllerConfig is the immutable initial configuration of a
// NetworkController.
type NetworkControllerConfig struct {
	Constraints       TargetRateConstraints
	StartingBandwidth units.DataRate
}

// NetworkEstimate is the controller's view of the path.
type NetworkEstimate struct {
	AtTime        units.Timestamp
	Bandwidth     units.DataRate
	RoundTripTime units.TimeDelta
	LossRateRatio float64
	// BwePeriod is the expected time for the estimate to recover after a
	// decrease.
	BwePeriod units.TimeDelta
}

// TargetTransferRate is the rate the encoders should target.
type TargetTransferRate struct {
	AtTime          units.Timestamp
	TargetRate      units.DataRate
	NetworkEstimate NetworkEstimate
}

// PacerConfig tells the pacer how fast to send.
type PacerConfig struct {
	AtTime units.Timestamp
	// DataRate is the media send rate.
	DataRate units.DataRate
	// PadRate is the rate padding may fill up to.
	PadRate units.DataRate
	// TimeWindow is the budget window the rates apply over.
	TimeWindow units.TimeDelta
}

// DataWindow returns the media budget per TimeWindow.
func (p PacerConfig) DataWindow() units.DataSize {
	return p.DataRate.Times(p.TimeWindow)
}

// ProbeClusterConfig asks the pacer to send a burst at TargetDataRate.
type ProbeClusterConfig struct {
	AtTime           units.Timestamp
	TargetDataRate   units.DataRate
	TargetDuration   units.TimeDelta
	TargetProbeCount int
	ID               int
}

// CongestionWindow caps the amount of unacknowledged data.
type CongestionWindow struct {
	AtTime     units.Timestamp
	DataWindow units.DataSize
}

// NetworkControllerObserver receives controller decisions. Calls are made
// synchronously from the controller's input methods.
type NetworkControllerObserver interface {
	OnCongestionWindow(CongestionWindow)
	OnPacerConfig(PacerConfig)
	OnProbeClusterConfig(ProbeClusterConfig)
	OnTargetTransferRate(TargetTransferRate)
}
