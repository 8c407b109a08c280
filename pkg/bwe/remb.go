package bwe

import (
	"math"

	"github.com/pion/rtcp"

	"github.com/thesyncim/googcc/pkg/units"
)

// REMBPacket represents a REMB (Receiver Estimated Maximum Bitrate) packet.
// This is a convenience wrapper around pion/rtcp.ReceiverEstimatedMaximumBitrate.
type REMBPacket struct {
	// SenderSSRC is the SSRC of the receiver that sent the estimate.
	SenderSSRC uint32

	// Bitrate is the estimated maximum bitrate.
	Bitrate units.DataRate

	// SSRCs is the list of media source SSRCs this estimate applies to.
	SSRCs []uint32
}

// BuildREMB creates a marshaled REMB RTCP packet.
//
// The bitrate is encoded using REMB's mantissa+exponent format:
//   - 6-bit exponent
//   - 18-bit mantissa
//
// This encoding is handled by pion/rtcp.
func BuildREMB(senderSSRC uint32, bitrate units.DataRate, mediaSSRCs []uint32) ([]byte, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrate.BpsFloat()),
		SSRCs:      mediaSSRCs,
	}
	return pkt.Marshal()
}

// ParseREMB parses a REMB packet from raw bytes.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return NewREMBPacket(pkt), nil
}

// NewREMBPacket converts a parsed pion REMB. Bitrates beyond the range of
// DataRate saturate to infinity.
func NewREMBPacket(pkt *rtcp.ReceiverEstimatedMaximumBitrate) *REMBPacket {
	bitrate := units.DataRateInfinity
	if b := float64(pkt.Bitrate); b >= 0 && b < math.MaxInt64/2 {
		bitrate = units.BitsPerSecFloat(b)
	}
	return &REMBPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    bitrate,
		SSRCs:      pkt.SSRCs,
	}
}

// Marshal marshals a REMBPacket to bytes.
func (p *REMBPacket) Marshal() ([]byte, error) {
	return BuildREMB(p.SenderSSRC, p.Bitrate, p.SSRCs)
}

// Report returns the packet as a controller input received at at.
func (p *REMBPacket) Report(at units.Timestamp) RemoteBitrateReport {
	return RemoteBitrateReport{ReceiveTime: at, Bandwidth: p.Bitrate}
}
