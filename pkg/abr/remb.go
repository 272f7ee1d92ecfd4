package abr

import (
	"github.com/pion/rtcp"
)

// REMBPacket is a decoded Receiver Estimated Maximum Bitrate packet.
type REMBPacket struct {
	SenderSSRC uint32

	// Bitrate is in bits per second.
	Bitrate uint64

	SSRCs []uint32
}

// BuildREMB marshals a REMB RTCP packet announcing bitrateBps for the given
// media SSRCs. REMB uses an 18-bit mantissa with a 6-bit exponent, so large
// values are rounded by the encoding.
func BuildREMB(senderSSRC uint32, bitrateBps uint64, mediaSSRCs []uint32) ([]byte, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
	return pkt.Marshal()
}

// ParseREMB decodes a REMB packet produced by BuildREMB.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return &REMBPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    uint64(pkt.Bitrate),
		SSRCs:      pkt.SSRCs,
	}, nil
}

// KbpsToBps converts a regulator bitrate to bits per second.
func KbpsToBps(kbps int) uint64 {
	if kbps <= 0 {
		return 0
	}
	return uint64(kbps) * 1000
}
