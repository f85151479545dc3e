package streaming

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/opd-ai/caststream/media"
	"github.com/pion/rtcp"
)

// AllPacketsLost in a PacketNack means every packet of the frame is missing.
const AllPacketsLost uint16 = 0xFFFF

const (
	castFeedbackFormat = 15
	castFeedbackHeader = 20 // common header, two SSRCs, "CAST", checkpoint fields
	lossFieldSize      = 4
	maxLossFields      = 255
)

var (
	castIdentifier  = [4]byte{'C', 'A', 'S', 'T'}
	cast2Identifier = [4]byte{'C', 'S', 'T', '2'}
)

// PacketNack names a lost packet, or a whole lost frame when PacketID is
// AllPacketsLost.
type PacketNack struct {
	FrameID  media.FrameID
	PacketID uint16
}

// CastFeedback is the receiver's Cast feedback message.
type CastFeedback struct {
	SenderSSRC uint32
	MediaSSRC  uint32

	// CheckpointFrameID is the newest frame for which it and every earlier
	// frame has been received.
	CheckpointFrameID  media.FrameID
	TargetPlayoutDelay time.Duration

	// MissingPackets is sorted by frame id then packet id.
	MissingPackets []PacketNack

	// ReceivedFrames lists complete frames beyond the checkpoint. Only
	// frames from CheckpointFrameID+2 onward can be expressed on the wire.
	ReceivedFrames []media.FrameID

	// FeedbackCount increments with every feedback message sent.
	FeedbackCount uint8
}

// Marshal encodes the feedback as one payload-specific feedback packet.
func (f *CastFeedback) Marshal() ([]byte, error) {
	lossFields, err := buildLossFields(f.MissingPackets)
	if err != nil {
		return nil, err
	}

	ackBits := buildAckBitVector(f.CheckpointFrameID, f.ReceivedFrames)
	cast2Size := 0
	if len(ackBits) > 0 {
		cast2Size = 4 + 2 + len(ackBits)
		cast2Size = (cast2Size + 3) &^ 3
	}

	size := castFeedbackHeader + len(lossFields)*lossFieldSize + cast2Size
	buf := make([]byte, size)

	header := rtcp.Header{
		Count:  castFeedbackFormat,
		Type:   rtcp.TypePayloadSpecificFeedback,
		Length: uint16(size/4 - 1),
	}
	rawHeader, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTCP header: %w", err)
	}
	copy(buf, rawHeader)

	binary.BigEndian.PutUint32(buf[4:], f.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:], f.MediaSSRC)
	copy(buf[12:16], castIdentifier[:])
	buf[16] = f.CheckpointFrameID.Truncate8()
	buf[17] = uint8(len(lossFields))
	delayMs := f.TargetPlayoutDelay.Milliseconds()
	if delayMs > 0xFFFF {
		delayMs = 0xFFFF
	}
	binary.BigEndian.PutUint16(buf[18:], uint16(delayMs))

	offset := castFeedbackHeader
	for _, field := range lossFields {
		buf[offset] = field.frameID.Truncate8()
		binary.BigEndian.PutUint16(buf[offset+1:], field.packetID)
		buf[offset+3] = field.bitmask
		offset += lossFieldSize
	}

	if len(ackBits) > 0 {
		copy(buf[offset:], cast2Identifier[:])
		buf[offset+4] = f.FeedbackCount
		buf[offset+5] = uint8(len(ackBits))
		copy(buf[offset+6:], ackBits)
	}
	return buf, nil
}

type lossField struct {
	frameID  media.FrameID
	packetID uint16
	bitmask  uint8
}

// buildLossFields folds sorted NACKs into loss fields. Each field names one
// packet plus a bitmask of the eight packet ids that follow it.
func buildLossFields(nacks []PacketNack) ([]lossField, error) {
	var fields []lossField
	for i := 0; i < len(nacks); {
		nack := nacks[i]
		i++
		field := lossField{frameID: nack.FrameID, packetID: nack.PacketID}
		if nack.PacketID != AllPacketsLost {
			for i < len(nacks) && nacks[i].FrameID == nack.FrameID &&
				nacks[i].PacketID != AllPacketsLost &&
				nacks[i].PacketID > nack.PacketID && nacks[i].PacketID <= nack.PacketID+8 {
				field.bitmask |= 1 << (nacks[i].PacketID - nack.PacketID - 1)
				i++
			}
		} else {
			for i < len(nacks) && nacks[i].FrameID == nack.FrameID {
				i++
			}
		}
		fields = append(fields, field)
	}
	if len(fields) > maxLossFields {
		return nil, fmt.Errorf("%w: %d", ErrTooManyLossFields, len(fields))
	}
	return fields, nil
}

// buildAckBitVector sets bit n (LSB first) for frame checkpoint+2+n. Frame
// checkpoint+1 is never complete, otherwise it would be the checkpoint.
func buildAckBitVector(checkpoint media.FrameID, received []media.FrameID) []byte {
	var bitsOut []byte
	for _, id := range received {
		bit := int(id - checkpoint - 2)
		if bit < 0 || bit >= 255*8 {
			continue
		}
		for len(bitsOut) <= bit/8 {
			bitsOut = append(bitsOut, 0)
		}
		bitsOut[bit/8] |= 1 << (bit % 8)
	}
	return bitsOut
}

// parseCastFeedback parses a PSFB FMT 15 packet. Truncated frame ids are
// expanded relative to reference, normally the newest enqueued frame.
func parseCastFeedback(buf []byte, reference media.FrameID) (*CastFeedback, error) {
	if len(buf) < castFeedbackHeader || [4]byte(buf[12:16]) != castIdentifier {
		return nil, fmt.Errorf("%w: not a Cast feedback message", ErrMalformedRTCP)
	}

	f := &CastFeedback{
		SenderSSRC:         binary.BigEndian.Uint32(buf[4:]),
		MediaSSRC:          binary.BigEndian.Uint32(buf[8:]),
		CheckpointFrameID:  media.ExpandFrameID(buf[16], reference),
		TargetPlayoutDelay: time.Duration(binary.BigEndian.Uint16(buf[18:])) * time.Millisecond,
	}

	numLossFields := int(buf[17])
	offset := castFeedbackHeader
	if len(buf) < offset+numLossFields*lossFieldSize {
		return nil, fmt.Errorf("%w: loss fields truncated", ErrMalformedRTCP)
	}
	for i := 0; i < numLossFields; i++ {
		frameID := media.ExpandFrameID(buf[offset], f.CheckpointFrameID)
		packetID := binary.BigEndian.Uint16(buf[offset+1:])
		bitmask := buf[offset+3]
		offset += lossFieldSize

		f.MissingPackets = append(f.MissingPackets, PacketNack{FrameID: frameID, PacketID: packetID})
		if packetID == AllPacketsLost {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if bitmask&(1<<bit) != 0 {
				f.MissingPackets = append(f.MissingPackets, PacketNack{
					FrameID:  frameID,
					PacketID: packetID + uint16(bit) + 1,
				})
			}
		}
	}
	f.MissingPackets = sortNacks(f.MissingPackets)

	if len(buf) >= offset+6 && [4]byte(buf[offset:offset+4]) == cast2Identifier {
		f.FeedbackCount = buf[offset+4]
		octets := int(buf[offset+5])
		offset += 6
		if len(buf) < offset+octets {
			return nil, fmt.Errorf("%w: ack bit vector truncated", ErrMalformedRTCP)
		}
		for i, b := range buf[offset : offset+octets] {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					f.ReceivedFrames = append(f.ReceivedFrames, f.CheckpointFrameID+2+media.FrameID(i*8+bit))
				}
			}
		}
	}
	return f, nil
}

// sortNacks orders nacks by frame then packet and drops duplicates, which
// appear when loss fields overlap.
func sortNacks(nacks []PacketNack) []PacketNack {
	sort.Slice(nacks, func(i, j int) bool {
		if nacks[i].FrameID != nacks[j].FrameID {
			return nacks[i].FrameID < nacks[j].FrameID
		}
		return nacks[i].PacketID < nacks[j].PacketID
	})
	return slices.Compact(nacks)
}

// CompoundRTCP holds the packets of one compound RTCP datagram this package
// understands. Anything else is skipped.
type CompoundRTCP struct {
	SenderReports   []*rtcp.SenderReport
	ReceiverReports []*rtcp.ReceiverReport
	Feedback        []*CastFeedback
	PictureLoss     []*rtcp.PictureLossIndication
}

// ParseCompoundRTCP walks a compound RTCP datagram by header length. Cast
// feedback frame ids are expanded relative to reference.
func ParseCompoundRTCP(buf []byte, reference media.FrameID) (*CompoundRTCP, error) {
	result := &CompoundRTCP{}
	for len(buf) > 0 {
		var header rtcp.Header
		if err := header.Unmarshal(buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRTCP, err)
		}
		size := (int(header.Length) + 1) * 4
		if size > len(buf) {
			return nil, fmt.Errorf("%w: packet length %d exceeds %d remaining", ErrMalformedRTCP, size, len(buf))
		}
		packet := buf[:size]
		buf = buf[size:]

		switch header.Type {
		case rtcp.TypeSenderReport:
			sr := &rtcp.SenderReport{}
			if err := sr.Unmarshal(packet); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRTCP, err)
			}
			result.SenderReports = append(result.SenderReports, sr)
		case rtcp.TypeReceiverReport:
			rr := &rtcp.ReceiverReport{}
			if err := rr.Unmarshal(packet); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRTCP, err)
			}
			result.ReceiverReports = append(result.ReceiverReports, rr)
		case rtcp.TypePayloadSpecificFeedback:
			switch header.Count {
			case rtcp.FormatPLI:
				pli := &rtcp.PictureLossIndication{}
				if err := pli.Unmarshal(packet); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedRTCP, err)
				}
				result.PictureLoss = append(result.PictureLoss, pli)
			case castFeedbackFormat:
				feedback, err := parseCastFeedback(packet, reference)
				if err != nil {
					return nil, err
				}
				result.Feedback = append(result.Feedback, feedback)
			}
		}
	}
	return result, nil
}

// Marshaler is any RTCP packet that can serialize itself, including
// CastFeedback and every pion/rtcp packet.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// MarshalCompound serializes packets back to back into one datagram.
func MarshalCompound(packets ...Marshaler) ([]byte, error) {
	var out []byte
	for _, p := range packets {
		raw, err := p.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T: %w", p, err)
		}
		out = append(out, raw...)
	}
	return out, nil
}

// rtcpSenderSSRC returns the SSRC of the first packet's sender, which every
// packet type Cast uses places right after the header.
func rtcpSenderSSRC(buf []byte) (uint32, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[4:8]), true
}
