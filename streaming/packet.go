package streaming

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/opd-ai/caststream/limits"
	"github.com/opd-ai/caststream/media"
	"github.com/pion/rtp"
)

const (
	castFlagKeyFrame       = 0x80
	castFlagHasReferenceID = 0x40
	castExtensionCountMask = 0x3F

	// extensionAdaptiveLatency carries a new playout delay in milliseconds.
	extensionAdaptiveLatency = 1
)

// RTPPacket is a parsed Cast media packet.
type RTPPacket struct {
	SSRC           uint32
	PayloadType    uint8
	SequenceNumber uint16
	RTPTimestamp   uint32
	Marker         bool

	KeyFrame          bool
	FrameID           uint8
	PacketID          uint16
	MaxPacketID       uint16
	ReferencedFrameID uint8

	// NewPlayoutDelay is non-zero when the packet carries the adaptive
	// latency extension.
	NewPlayoutDelay time.Duration

	Payload []byte
}

// Packetizer splits encrypted frames into RTP packets for one stream.
type Packetizer struct {
	payloadType    uint8
	ssrc           uint32
	maxPacketSize  int
	sequenceNumber uint16
}

// NewPacketizer creates a packetizer writing packets of at most maxPacketSize
// bytes.
func NewPacketizer(payloadType media.PayloadType, ssrc uint32, maxPacketSize int) *Packetizer {
	return &Packetizer{
		payloadType:   uint8(payloadType),
		ssrc:          ssrc,
		maxPacketSize: maxPacketSize,
	}
}

// NumPackets returns how many packets frame needs, or zero if it cannot be
// packetized. An empty frame still takes one packet.
func (p *Packetizer) NumPackets(frame *media.EncodedFrame) int {
	perPacket := limits.MaxPayloadPerPacket(p.maxPacketSize, frame.NewPlayoutDelay > 0)
	if perPacket <= 0 {
		return 0
	}
	n := (len(frame.Data) + perPacket - 1) / perPacket
	if n == 0 {
		n = 1
	}
	if n > limits.MaxPacketsPerFrame {
		return 0
	}
	return n
}

// GeneratePacket returns packet packetID of frame. The payload is spread
// evenly across the frame's packets.
func (p *Packetizer) GeneratePacket(frame *media.EncodedFrame, packetID int) ([]byte, error) {
	numPackets := p.NumPackets(frame)
	if numPackets == 0 {
		return nil, ErrPayloadTooLarge
	}
	if packetID < 0 || packetID >= numPackets {
		return nil, fmt.Errorf("packet id %d out of range [0,%d)", packetID, numPackets)
	}

	perPacket := (len(frame.Data) + numPackets - 1) / numPackets
	start := min(packetID*perPacket, len(frame.Data))
	end := min(start+perPacket, len(frame.Data))
	payload := frame.Data[start:end]

	header := rtp.Header{
		Version:        2,
		Marker:         packetID == numPackets-1,
		PayloadType:    p.payloadType,
		SequenceNumber: p.sequenceNumber,
		Timestamp:      frame.RTPTimestamp.Truncate32(),
		SSRC:           p.ssrc,
	}
	p.sequenceNumber++

	hasExtension := frame.NewPlayoutDelay > 0
	castHeaderSize := limits.CastHeaderSize
	if hasExtension {
		castHeaderSize += limits.AdaptiveLatencyExtensionSize
	}

	buf := make([]byte, header.MarshalSize()+castHeaderSize+len(payload))
	n, err := header.MarshalTo(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP header: %w", err)
	}

	flags := byte(castFlagHasReferenceID)
	if frame.IsKeyFrame() {
		flags |= castFlagKeyFrame
	}
	if hasExtension {
		flags |= 1
	}
	cast := buf[n:]
	cast[0] = flags
	cast[1] = frame.FrameID.Truncate8()
	binary.BigEndian.PutUint16(cast[2:4], uint16(packetID))
	binary.BigEndian.PutUint16(cast[4:6], uint16(numPackets-1))
	cast[6] = referencedFrameID(frame).Truncate8()

	offset := limits.CastHeaderSize
	if hasExtension {
		delayMs := frame.NewPlayoutDelay.Milliseconds()
		if delayMs > 0xFFFF {
			delayMs = 0xFFFF
		}
		binary.BigEndian.PutUint16(cast[offset:], extensionAdaptiveLatency<<10|2)
		binary.BigEndian.PutUint16(cast[offset+2:], uint16(delayMs))
		offset += limits.AdaptiveLatencyExtensionSize
	}
	copy(cast[offset:], payload)
	return buf, nil
}

// referencedFrameID is the frame itself for key frames, since a key frame
// depends on nothing earlier.
func referencedFrameID(frame *media.EncodedFrame) media.FrameID {
	if frame.IsKeyFrame() {
		return frame.FrameID
	}
	return frame.ReferencedFrameID
}

// ParseRTPPacket parses a Cast media packet. The payload aliases buf.
func ParseRTPPacket(buf []byte) (*RTPPacket, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	cast := pkt.Payload
	if len(cast) < 6 {
		return nil, fmt.Errorf("%w: cast header truncated", ErrMalformedPacket)
	}

	parsed := &RTPPacket{
		SSRC:           pkt.SSRC,
		PayloadType:    pkt.PayloadType,
		SequenceNumber: pkt.SequenceNumber,
		RTPTimestamp:   pkt.Timestamp,
		Marker:         pkt.Marker,
		KeyFrame:       cast[0]&castFlagKeyFrame != 0,
		FrameID:        cast[1],
		PacketID:       binary.BigEndian.Uint16(cast[2:4]),
		MaxPacketID:    binary.BigEndian.Uint16(cast[4:6]),
	}
	if parsed.PacketID > parsed.MaxPacketID {
		return nil, fmt.Errorf("%w: packet id %d above max %d", ErrMalformedPacket, parsed.PacketID, parsed.MaxPacketID)
	}

	offset := 6
	if cast[0]&castFlagHasReferenceID != 0 {
		if len(cast) < offset+1 {
			return nil, fmt.Errorf("%w: referenced frame id truncated", ErrMalformedPacket)
		}
		parsed.ReferencedFrameID = cast[offset]
		offset++
	} else if parsed.KeyFrame {
		parsed.ReferencedFrameID = parsed.FrameID
	} else {
		parsed.ReferencedFrameID = parsed.FrameID - 1
	}

	for i := 0; i < int(cast[0]&castExtensionCountMask); i++ {
		if len(cast) < offset+2 {
			return nil, fmt.Errorf("%w: extension header truncated", ErrMalformedPacket)
		}
		typeAndSize := binary.BigEndian.Uint16(cast[offset:])
		extType := typeAndSize >> 10
		size := int(typeAndSize & 0x3FF)
		offset += 2
		if len(cast) < offset+size {
			return nil, fmt.Errorf("%w: extension data truncated", ErrMalformedPacket)
		}
		if extType == extensionAdaptiveLatency && size == 2 {
			ms := binary.BigEndian.Uint16(cast[offset:])
			parsed.NewPlayoutDelay = time.Duration(ms) * time.Millisecond
		}
		offset += size
	}

	parsed.Payload = cast[offset:]
	return parsed, nil
}

// IsRTCPPacket reports whether buf looks like RTCP rather than RTP, using the
// packet type byte (RFC 5761 demultiplexing).
func IsRTCPPacket(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return buf[1] >= 200 && buf[1] <= 206
}
