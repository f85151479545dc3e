// Package limits provides centralized protocol limits for Cast streaming.
// This ensures consistent validation across the transport, control and
// statistics components.
package limits

import (
	"errors"
	"fmt"
	"net"
)

const (
	// MaxUnackedFrames is the fixed span of frame ids a sender may have
	// between its checkpoint and its most recently enqueued frame.
	MaxUnackedFrames = 120

	// MaxRTPPacketSizeIPv4 is the largest RTP datagram that fits an
	// Ethernet MTU once the IPv4 (20) and UDP (8) headers are removed.
	MaxRTPPacketSizeIPv4 = 1500 - 20 - 8

	// MaxRTPPacketSizeIPv6 is the IPv6 (40) equivalent of MaxRTPPacketSizeIPv4.
	MaxRTPPacketSizeIPv6 = 1500 - 40 - 8

	// RTPHeaderSize is the size of the fixed RTP header (no CSRCs, no extensions).
	RTPHeaderSize = 12

	// CastHeaderSize is the size of the Cast payload header that follows the
	// RTP header: flags, frame id, packet id, max packet id, referenced frame id.
	CastHeaderSize = 7

	// AdaptiveLatencyExtensionSize is the size of the optional playout delay
	// change extension carried in the Cast payload header.
	AdaptiveLatencyExtensionSize = 4

	// MaxPacketsPerFrame bounds the packet count of one frame. Packet id
	// 0xFFFF is reserved to mean "all packets" in NACKs.
	MaxPacketsPerFrame = 0xFFFF

	// MaxDatagramSize is the receive buffer size for inbound datagrams.
	MaxDatagramSize = 2048

	// MaxControlMessageSize is the largest control message (OFFER, ANSWER,
	// RPC, ...) accepted from or posted to a message port.
	MaxControlMessageSize = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateControlMessage validates a control message against MaxControlMessageSize.
func ValidateControlMessage(message []byte) error {
	if err := ValidateMessageSize(message, MaxControlMessageSize); err != nil {
		return fmt.Errorf("control message: %w", err)
	}
	return nil
}

// ValidateDatagram validates an inbound RTP/RTCP datagram against MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	if err := ValidateMessageSize(data, MaxDatagramSize); err != nil {
		return fmt.Errorf("datagram: %w", err)
	}
	return nil
}

// MaxRTPPacketSizeFor returns the largest unfragmented RTP datagram for
// traffic sent to ip. Nil and IPv4 (including IPv4-mapped) addresses get the
// IPv4 size.
func MaxRTPPacketSizeFor(ip net.IP) int {
	if ip != nil && ip.To4() == nil {
		return MaxRTPPacketSizeIPv6
	}
	return MaxRTPPacketSizeIPv4
}

// MaxPayloadPerPacket returns how many frame bytes fit in one RTP packet of
// maxPacketSize once the RTP and Cast headers are accounted for. The result
// is zero or negative when the packet size cannot carry any payload.
func MaxPayloadPerPacket(maxPacketSize int, hasExtension bool) int {
	overhead := RTPHeaderSize + CastHeaderSize
	if hasExtension {
		overhead += AdaptiveLatencyExtensionSize
	}
	return maxPacketSize - overhead
}
