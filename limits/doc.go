// Package limits provides centralized protocol constants and size validation
// for the Cast streaming implementation.
//
// # Frame Window
//
// MaxUnackedFrames (120) is the fixed size of the sender's in-flight window:
// the distance between the checkpoint frame (everything at or before it is
// acknowledged or canceled) and the most recently enqueued frame never exceeds
// it. The sender's pending frame slots are sized from this constant.
//
// # Packet Sizes
//
// RTP packets are sized to avoid IP fragmentation on Ethernet:
//
//   - MaxRTPPacketSizeIPv4 (1472 bytes): 1500 - IPv4 header - UDP header.
//   - MaxRTPPacketSizeIPv6 (1452 bytes): 1500 - IPv6 header - UDP header.
//
// MaxRTPPacketSizeFor picks between the two from the peer's address family.
// MaxPayloadPerPacket subtracts the RTP and Cast headers to give the frame
// bytes carried per packet.
//
// # Validation Functions
//
//	err := limits.ValidateControlMessage(message)
//	if err != nil {
//	    // Handle validation error (ErrMessageEmpty or ErrMessageTooLarge)
//	}
//
// ValidateControlMessage and ValidateDatagram wrap ValidateMessageSize. For
// other size limits, call it directly:
//
//	err := limits.ValidateMessageSize(data, 4096)
package limits
