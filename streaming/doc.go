// Package streaming implements reliable delivery of encoded media frames
// over RTP/RTCP.
//
// A Sender owns a fixed window of in-flight frames for one stream. It
// encrypts and packetizes each enqueued frame, hands packets to a shared
// PacketRouter for paced transmission, and reacts to the receiver's Cast
// feedback: checkpoint advances and per-frame ACKs release frames, NACKs
// re-flag lost packets, and a kickstart packet nudges a receiver that has
// lost track of the newest frame.
//
// Wire layout of a media packet:
//
//	RTP header (12 bytes, marker on the last packet of a frame)
//	flags         1 byte  0x80 key frame, 0x40 referenced id, 6-bit extension count
//	frame id      1 byte  truncated
//	packet id     2 bytes
//	max packet id 2 bytes
//	ref frame id  1 byte  truncated
//	extensions    type(6 bits)|size(10 bits), data
//	payload
//
// Receiver feedback travels in compound RTCP: a Receiver Report for round
// trip time, a Cast feedback message (payload-specific feedback, FMT 15,
// "CAST") and a Picture Loss Indication when the receiver needs a key frame.
//
// Every type in this package except the wire codecs must be used from the
// environment's task runner.
package streaming
