// Package media defines the identifiers and frame types shared by the
// negotiation, transport and statistics packages: frame ids, RTP media time,
// stream and codec kinds, and the EncodedFrame handed to a sender.
package media
