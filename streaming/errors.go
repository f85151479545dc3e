package streaming

import "errors"

// Enqueue errors. They are reported synchronously and leave the sender
// unchanged; the caller decides whether to drop, delay or re-encode.
var (
	// ErrReachedIDSpanLimit indicates the frame id is too far ahead of the
	// receiver's checkpoint for the in-flight window.
	ErrReachedIDSpanLimit = errors.New("frame id span limit reached")

	// ErrMaxDurationInFlight indicates the media duration in flight would
	// exceed half the playout delay plus half the round trip time.
	ErrMaxDurationInFlight = errors.New("maximum media duration in flight reached")

	// ErrPayloadTooLarge indicates the frame cannot be split into packets
	// under the configured packet size.
	ErrPayloadTooLarge = errors.New("frame payload too large")

	// ErrFrameIDNotIncreasing indicates a frame id at or below the last
	// enqueued one.
	ErrFrameIDNotIncreasing = errors.New("frame id not increasing")
)

// Wire errors.
var (
	// ErrMalformedPacket indicates an RTP packet without a valid Cast header.
	ErrMalformedPacket = errors.New("malformed RTP packet")

	// ErrMalformedRTCP indicates a compound RTCP packet that cannot be walked.
	ErrMalformedRTCP = errors.New("malformed RTCP packet")

	// ErrTooManyLossFields indicates NACKs that do not fit one feedback message.
	ErrTooManyLossFields = errors.New("too many loss fields")
)

// Configuration errors.
var (
	// ErrInvalidConfig indicates a SenderConfig or RouterConfig that fails
	// validation.
	ErrInvalidConfig = errors.New("invalid streaming config")

	// ErrDuplicateSSRC indicates a second sender or receiver registered for
	// an SSRC already in use on the router.
	ErrDuplicateSSRC = errors.New("ssrc already registered")
)
