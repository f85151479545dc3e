package control

import "errors"

// Messaging errors.
var (
	// ErrMessageTimeout indicates no reply arrived before the reply timeout.
	ErrMessageTimeout = errors.New("timed out waiting for reply")

	// ErrMalformedMessage indicates a control message that is not valid JSON
	// or lacks required fields.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrUnknownMessageType indicates a message whose type is not recognized.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrSequenceNumberNotIncreasing indicates a request whose sequence
	// number is not above every previously sent request.
	ErrSequenceNumberNotIncreasing = errors.New("sequence number not increasing")

	// ErrNotARequest indicates SendRequest was given a message type that
	// never receives a reply.
	ErrNotARequest = errors.New("message type does not expect a reply")

	// ErrMessengerClosed indicates the messenger no longer sends or receives.
	ErrMessengerClosed = errors.New("messenger closed")
)

// Offer and answer body errors.
var (
	// ErrInvalidStream indicates a stream entry with missing or bad fields.
	ErrInvalidStream = errors.New("invalid stream")

	// ErrInvalidOffer indicates an OFFER body that is structurally incomplete.
	ErrInvalidOffer = errors.New("invalid offer")

	// ErrInvalidFraction indicates a fraction string that cannot be parsed.
	ErrInvalidFraction = errors.New("invalid fraction")
)

// Error codes carried in the "error" object of invalid replies.
const (
	ErrorCodeNone                 = 0
	ErrorCodeJSONParseError       = 1
	ErrorCodeParameterInvalid     = 2
	ErrorCodeNoStreamSelected     = 3
	ErrorCodeRemotingNotSupported = 4
	ErrorCodeUnknownMessageType   = 5
)
