package messageport

import "errors"

var (
	// ErrPortClosed indicates the port was closed locally or by the peer.
	ErrPortClosed = errors.New("message port closed")

	// ErrUnknownDestination indicates a message addressed to an endpoint the
	// port cannot reach.
	ErrUnknownDestination = errors.New("unknown destination")

	// ErrHandshakeFailed indicates the Noise handshake did not complete.
	ErrHandshakeFailed = errors.New("noise handshake failed")
)
