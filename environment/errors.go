package environment

import "errors"

var (
	// ErrNoRemoteEndpoint indicates a packet was sent before the remote
	// endpoint was known.
	ErrNoRemoteEndpoint = errors.New("remote endpoint not set")

	// ErrEnvironmentClosed indicates the environment socket has been closed.
	ErrEnvironmentClosed = errors.New("environment closed")

	// ErrNilPacketConn indicates a nil socket was handed to NewEnvironment.
	ErrNilPacketConn = errors.New("packet conn cannot be nil")
)
