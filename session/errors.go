package session

import (
	"errors"
	"fmt"

	"github.com/opd-ai/caststream/control"
)

var (
	// ErrParameterInvalid indicates capture configurations that cannot be
	// offered. Nothing is sent to the receiver.
	ErrParameterInvalid = errors.New("invalid negotiation parameters")

	// ErrAnswerTimeout indicates the receiver did not answer in time.
	ErrAnswerTimeout = errors.New("timed out waiting for answer")

	// ErrInvalidAnswer indicates a reply that could not be interpreted.
	ErrInvalidAnswer = errors.New("invalid answer")

	// ErrNoStreamSelected indicates a valid answer that selected neither an
	// audio nor a video stream.
	ErrNoStreamSelected = errors.New("receiver selected no streams")

	// ErrRemotingNotSupported indicates the receiver cannot do remoting.
	ErrRemotingNotSupported = errors.New("remoting not supported by receiver")

	// ErrSessionClosed indicates use of a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidConfig indicates a session configuration that fails
	// validation.
	ErrInvalidConfig = errors.New("invalid session config")
)

// ReceiverError is an error reported by the receiver in an invalid reply.
type ReceiverError struct {
	Code        int
	Description string
}

func (e *ReceiverError) Error() string {
	return fmt.Sprintf("receiver error %d: %s", e.Code, e.Description)
}

// Is lets errors.Is match a ReceiverError against the session sentinels that
// share its meaning.
func (e *ReceiverError) Is(target error) bool {
	switch target {
	case ErrNoStreamSelected:
		return e.Code == control.ErrorCodeNoStreamSelected
	case ErrRemotingNotSupported:
		return e.Code == control.ErrorCodeRemotingNotSupported
	}
	return false
}
