package crypto

import (
	"errors"
	"runtime"
)

// ErrNothingToWipe is returned by SecureWipe for a nil slice.
var ErrNothingToWipe = errors.New("nothing to wipe")

// SecureWipe overwrites key material in place with zeros.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNothingToWipe
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that hold possibly nil slices.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}
