package messageport

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
)

// frameConn is the subset of *websocket.Conn used by the handshake.
type frameConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// noiseChannel seals and opens frames after a completed NN handshake. The
// send side must be serialized by the caller. The receive side is only used
// by the read loop.
type noiseChannel struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func newNNHandshake(initiator bool) (*noise.HandshakeState, error) {
	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return state, nil
}

// performHandshake runs the two NN messages over conn.
// Initiator: -> e. Responder: <- e, ee.
func performHandshake(conn frameConn, initiator bool) (*noiseChannel, error) {
	state, err := newNNHandshake(initiator)
	if err != nil {
		return nil, err
	}
	if initiator {
		return initiatorHandshake(conn, state)
	}
	return responderHandshake(conn, state)
}

func initiatorHandshake(conn frameConn, state *noise.HandshakeState) (*noiseChannel, error) {
	msg1, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: initiator write: %v", ErrHandshakeFailed, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	_, msg2, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	_, sendCipher, recvCipher, err := state.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: initiator read: %v", ErrHandshakeFailed, err)
	}
	if sendCipher == nil || recvCipher == nil {
		return nil, fmt.Errorf("%w: cipher states not available", ErrHandshakeFailed)
	}
	return &noiseChannel{send: sendCipher, recv: recvCipher}, nil
}

func responderHandshake(conn frameConn, state *noise.HandshakeState) (*noiseChannel, error) {
	_, msg1, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := state.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: responder read: %v", ErrHandshakeFailed, err)
	}

	msg2, initiatorCipher, responderCipher, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: responder write: %v", ErrHandshakeFailed, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if initiatorCipher == nil || responderCipher == nil {
		return nil, fmt.Errorf("%w: cipher states not available", ErrHandshakeFailed)
	}
	return &noiseChannel{send: responderCipher, recv: initiatorCipher}, nil
}

func (c *noiseChannel) seal(plaintext []byte) ([]byte, error) {
	return c.send.Encrypt(nil, nil, plaintext)
}

func (c *noiseChannel) open(ciphertext []byte) ([]byte, error) {
	return c.recv.Decrypt(nil, nil, ciphertext)
}
