package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// KeySize is the size of the AES-128 key and of the IV mask.
const KeySize = 16

var (
	// ErrInvalidKeySize indicates a key or IV mask that is not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")
)

// FrameCrypto encrypts and decrypts frame payloads with AES-128 in counter
// mode. Each frame uses its own nonce: the IV mask with the low 32 bits of
// the frame id XORed, big-endian, into bytes 8 through 11.
type FrameCrypto struct {
	block  cipher.Block
	ivMask [KeySize]byte
}

// NewFrameCrypto creates a FrameCrypto for one stream.
func NewFrameCrypto(key, ivMask []byte) (*FrameCrypto, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: aes key is %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(ivMask) != KeySize {
		return nil, fmt.Errorf("%w: iv mask is %d bytes", ErrInvalidKeySize, len(ivMask))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}

	c := &FrameCrypto{block: block}
	copy(c.ivMask[:], ivMask)
	return c, nil
}

// Encrypt returns the ciphertext of payload for frameID. The input is not
// modified.
func (c *FrameCrypto) Encrypt(frameID int64, payload []byte) []byte {
	return c.apply(frameID, payload)
}

// Decrypt returns the plaintext of ciphertext for frameID.
func (c *FrameCrypto) Decrypt(frameID int64, ciphertext []byte) []byte {
	return c.apply(frameID, ciphertext)
}

func (c *FrameCrypto) apply(frameID int64, in []byte) []byte {
	nonce := c.nonce(frameID)
	out := make([]byte, len(in))
	cipher.NewCTR(c.block, nonce[:]).XORKeyStream(out, in)
	return out
}

func (c *FrameCrypto) nonce(frameID int64) [KeySize]byte {
	var nonce [KeySize]byte
	binary.BigEndian.PutUint32(nonce[8:12], uint32(frameID))
	for i := range nonce {
		nonce[i] ^= c.ivMask[i]
	}
	return nonce
}
