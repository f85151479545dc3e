package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	secretMaterialSize = 32

	keyInfo    = "CASTSTREAM_AES_KEY_V1"
	ivMaskInfo = "CASTSTREAM_AES_IV_MASK_V1"
)

// StreamSecrets holds the per-stream AES key and IV mask announced in an
// OFFER.
type StreamSecrets struct {
	AESKey    [KeySize]byte
	AESIVMask [KeySize]byte
}

// GenerateStreamSecrets draws fresh random material and derives a key and IV
// mask from it.
func GenerateStreamSecrets() (StreamSecrets, error) {
	material := make([]byte, secretMaterialSize)
	salt := make([]byte, secretMaterialSize)
	defer ZeroBytes(material)

	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return StreamSecrets{}, fmt.Errorf("failed to read secret material: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return StreamSecrets{}, fmt.Errorf("failed to read salt: %w", err)
	}
	return DeriveStreamSecrets(material, salt)
}

// DeriveStreamSecrets expands material with HKDF-SHA256 into an AES key and
// an IV mask. The same inputs always produce the same secrets.
func DeriveStreamSecrets(material, salt []byte) (StreamSecrets, error) {
	var secrets StreamSecrets

	keyReader := hkdf.New(sha256.New, material, salt, []byte(keyInfo))
	if _, err := io.ReadFull(keyReader, secrets.AESKey[:]); err != nil {
		return StreamSecrets{}, fmt.Errorf("failed to derive aes key: %w", err)
	}

	ivReader := hkdf.New(sha256.New, material, salt, []byte(ivMaskInfo))
	if _, err := io.ReadFull(ivReader, secrets.AESIVMask[:]); err != nil {
		return StreamSecrets{}, fmt.Errorf("failed to derive iv mask: %w", err)
	}
	return secrets, nil
}

// ParseStreamSecrets decodes the hex strings carried in an OFFER.
func ParseStreamSecrets(keyHex, ivMaskHex string) (StreamSecrets, error) {
	var secrets StreamSecrets
	if err := decodeHexKey(keyHex, secrets.AESKey[:]); err != nil {
		return StreamSecrets{}, fmt.Errorf("aes key: %w", err)
	}
	if err := decodeHexKey(ivMaskHex, secrets.AESIVMask[:]); err != nil {
		return StreamSecrets{}, fmt.Errorf("aes iv mask: %w", err)
	}
	return secrets, nil
}

// KeyHex returns the key as lowercase hex.
func (s StreamSecrets) KeyHex() string { return hex.EncodeToString(s.AESKey[:]) }

// IVMaskHex returns the IV mask as lowercase hex.
func (s StreamSecrets) IVMaskHex() string { return hex.EncodeToString(s.AESIVMask[:]) }

// NewFrameCrypto creates the FrameCrypto for these secrets.
func (s StreamSecrets) NewFrameCrypto() (*FrameCrypto, error) {
	return NewFrameCrypto(s.AESKey[:], s.AESIVMask[:])
}

// Wipe zeroes the key and IV mask.
func (s *StreamSecrets) Wipe() {
	ZeroBytes(s.AESKey[:])
	ZeroBytes(s.AESIVMask[:])
}

func decodeHexKey(s string, out []byte) error {
	if hex.DecodedLen(len(s)) != len(out) {
		return fmt.Errorf("%w: got %d hex characters", ErrInvalidKeySize, len(s))
	}
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return err
	}
	return nil
}
