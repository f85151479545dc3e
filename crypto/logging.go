package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// fingerprintSize is how many digest bytes a fingerprint shows.
const fingerprintSize = 4

// Fingerprint identifies key material in logs without revealing it: the
// first bytes of its SHA-256 digest, in hex. Empty input yields "none".
func Fingerprint(material []byte) string {
	if len(material) == 0 {
		return "none"
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:fingerprintSize])
}

// LogFields describes the secrets for structured logging. Both ends of a
// stream log the same fingerprints, which makes mismatched keys easy to spot.
func (s StreamSecrets) LogFields() logrus.Fields {
	return logrus.Fields{
		"aes_key_fingerprint":     Fingerprint(s.AESKey[:]),
		"aes_iv_mask_fingerprint": Fingerprint(s.AESIVMask[:]),
	}
}
