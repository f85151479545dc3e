// Package crypto implements the media encryption used by Cast streams.
//
// Every stream carries its own AES-128 key and IV mask, generated by the
// sender and announced in the OFFER. Frame payloads are encrypted with
// AES-128-CTR; the counter block for a frame is the IV mask with the frame
// id mixed in, so retransmitted packets of the same frame decrypt
// identically and no nonce is ever reused across frames of a stream.
//
//	secrets, err := crypto.GenerateStreamSecrets()
//	if err != nil {
//	    return err
//	}
//	fc, _ := secrets.NewFrameCrypto()
//	ciphertext := fc.Encrypt(int64(frameID), payload)
//
// Key material is derived with HKDF-SHA256 (golang.org/x/crypto/hkdf) and
// can be wiped with ZeroBytes once a stream ends.
package crypto
