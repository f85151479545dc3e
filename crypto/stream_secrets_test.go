package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStreamSecretsIsDeterministic(t *testing.T) {
	a, err := DeriveStreamSecrets([]byte("material"), []byte("salt"))
	require.NoError(t, err)
	b, err := DeriveStreamSecrets([]byte("material"), []byte("salt"))
	require.NoError(t, err)
	c, err := DeriveStreamSecrets([]byte("material"), []byte("other salt"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a.AESKey, a.AESIVMask)
}

func TestGenerateStreamSecretsAreFresh(t *testing.T) {
	a, err := GenerateStreamSecrets()
	require.NoError(t, err)
	b, err := GenerateStreamSecrets()
	require.NoError(t, err)

	assert.NotEqual(t, a.AESKey, b.AESKey)
	assert.NotEqual(t, a.AESIVMask, b.AESIVMask)
}

func TestParseStreamSecrets(t *testing.T) {
	original := testSecrets(t)

	parsed, err := ParseStreamSecrets(original.KeyHex(), original.IVMaskHex())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = ParseStreamSecrets("abcd", original.IVMaskHex())
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = ParseStreamSecrets(original.KeyHex(), "zz"+original.IVMaskHex()[2:])
	assert.Error(t, err)
}

func TestStreamSecretsWipe(t *testing.T) {
	secrets := testSecrets(t)
	secrets.Wipe()

	assert.Equal(t, [KeySize]byte{}, secrets.AESKey)
	assert.Equal(t, [KeySize]byte{}, secrets.AESIVMask)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.ErrorIs(t, SecureWipe(nil), ErrNothingToWipe)
}

func TestFingerprintHidesMaterial(t *testing.T) {
	secrets, err := GenerateStreamSecrets()
	require.NoError(t, err)

	fields := secrets.LogFields()
	keyPrint := fields["aes_key_fingerprint"].(string)
	assert.Len(t, keyPrint, 2*fingerprintSize)
	assert.NotContains(t, secrets.KeyHex(), keyPrint)
	assert.Equal(t, keyPrint, Fingerprint(secrets.AESKey[:]))
	assert.NotEqual(t, keyPrint, fields["aes_iv_mask_fingerprint"])

	assert.Equal(t, "none", Fingerprint(nil))
}
