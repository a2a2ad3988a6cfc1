package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// Payload encryption is AES-256-GCM with the nonce prepended to the
// ciphertext. The cipher key is SHA-256 of the payload key material, which
// lets clients use key material of any length.

// EncryptPayload encrypts plaintext under the payload key
func EncryptPayload(plaintext, payloadKey []byte) ([]byte, error) {
	gcm, err := payloadAEAD(payloadKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errdefs.Internal(err, "failed to generate nonce")
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptPayload decrypts a payload produced by EncryptPayload. All
// failures report the generic decryption error.
func DecryptPayload(encrypted, payloadKey []byte) ([]byte, error) {
	gcm, err := payloadAEAD(payloadKey)
	if err != nil {
		return nil, err
	}

	if len(encrypted) < gcm.NonceSize() {
		return nil, errdefs.Decryption()
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errdefs.Decryption()
	}

	return plaintext, nil
}

// payloadAEAD builds the GCM instance for a payload key
func payloadAEAD(payloadKey []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(payloadKey)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errdefs.Internal(err, "failed to create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Internal(err, "failed to create GCM")
	}

	return gcm, nil
}

// Zeroize overwrites key material in place. Callers use it to bound the
// lifetime of plaintext keys to a single call.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
