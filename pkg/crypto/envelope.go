package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// Envelope layout: IV(16) || ephemeral_pubkey(65) || ciphertext || HMAC-SHA256(32).
// The ECDH shared x-coordinate is hashed with SHA-512; the first half keys
// AES-256-CBC, the second half keys the MAC. The MAC covers
// IV || ephemeral_pubkey || ciphertext. This matches the envelope format
// produced by the user's client.
const (
	envelopeIVLen  = 16
	envelopePubLen = 65
	envelopeMACLen = 32
)

// SealEnvelope encrypts a payload key to a recipient public key
// (SEC1 uncompressed) and returns the hex-encoded envelope.
func SealEnvelope(payloadKey []byte, recipientPub []byte) (string, error) {
	pub, err := ethcrypto.UnmarshalPubkey(recipientPub)
	if err != nil {
		return "", errdefs.Validation("invalid recipient public key")
	}

	// Ephemeral keypair for this envelope only
	eph, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return "", errdefs.Internal(err, "failed to generate ephemeral key")
	}

	encKey, macKey := deriveEnvelopeKeys(eph.D.Bytes(), pub)

	iv := make([]byte, envelopeIVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errdefs.Internal(err, "failed to generate IV")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", errdefs.Internal(err, "failed to create cipher")
	}

	padded := pkcs7Pad(payloadKey, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ephPub := ethcrypto.FromECDSAPub(&eph.PublicKey)

	mac := hmacSHA256(macKey)
	mac.Write(iv)
	mac.Write(ephPub)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	sealed := make([]byte, 0, envelopeIVLen+envelopePubLen+len(ciphertext)+envelopeMACLen)
	sealed = append(sealed, iv...)
	sealed = append(sealed, ephPub...)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	return hex.EncodeToString(sealed), nil
}

// DecryptEnvelope recovers the payload key from a hex-encoded envelope using
// the recipient private key. MAC and padding failures are reported with the
// same generic error so they cannot be told apart.
func DecryptEnvelope(sealedHex string, recipient *ecdsa.PrivateKey) ([]byte, error) {
	sealed, err := hex.DecodeString(strings.TrimPrefix(sealedHex, "0x"))
	if err != nil {
		return nil, errdefs.Decryption()
	}

	minLen := envelopeIVLen + envelopePubLen + aes.BlockSize + envelopeMACLen
	if len(sealed) < minLen {
		return nil, errdefs.Decryption()
	}

	iv := sealed[:envelopeIVLen]
	ephPubBytes := sealed[envelopeIVLen : envelopeIVLen+envelopePubLen]
	ciphertext := sealed[envelopeIVLen+envelopePubLen : len(sealed)-envelopeMACLen]
	tag := sealed[len(sealed)-envelopeMACLen:]

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errdefs.Decryption()
	}

	ephPub, err := ethcrypto.UnmarshalPubkey(ephPubBytes)
	if err != nil {
		return nil, errdefs.Decryption()
	}

	encKey, macKey := deriveEnvelopeKeys(recipient.D.Bytes(), ephPub)

	mac := hmacSHA256(macKey)
	mac.Write(iv)
	mac.Write(ephPubBytes)
	mac.Write(ciphertext)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, errdefs.Decryption()
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errdefs.Decryption()
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := pkcs7Unpad(plaintext, aes.BlockSize)
	if !ok {
		return nil, errdefs.Decryption()
	}

	return unpadded, nil
}

// deriveEnvelopeKeys performs ECDH and splits SHA-512 of the shared
// x-coordinate into encryption and MAC keys.
func deriveEnvelopeKeys(scalar []byte, pub *ecdsa.PublicKey) (encKey, macKey []byte) {
	x, _ := ethcrypto.S256().ScalarMult(pub.X, pub.Y, scalar)

	shared := make([]byte, 32)
	x.FillBytes(shared)

	h := sha512.Sum512(shared)
	return h[:32], h[32:]
}

// hmacSHA256 returns an HMAC-SHA256 instance keyed with key
func hmacSHA256(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// pkcs7Pad pads data to a multiple of blockSize
func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

// pkcs7Unpad strips and verifies PKCS#7 padding
func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, false
		}
	}
	return data[:len(data)-pad], true
}
