package identity

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// Verifier recovers signer addresses from personal-message (EIP-191)
// signatures. When mockSigner is set, verification is bypassed and every
// message is attributed to that address; this exists only for local testing
// and is wired through explicit configuration.
type Verifier struct {
	mockSigner *common.Address
}

// NewVerifier creates a verifier. mockSigner may be empty.
func NewVerifier(mockSigner string) (*Verifier, error) {
	v := &Verifier{}
	if mockSigner != "" {
		if !common.IsHexAddress(mockSigner) {
			return nil, errdefs.Validation("invalid mock signer address: %q", mockSigner)
		}
		addr := common.HexToAddress(mockSigner)
		v.mockSigner = &addr
	}
	return v, nil
}

// RecoverSigner recovers the address that produced a personal-message
// signature over message. The signature is 65 hex-encoded bytes (r||s||v)
// with v accepted as 0/1 or 27/28.
func (v *Verifier) RecoverSigner(message []byte, signature string) (common.Address, error) {
	if v.mockSigner != nil {
		return *v.mockSigner, nil
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, errdefs.Authentication("malformed signature encoding")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errdefs.Authentication("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Normalize V: personal_sign produces 27/28, SigToPub expects 0/1
	recovery := make([]byte, crypto.SignatureLength)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), recovery)
	if err != nil {
		return common.Address{}, errdefs.Authentication("signature recovery failed")
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
