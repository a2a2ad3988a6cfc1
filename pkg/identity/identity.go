package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/datahive/personal-server/pkg/errdefs"
)

// Identity is a derived per-user server keypair. The private key must not
// outlive the call that uses it; callers never persist it.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  []byte // SEC1 uncompressed: 0x04 || X || Y
	Address    common.Address
}

// Deriver derives deterministic server identities from a server-wide
// mnemonic. The same user address always yields the same identity.
type Deriver struct {
	seed []byte
}

// NewDeriver creates a deriver from a BIP39 mnemonic. Only the english
// wordlist is supported.
func NewDeriver(mnemonic, language string) (*Deriver, error) {
	if language != "" && !strings.EqualFold(language, "english") {
		return nil, fmt.Errorf("unsupported mnemonic language %q", language)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return &Deriver{seed: bip39.NewSeed(mnemonic, "")}, nil
}

// AccountIndex maps a user address onto a BIP44 account index. The index is
// the first four bytes of SHA-256 over the lowercased 0x-hex address string,
// read big-endian, reduced into the non-hardened range.
func AccountIndex(address string) uint32 {
	sum := sha256.Sum256([]byte(strings.ToLower(address)))
	return binary.BigEndian.Uint32(sum[:4]) % (1 << 31)
}

// Derive derives the server identity for a user address at
// m/44'/60'/0'/0/i.
func (d *Deriver) Derive(userAddress string) (*Identity, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, errdefs.Validation("invalid address format: %q", userAddress)
	}

	master, err := hdkeychain.NewMaster(d.seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errdefs.Internal(err, "failed to build master key")
	}

	// m/44'/60'/0'/0/i
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		AccountIndex(userAddress),
	}

	key := master
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, errdefs.Internal(err, "failed to derive child key")
		}
	}

	btcPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, errdefs.Internal(err, "failed to extract private key")
	}
	priv := btcPriv.ToECDSA()

	return &Identity{
		PrivateKey: priv,
		PublicKey:  crypto.FromECDSAPub(&priv.PublicKey),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}
