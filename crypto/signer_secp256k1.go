package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const PrivateKeyLength = 32

var errSignerIsNil = errors.New("signer is nil")

// InMemorySecp256K1Signer holds the private key in memory. Suitable for node
// identity keys loaded at startup; not hardened against memory inspection.
type InMemorySecp256K1Signer struct {
	privKey *btcec.PrivateKey
}

// NewInMemorySecp256K1Signer generates a new key and creates a signer.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &InMemorySecp256K1Signer{privKey: key}, nil
}

// NewInMemorySecp256K1SignerFromKey creates a signer from private key bytes.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	if len(privKey) != PrivateKeyLength {
		return nil, fmt.Errorf("invalid private key length %d, expected %d", len(privKey), PrivateKeyLength)
	}
	key, _ := btcec.PrivKeyFromBytes(privKey)
	return &InMemorySecp256K1Signer{privKey: key}, nil
}

// SignBytes hashes the data with SHA-256 and signs the hash.
func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	hash := sha256.Sum256(data)
	return s.SignHash(hash[:])
}

// SignHash signs an already hashed value. The signature is DER encoded.
func (s *InMemorySecp256K1Signer) SignHash(hash []byte) ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	if len(hash) == 0 {
		return nil, errors.New("hash to sign is empty")
	}
	sig := ecdsa.Sign(s.privKey, hash)
	return sig.Serialize(), nil
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	return s.privKey.Serialize(), nil
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	return NewVerifierSecp256k1(s.privKey.PubKey().SerializeCompressed())
}
