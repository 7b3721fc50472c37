package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// CompressedSecp256K1PublicKeySize is the length of a compressed public key.
const CompressedSecp256K1PublicKeySize = 33

var (
	ErrVerificationFailed = errors.New("signature verification failed")

	errVerifierIsNil = errors.New("verifier is nil")
)

type verifierSecp256k1 struct {
	pubKey *btcec.PublicKey
}

// NewVerifierSecp256k1 creates a verifier from a compressed public key.
func NewVerifierSecp256k1(compressedPubKey []byte) (Verifier, error) {
	if len(compressedPubKey) != CompressedSecp256K1PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d, expected %d", len(compressedPubKey), CompressedSecp256K1PublicKeySize)
	}
	pubKey, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("parsing secp256k1 public key: %w", err)
	}
	return &verifierSecp256k1{pubKey: pubKey}, nil
}

func (v *verifierSecp256k1) VerifyBytes(sig []byte, data []byte) error {
	if v == nil {
		return errVerifierIsNil
	}
	hash := sha256.Sum256(data)
	return v.VerifyHash(sig, hash[:])
}

func (v *verifierSecp256k1) VerifyHash(sig []byte, hash []byte) error {
	if v == nil {
		return errVerifierIsNil
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	if !signature.Verify(hash, v.pubKey) {
		return ErrVerificationFailed
	}
	return nil
}

func (v *verifierSecp256k1) MarshalPublicKey() ([]byte, error) {
	if v == nil {
		return nil, errVerifierIsNil
	}
	return v.pubKey.SerializeCompressed(), nil
}
