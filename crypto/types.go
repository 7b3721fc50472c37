package crypto

type (
	// Signer component for digitally signing data.
	Signer interface {
		// SignBytes signs the data using the private key specified by the Signer.
		// Returns signature bytes or error.
		SignBytes(data []byte) ([]byte, error)
		// SignHash signs an already hashed value.
		SignHash(hash []byte) ([]byte, error)
		// MarshalPrivateKey returns the private key bytes so these could be
		// unmarshalled later to create the Signer.
		MarshalPrivateKey() ([]byte, error)
		// Verifier returns a verifier that verifies using the public key part.
		Verifier() (Verifier, error)
	}

	// Verifier component for verifying signatures.
	Verifier interface {
		// VerifyBytes verifies the bytes against the signature, using the internal public key.
		VerifyBytes(sig []byte, data []byte) error
		// VerifyHash verifies the hash against the signature, using the internal public key.
		VerifyHash(sig []byte, hash []byte) error
		// MarshalPublicKey marshals the verifier public key to compressed bytes.
		MarshalPublicKey() ([]byte, error)
	}
)
