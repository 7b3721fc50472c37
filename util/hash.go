package util

import (
	"crypto"
	"crypto/sha256"
)

var Zero256 = make([]byte, sha256.Size)

// Sum hashes the concatenation of the given byte slices with the given algorithm.
func Sum(hashAlgorithm crypto.Hash, data ...[]byte) []byte {
	hasher := hashAlgorithm.New()
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

// Sum256 returns the SHA-256 checksum of the data, the zero hash if data is nil.
func Sum256(data []byte) []byte {
	if data == nil {
		return Zero256
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
