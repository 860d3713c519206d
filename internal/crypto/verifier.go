package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

const verifierInfo = "consent-protocol/vault-key-verifier/v1"

// KeyVerifier derives a one-way verifier for a vault key. It is safe to
// persist and reveals nothing usable for decryption.
func KeyVerifier(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeySize
	}
	out := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(verifierInfo)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyKey reports whether key matches verifier in constant time.
func VerifyKey(key, verifier []byte) bool {
	got, err := KeyVerifier(key)
	if err != nil {
		return false
	}
	defer Zero(got)
	return subtle.ConstantTimeCompare(got, verifier) == 1
}
