package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KDFPBKDF2 = "pbkdf2-sha256"
	KDFArgon2 = "argon2id"

	KeySize  = 32
	SaltSize = 16

	// MinIterations is the lowest PBKDF2 iteration count accepted for derivation.
	MinIterations     = 100_000
	DefaultIterations = 100_000

	minArgonMemory = 19 * 1024 // KiB
)

var (
	ErrEmptySecret = errors.New("crypto: empty secret")
	ErrShortSalt   = errors.New("crypto: salt too short")
	ErrWeakKDF     = errors.New("crypto: kdf parameters below minimum")
	ErrUnknownKDF  = errors.New("crypto: unknown kdf algorithm")
)

// KDFParams selects the password-based derivation applied to a wrapper secret.
// For pbkdf2-sha256 Iterations is the iteration count; for argon2id it is the
// time cost and Memory/Threads apply.
type KDFParams struct {
	Algo       string `json:"algorithm"`
	Iterations uint32 `json:"iterations"`
	Memory     uint32 `json:"memory,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

func DefaultKDF() KDFParams {
	return KDFParams{Algo: KDFPBKDF2, Iterations: DefaultIterations}
}

// DefaultArgonKDF mirrors the mobile profile: 64 MiB, 3 passes, 4 lanes.
func DefaultArgonKDF() KDFParams {
	return KDFParams{Algo: KDFArgon2, Iterations: 3, Memory: 64 * 1024, Threads: 4}
}

func (p KDFParams) Validate() error {
	switch p.Algo {
	case KDFPBKDF2:
		if p.Iterations < MinIterations {
			return fmt.Errorf("%w: %d iterations", ErrWeakKDF, p.Iterations)
		}
	case KDFArgon2:
		if p.Iterations < 1 || p.Memory < minArgonMemory || p.Threads < 1 {
			return fmt.Errorf("%w: argon2id t=%d m=%d p=%d", ErrWeakKDF, p.Iterations, p.Memory, p.Threads)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKDF, p.Algo)
	}
	return nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over secret and salt and returns a
// 256-bit key. Identical inputs always produce identical output.
func DeriveKey(secret, salt []byte, iterations int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if len(salt) < SaltSize {
		return nil, ErrShortSalt
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: %d iterations", ErrWeakKDF, iterations)
	}
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New), nil
}

// Derive dispatches on p.Algo.
func Derive(secret, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Algo {
	case KDFArgon2:
		if len(secret) == 0 {
			return nil, ErrEmptySecret
		}
		if len(salt) < SaltSize {
			return nil, ErrShortSalt
		}
		return argon2.IDKey(secret, salt, p.Iterations, p.Memory, p.Threads, KeySize), nil
	default:
		return DeriveKey(secret, salt, int(p.Iterations))
	}
}

// GenerateSalt returns a fresh 128-bit salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// GenerateKey returns a fresh random vault key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
