package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names an AEAD suite. Both suites use a 96-bit nonce and a 128-bit tag.
type Cipher string

const (
	AES256GCM        Cipher = "aes-256-gcm"
	ChaCha20Poly1305 Cipher = "chacha20-poly1305"

	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrAuthentication is the only error Open returns for bad input.
	ErrAuthentication = errors.New("crypto: message authentication failed")
	ErrKeySize        = errors.New("crypto: key must be 32 bytes")
	ErrUnknownCipher  = errors.New("crypto: unknown cipher")
)

// Sealed is the output of an AEAD seal with nonce and tag kept as separate fields.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

func ParseCipher(s string) (Cipher, error) {
	switch Cipher(s) {
	case AES256GCM, ChaCha20Poly1305:
		return Cipher(s), nil
	case "":
		return AES256GCM, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCipher, s)
	}
}

func (c Cipher) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	switch c {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, string(c))
	}
}

// Seal encrypts plaintext under key with a freshly drawn random nonce.
func (c Cipher) Seal(plaintext, key []byte) (Sealed, error) {
	a, err := c.aead(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	mustRead(nonce)
	out := a.Seal(nil, nonce, plaintext, nil)
	split := len(out) - a.Overhead()
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		Tag:        out[split:],
	}, nil
}

// Open authenticates and decrypts s. Every failure, including a malformed key,
// returns ErrAuthentication and no plaintext.
func (c Cipher) Open(s Sealed, key []byte) ([]byte, error) {
	a, err := c.aead(key)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(s.IV) != NonceSize || len(s.Tag) != TagSize {
		return nil, ErrAuthentication
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	pt, err := a.Open(buf[:0], s.IV, buf, nil)
	if err != nil {
		Zero(buf)
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Encrypt seals with the default suite.
func Encrypt(plaintext, key []byte) (Sealed, error) { return AES256GCM.Seal(plaintext, key) }

// Decrypt opens with the default suite.
func Decrypt(s Sealed, key []byte) ([]byte, error) { return AES256GCM.Open(s, key) }

// mustRead panics if the system CSPRNG fails; continuing would risk nonce reuse.
func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("crypto: random source failed: " + err.Error())
	}
}
