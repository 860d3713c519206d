package consent

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues and verifies EdDSA-signed consent tokens.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	iss  string
}

func NewSigner(priv ed25519.PrivateKey, iss string) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub, iss: iss}
}

// NewSignerFromSeed rebuilds a signer from a persisted 32-byte seed.
func NewSignerFromSeed(seed []byte, iss string) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("consent: signing seed must be %d bytes", ed25519.SeedSize)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed), iss), nil
}

// GenerateSeed returns a fresh signing seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Signer) Issuer() string { return s.iss }

type tokenClaims struct {
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

func (s *Signer) sign(id, sub string, scopes []string, iat, exp time.Time) (string, error) {
	claims := tokenClaims{
		Scope: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    s.iss,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
}

// parse checks the signature and issuer only. Time-based claims are left to
// the caller so expiry can be reported as its own error.
func (s *Signer) parse(raw string) (*tokenClaims, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, errors.New("unexpected signing method")
		}
		return s.pub, nil
	}
	var c tokenClaims
	tok, err := jwt.ParseWithClaims(raw, &c, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !tok.Valid {
		return nil, ErrMalformedToken
	}
	switch {
	case c.Issuer != s.iss, c.ID == "", c.Subject == "", c.ExpiresAt == nil, c.IssuedAt == nil, len(c.Scope) == 0:
		return nil, ErrMalformedToken
	}
	return &c, nil
}
