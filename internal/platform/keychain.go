// Package platform holds host integration: the OS keyring used for the token
// signing seed and process hardening.
package platform

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

var ErrKeyNotFound = errors.New("platform: key not in keyring")

type KeychainConfig struct {
	Service string
	// Dir selects the encrypted file backend under Dir. Empty uses the OS
	// keyring (Secret Service, Keychain, WinCred).
	Dir      string
	Password string
}

// Keychain stores small secrets such as the consent token signing seed.
type Keychain struct {
	ring keyring.Keyring
}

func OpenKeychain(cfg KeychainConfig) (*Keychain, error) {
	if cfg.Service == "" {
		cfg.Service = "consentd"
	}
	kc := keyring.Config{ServiceName: cfg.Service}
	if cfg.Dir != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		kc.FileDir = cfg.Dir
		kc.FilePasswordFunc = keyring.FixedStringPrompt(cfg.Password)
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &Keychain{ring: ring}, nil
}

func (k *Keychain) Store(keyID string, secret []byte) error {
	if err := k.ring.Set(keyring.Item{Key: keyID, Data: secret, Label: keyID}); err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

func (k *Keychain) Load(keyID string) ([]byte, error) {
	item, err := k.ring.Get(keyID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	return item.Data, nil
}

// LoadOrCreate returns the stored secret, generating and storing one first
// if keyID is absent.
func (k *Keychain) LoadOrCreate(keyID string, gen func() ([]byte, error)) ([]byte, error) {
	b, err := k.Load(keyID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	b, err = gen()
	if err != nil {
		return nil, err
	}
	if err := k.Store(keyID, b); err != nil {
		return nil, err
	}
	return b, nil
}
