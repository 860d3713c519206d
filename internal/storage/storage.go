// Package storage persists wrapped vault keys and consent token rows.
// Backends hold ciphertext and public metadata only; nothing stored here can
// decrypt a vault without the matching user secret.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrExists       = errors.New("storage: already exists")
	ErrLastWrapper  = errors.New("storage: refusing to delete last wrapper")
	ErrTimeout      = errors.New("storage: timeout")
	ErrUnavailable  = errors.New("storage: unavailable")
	ErrInvalidInput = errors.New("storage: invalid input")
)

// RecoveryMethod is stored on the vault row, never in the wrapper table.
const RecoveryMethod = "recovery"

// WrapperRow is one wrapped copy of a vault key.
type WrapperRow struct {
	ID           string
	UserID       string
	Method       string
	Cipher       crypto.Cipher
	Sealed       crypto.Sealed
	Salt         []byte
	KDF          crypto.KDFParams
	CredentialID []byte // passkey only
	PRFSalt      []byte // passkey only
	CreatedAt    time.Time
}

// VaultRow is the per-user record. Recovery is mandatory and lives here so it
// can only disappear with the row itself.
type VaultRow struct {
	UserID        string
	KeyHash       []byte
	PrimaryMethod string
	Recovery      WrapperRow
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TokenRow struct {
	ID        string
	UserID    string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt time.Time
}

// VaultStore is the persistence contract behind the key wrapper store.
type VaultStore interface {
	// CreateVault inserts the record and the primary wrapper in one write.
	// It returns ErrExists when the user already has a vault.
	CreateVault(ctx context.Context, v VaultRow, primary WrapperRow) error
	GetVault(ctx context.Context, userID string) (VaultRow, error)
	DeleteVault(ctx context.Context, userID string) error

	// PutWrapper upserts by (user, method). The vault must exist.
	PutWrapper(ctx context.Context, w WrapperRow) error
	GetWrapper(ctx context.Context, userID, method string) (WrapperRow, error)
	ListWrappers(ctx context.Context, userID string) ([]WrapperRow, error)
	// DeleteWrapper fails with ErrLastWrapper when method is the only
	// non-recovery wrapper left. The check and the delete are one write.
	DeleteWrapper(ctx context.Context, userID, method string) error
	ReplaceRecovery(ctx context.Context, userID string, w WrapperRow, keyHash []byte) error
}

type TokenStore interface {
	PutToken(ctx context.Context, t TokenRow) error
	GetToken(ctx context.Context, id string) (TokenRow, error)
	// RevokeToken is idempotent; RevokedAt keeps the first revocation time.
	RevokeToken(ctx context.Context, id string, at time.Time) error
	RevokeUserTokens(ctx context.Context, userID string, at time.Time) (int, error)
	PurgeTokens(ctx context.Context, before time.Time) (int, error)
}

// Store is implemented by backends that carry both tables.
type Store interface {
	VaultStore
	TokenStore
	Close() error
}

func validWrapper(w WrapperRow) error {
	switch {
	case w.UserID == "":
		return errors.Join(ErrInvalidInput, errors.New("empty user id"))
	case w.Method == "":
		return errors.Join(ErrInvalidInput, errors.New("empty method"))
	case len(w.Sealed.Ciphertext) == 0 || len(w.Sealed.IV) == 0 || len(w.Sealed.Tag) == 0:
		return errors.Join(ErrInvalidInput, errors.New("incomplete sealed key"))
	}
	return nil
}
