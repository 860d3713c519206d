package consent

import (
	"errors"

	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

var (
	ErrTokenExpired   = errors.New("consent: token expired")
	ErrTokenRevoked   = errors.New("consent: token revoked")
	ErrScopeDenied    = errors.New("consent: scope not granted")
	ErrMalformedToken = errors.New("consent: malformed token")
	ErrNoScopes       = errors.New("consent: at least one scope is required")
	ErrUnknownScope   = errors.New("consent: unknown scope")
	ErrTokenNotFound  = errors.New("consent: token not found")

	// ErrVaultLocked is returned by Issue when the session is not unlocked.
	ErrVaultLocked = vault.ErrVaultLocked
)
