package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSecret covers every unwrap failure: wrong passphrase, wrong
	// recovery code, mismatched biometric or passkey output, tampered wrapper.
	ErrInvalidSecret             = errors.New("vault: incorrect passphrase or key")
	ErrVaultLocked               = errors.New("vault: locked")
	ErrWrapperNotFound           = errors.New("vault: unlock method not enrolled")
	ErrLastWrapperDeletionDenied = errors.New("vault: cannot remove the last unlock method")
	ErrRecoveryWrapperPinned     = fmt.Errorf("%w: recovery wrapper is removed only with the vault", ErrLastWrapperDeletionDenied)
	ErrIncompleteVault           = errors.New("vault: needs one recovery and one non-recovery wrapper")
	ErrRecoveryBinding           = errors.New("vault: recovery wrapper changes only through recovery rotation")
	ErrVaultExists               = errors.New("vault: already exists")
	ErrVaultNotFound             = errors.New("vault: not found")
	ErrUnknownMethod             = errors.New("vault: unknown unlock method")
	ErrBadBinding                = errors.New("vault: binding incomplete for method")
)
