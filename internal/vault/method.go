package vault

import (
	"fmt"

	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
)

// Method is the closed set of unlock methods.
type Method string

const (
	Passphrase Method = "passphrase"
	Biometric  Method = "biometric"
	Passkey    Method = "passkey"
	Recovery   Method = storage.RecoveryMethod
)

// Methods lists every method in display order.
var Methods = []Method{Passphrase, Biometric, Passkey, Recovery}

func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case Passphrase, Biometric, Passkey, Recovery:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

func (m Method) String() string { return string(m) }

// Binding is the method-specific payload of a wrapper. Each method has
// exactly one binding type.
type Binding interface {
	Method() Method
	validate() error
}

type PassphraseBinding struct{}

type RecoveryBinding struct{}

// BiometricBinding wraps under a secret released by the platform keystore
// after a successful biometric check.
type BiometricBinding struct{}

// PasskeyBinding wraps under a WebAuthn PRF output. The credential id and PRF
// salt are public and must be supplied back to the authenticator on unlock.
type PasskeyBinding struct {
	CredentialID []byte
	PRFSalt      []byte
}

func (PassphraseBinding) Method() Method { return Passphrase }
func (RecoveryBinding) Method() Method   { return Recovery }
func (BiometricBinding) Method() Method  { return Biometric }
func (PasskeyBinding) Method() Method    { return Passkey }

func (PassphraseBinding) validate() error { return nil }
func (RecoveryBinding) validate() error   { return nil }
func (BiometricBinding) validate() error  { return nil }

func (b PasskeyBinding) validate() error {
	if len(b.CredentialID) == 0 || len(b.PRFSalt) == 0 {
		return fmt.Errorf("%w: passkey needs credential id and prf salt", ErrBadBinding)
	}
	return nil
}

// BindingFor builds the binding for m. credentialID and prfSalt apply to
// passkeys only and are ignored otherwise.
func BindingFor(m Method, credentialID, prfSalt []byte) (Binding, error) {
	var b Binding
	switch m {
	case Passphrase:
		b = PassphraseBinding{}
	case Recovery:
		b = RecoveryBinding{}
	case Biometric:
		b = BiometricBinding{}
	case Passkey:
		b = PasskeyBinding{CredentialID: credentialID, PRFSalt: prfSalt}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, string(m))
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}
