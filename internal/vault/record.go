package vault

import (
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
)

// Wrapper is one encryption of the vault key under a method-derived key.
// Wrappers are replaced, never edited in place.
type Wrapper struct {
	ID        string
	Binding   Binding
	KDF       crypto.KDFParams
	Salt      []byte
	Cipher    crypto.Cipher
	Sealed    crypto.Sealed
	CreatedAt time.Time
}

func (w *Wrapper) Method() Method { return w.Binding.Method() }

// Record is the stored vault: wrapped material and a key verifier only.
type Record struct {
	UserID        string
	VaultKeyHash  []byte
	PrimaryMethod Method
	Recovery      *Wrapper
	Wrappers      []*Wrapper
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Methods returns the enrolled non-recovery methods followed by recovery.
func (r *Record) Methods() []Method {
	out := make([]Method, 0, len(r.Wrappers)+1)
	for _, w := range r.Wrappers {
		out = append(out, w.Method())
	}
	if r.Recovery != nil {
		out = append(out, Recovery)
	}
	return out
}

func toRow(userID string, w *Wrapper) storage.WrapperRow {
	row := storage.WrapperRow{
		ID:        w.ID,
		UserID:    userID,
		Method:    string(w.Method()),
		Cipher:    w.Cipher,
		Sealed:    w.Sealed,
		Salt:      w.Salt,
		KDF:       w.KDF,
		CreatedAt: w.CreatedAt,
	}
	if pk, ok := w.Binding.(PasskeyBinding); ok {
		row.CredentialID = pk.CredentialID
		row.PRFSalt = pk.PRFSalt
	}
	return row
}

func fromRow(row storage.WrapperRow) (*Wrapper, error) {
	m, err := ParseMethod(row.Method)
	if err != nil {
		return nil, err
	}
	b, err := BindingFor(m, row.CredentialID, row.PRFSalt)
	if err != nil {
		return nil, err
	}
	return &Wrapper{
		ID:        row.ID,
		Binding:   b,
		KDF:       row.KDF,
		Salt:      row.Salt,
		Cipher:    row.Cipher,
		Sealed:    row.Sealed,
		CreatedAt: row.CreatedAt,
	}, nil
}
