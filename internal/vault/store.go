package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hushh-labs/consent-protocol-sub006/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
)

// WrapperStore wraps vault keys under per-method secrets and persists the
// result. It never stores or returns an unwrapped key except from Unwrap.
type WrapperStore struct {
	store   storage.VaultStore
	engine  *crypto.Engine
	timeout time.Duration
	audit   audit.Sink
	log     zerolog.Logger
	derive  func(secret, salt []byte, p crypto.KDFParams) ([]byte, error)
}

type Option func(*WrapperStore)

func WithEngine(e *crypto.Engine) Option { return func(s *WrapperStore) { s.engine = e } }

// WithTimeout sets the per-call storage bound used when the caller's context
// has no deadline.
func WithTimeout(d time.Duration) Option { return func(s *WrapperStore) { s.timeout = d } }

func WithAudit(a audit.Sink) Option { return func(s *WrapperStore) { s.audit = a } }

func WithLogger(l zerolog.Logger) Option { return func(s *WrapperStore) { s.log = l } }

func NewWrapperStore(st storage.VaultStore, opts ...Option) *WrapperStore {
	s := &WrapperStore{
		store:   st,
		engine:  crypto.DefaultEngine(),
		timeout: storage.DefaultTimeout,
		audit:   audit.Nop(),
		log:     zerolog.Nop(),
		derive:  crypto.Derive,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *WrapperStore) record(ctx context.Context, e audit.Event) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("event", string(e.Kind)).Msg("audit sink failed")
	}
}

// burnSalt feeds the dummy derivation run when no wrapper exists.
var burnSalt = make([]byte, crypto.SaltSize)

// burn spends one derivation under the engine KDF so a missing user or
// method costs the same as a wrong secret.
func (s *WrapperStore) burn(secret []byte) {
	if len(secret) == 0 {
		secret = []byte{0}
	}
	if kek, err := s.derive(secret, burnSalt, s.engine.KDF); err == nil {
		crypto.Zero(kek)
	}
}

// Wrap encrypts vaultKey under a key derived from secret with a fresh salt.
// The secret bytes are used exactly as given.
func (s *WrapperStore) Wrap(vaultKey []byte, b Binding, secret []byte) (*Wrapper, error) {
	if len(vaultKey) != crypto.KeySize {
		return nil, crypto.ErrKeySize
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	kek, err := s.derive(secret, salt, s.engine.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(kek)
	sealed, err := s.engine.Cipher.Seal(vaultKey, kek)
	if err != nil {
		return nil, err
	}
	w := &Wrapper{
		ID:        uuid.NewString(),
		Binding:   b,
		KDF:       s.engine.KDF,
		Salt:      salt,
		Cipher:    s.engine.Cipher,
		Sealed:    sealed,
		CreatedAt: time.Now().UTC(),
	}
	return w, nil
}

// Unwrap recovers the vault key. Every failure is ErrInvalidSecret.
func (s *WrapperStore) Unwrap(w *Wrapper, secret []byte) ([]byte, error) {
	if w == nil || w.Binding == nil {
		return nil, ErrInvalidSecret
	}
	kek, err := s.derive(secret, w.Salt, w.KDF)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	defer crypto.Zero(kek)
	c, err := crypto.ParseCipher(string(w.Cipher))
	if err != nil {
		return nil, ErrInvalidSecret
	}
	key, err := c.Open(w.Sealed, kek)
	if err != nil || len(key) != crypto.KeySize {
		crypto.Zero(key)
		return nil, ErrInvalidSecret
	}
	return key, nil
}

// storeErr maps backend sentinels onto vault errors. Timeouts and
// unavailability pass through untouched.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrExists):
		return ErrVaultExists
	case errors.Is(err, storage.ErrLastWrapper):
		return ErrLastWrapperDeletionDenied
	default:
		return err
	}
}

// Setup persists a vault whose wrappers were built elsewhere, typically on
// the client. The record and both wrappers are written atomically.
func (s *WrapperStore) Setup(ctx context.Context, userID string, primary, recovery *Wrapper, verifier []byte) error {
	if userID == "" || primary == nil || recovery == nil || primary.Binding == nil || recovery.Binding == nil {
		return ErrIncompleteVault
	}
	if primary.Method() == Recovery || recovery.Method() != Recovery {
		return ErrIncompleteVault
	}
	if err := primary.Binding.validate(); err != nil {
		return err
	}
	for _, w := range []*Wrapper{primary, recovery} {
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now().UTC()
		}
	}
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	now := time.Now().UTC()
	err := s.store.CreateVault(ctx, storage.VaultRow{
		UserID:        userID,
		KeyHash:       verifier,
		PrimaryMethod: string(primary.Method()),
		Recovery:      toRow(userID, recovery),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, toRow(userID, primary))
	if err != nil {
		return storeErr(err)
	}
	s.record(ctx, audit.Event{Kind: audit.VaultCreated, UserID: userID, Method: string(primary.Method())})
	return nil
}

// Create generates a recovery code, wraps vaultKey under both the primary
// secret and the code, and persists the vault. The code is returned once and
// never stored.
func (s *WrapperStore) Create(ctx context.Context, userID string, vaultKey []byte, b Binding, secret []byte) (string, error) {
	if b == nil || b.Method() == Recovery {
		return "", ErrIncompleteVault
	}
	code, err := NewRecoveryCode()
	if err != nil {
		return "", err
	}
	primary, err := s.Wrap(vaultKey, b, secret)
	if err != nil {
		return "", err
	}
	recovery, err := s.Wrap(vaultKey, RecoveryBinding{}, []byte(code))
	if err != nil {
		return "", err
	}
	verifier, err := crypto.KeyVerifier(vaultKey)
	if err != nil {
		return "", err
	}
	if err := s.Setup(ctx, userID, primary, recovery, verifier); err != nil {
		return "", err
	}
	return code, nil
}

// Register upserts a non-recovery wrapper by (user, method).
func (s *WrapperStore) Register(ctx context.Context, userID string, w *Wrapper) error {
	if w == nil || w.Binding == nil {
		return ErrBadBinding
	}
	if w.Method() == Recovery {
		return ErrRecoveryBinding
	}
	if err := w.Binding.validate(); err != nil {
		return err
	}
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	err := s.store.PutWrapper(ctx, toRow(userID, w))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrVaultNotFound
	}
	return storeErr(err)
}

// Enroll wraps the session's key under a new method and registers it,
// replacing any wrapper already enrolled for that method.
func (s *WrapperStore) Enroll(ctx context.Context, sess *Session, b Binding, secret []byte) (*Wrapper, error) {
	if b == nil {
		return nil, ErrBadBinding
	}
	if b.Method() == Recovery {
		return nil, ErrRecoveryBinding
	}
	var w *Wrapper
	err := sess.WithKey(func(key []byte) error {
		var err error
		w, err = s.Wrap(key, b, secret)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.Register(ctx, sess.UserID(), w); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Kind: audit.MethodEnrolled, UserID: sess.UserID(), Method: string(b.Method()), Session: sess.ID()})
	return w, nil
}

// ChangeSecret replaces the wrapper for m with one under newSecret, keeping
// the existing binding.
func (s *WrapperStore) ChangeSecret(ctx context.Context, sess *Session, m Method, newSecret []byte) error {
	if m == Recovery {
		return ErrRecoveryBinding
	}
	if !sess.IsUnlocked() {
		return ErrVaultLocked
	}
	old, err := s.Wrapper(ctx, sess.UserID(), m)
	if err != nil {
		return err
	}
	var w *Wrapper
	err = sess.WithKey(func(key []byte) error {
		var err error
		w, err = s.Wrap(key, old.Binding, newSecret)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.Register(ctx, sess.UserID(), w); err != nil {
		return err
	}
	s.record(ctx, audit.Event{Kind: audit.SecretChanged, UserID: sess.UserID(), Method: string(m), Session: sess.ID()})
	return nil
}

// RotateRecovery issues a new recovery code for an unlocked vault and
// replaces the recovery wrapper. The old code stops working immediately.
func (s *WrapperStore) RotateRecovery(ctx context.Context, sess *Session) (string, error) {
	code, err := NewRecoveryCode()
	if err != nil {
		return "", err
	}
	var (
		w        *Wrapper
		verifier []byte
	)
	err = sess.WithKey(func(key []byte) error {
		var err error
		if w, err = s.Wrap(key, RecoveryBinding{}, []byte(code)); err != nil {
			return err
		}
		verifier, err = crypto.KeyVerifier(key)
		return err
	})
	if err != nil {
		return "", err
	}
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	err = s.store.ReplaceRecovery(ctx, sess.UserID(), toRow(sess.UserID(), w), verifier)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrVaultNotFound
	}
	if err != nil {
		return "", err
	}
	s.record(ctx, audit.Event{Kind: audit.RecoveryRotated, UserID: sess.UserID(), Session: sess.ID()})
	return code, nil
}

func (s *WrapperStore) ListMethods(ctx context.Context, userID string) ([]Method, error) {
	r, err := s.Record(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.Methods(), nil
}

// Remove deletes the wrapper for m. The recovery wrapper and the last
// non-recovery wrapper cannot be removed.
func (s *WrapperStore) Remove(ctx context.Context, userID string, m Method) error {
	if m == Recovery {
		return ErrRecoveryWrapperPinned
	}
	if _, err := ParseMethod(string(m)); err != nil {
		return err
	}
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	err := s.store.DeleteWrapper(ctx, userID, string(m))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrWrapperNotFound
	}
	if err != nil {
		return storeErr(err)
	}
	s.record(ctx, audit.Event{Kind: audit.MethodRemoved, UserID: userID, Method: string(m)})
	return nil
}

func (s *WrapperStore) Exists(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	_, err := s.store.GetVault(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Record loads the stored vault. It holds wrapped material only.
func (s *WrapperStore) Record(ctx context.Context, userID string) (*Record, error) {
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	row, err := s.store.GetVault(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListWrappers(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	primary, err := ParseMethod(row.PrimaryMethod)
	if err != nil {
		return nil, err
	}
	rec, err := fromRow(row.Recovery)
	if err != nil {
		return nil, err
	}
	r := &Record{
		UserID:        row.UserID,
		VaultKeyHash:  row.KeyHash,
		PrimaryMethod: primary,
		Recovery:      rec,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	for _, wr := range rows {
		w, err := fromRow(wr)
		if err != nil {
			return nil, fmt.Errorf("vault: wrapper %s: %w", wr.Method, err)
		}
		r.Wrappers = append(r.Wrappers, w)
	}
	return r, nil
}

// Wrapper loads the wrapper for one method, recovery included.
func (s *WrapperStore) Wrapper(ctx context.Context, userID string, m Method) (*Wrapper, error) {
	if _, err := ParseMethod(string(m)); err != nil {
		return nil, err
	}
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	row, err := s.store.GetWrapper(ctx, userID, string(m))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrWrapperNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// DeleteVault removes the record and every wrapper, recovery included.
func (s *WrapperStore) DeleteVault(ctx context.Context, userID string) error {
	ctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	err := s.store.DeleteVault(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrVaultNotFound
	}
	if err != nil {
		return err
	}
	s.record(ctx, audit.Event{Kind: audit.VaultDeleted, UserID: userID})
	return nil
}
