package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hushh-labs/consent-protocol-sub006/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

// Unlocker drives the Locked -> Unlocking -> Unlocked -> Locked cycle and
// counts failed attempts per user.
type Unlocker struct {
	wrappers *WrapperStore
	policy   Policy
	audit    audit.Sink
	log      zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func NewUnlocker(ws *WrapperStore, p Policy) *Unlocker {
	return &Unlocker{
		wrappers: ws,
		policy:   p.normalized(),
		audit:    ws.audit,
		log:      ws.log,
		failures: make(map[string]int),
	}
}

func newSessionID() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("vault: random source failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Unlock unwraps the vault key with the given method and secret. On failure
// no session exists; only ErrInvalidSecret counts towards Failures, and only
// for users that have a vault.
func (u *Unlocker) Unlock(ctx context.Context, userID string, m Method, secret []byte) (*Session, error) {
	if _, err := ParseMethod(string(m)); err != nil {
		return nil, err
	}
	sess := newSession(newSessionID(), userID, m)

	w, err := u.wrappers.Wrapper(ctx, userID, m)
	if errors.Is(err, ErrWrapperNotFound) {
		u.wrappers.burn(secret)
		sess.lock()
		return nil, u.missing(ctx, sess)
	}
	if err != nil {
		sess.lock()
		return nil, u.fail(ctx, sess, err)
	}
	key, err := u.unwrap(w, secret)
	if err != nil {
		sess.lock()
		return nil, u.fail(ctx, sess, err)
	}
	rec, err := u.wrappers.Record(ctx, userID)
	if err != nil {
		crypto.Zero(key)
		sess.lock()
		return nil, u.fail(ctx, sess, err)
	}
	if len(rec.VaultKeyHash) > 0 && !crypto.VerifyKey(key, rec.VaultKeyHash) {
		crypto.Zero(key)
		sess.lock()
		return nil, u.fail(ctx, sess, ErrInvalidSecret)
	}

	sess.activate(key, u.policy.LockTimeout, u.expired)
	u.mu.Lock()
	delete(u.failures, userID)
	u.mu.Unlock()

	kind := audit.UnlockSucceeded
	if m == Recovery {
		kind = audit.RecoveryUnlock
	}
	u.record(ctx, audit.Event{Kind: kind, UserID: userID, Method: string(m), Session: sess.ID()})
	u.log.Info().Str("user_id", userID).Str("method", string(m)).Time("expires_at", sess.ExpiresAt()).Msg("vault unlocked")
	return sess, nil
}

// unwrap tries secret as given. A recovery secret that reads as an issued
// code is retried in canonical form, so typed codes in any case or grouping
// open wrappers made from the printed code.
func (u *Unlocker) unwrap(w *Wrapper, secret []byte) ([]byte, error) {
	key, err := u.wrappers.Unwrap(w, secret)
	if err == nil || w.Method() != Recovery {
		return key, err
	}
	canon, ok := ParseRecoveryCode(string(secret))
	if !ok || canon == string(secret) {
		return nil, err
	}
	return u.wrappers.Unwrap(w, []byte(canon))
}

// missing handles an unknown user or an unenrolled method. Both look like a
// wrong secret; only users with a vault get a failure counted.
func (u *Unlocker) missing(ctx context.Context, sess *Session) error {
	ok, err := u.wrappers.Exists(ctx, sess.UserID())
	if err != nil {
		return u.fail(ctx, sess, err)
	}
	if !ok {
		u.record(ctx, audit.Event{Kind: audit.UnlockFailed, UserID: sess.UserID(), Method: string(sess.Method())})
		return ErrInvalidSecret
	}
	return u.fail(ctx, sess, ErrInvalidSecret)
}

func (u *Unlocker) fail(ctx context.Context, sess *Session, err error) error {
	if errors.Is(err, ErrVaultNotFound) {
		// deleted mid-unlock
		u.record(ctx, audit.Event{Kind: audit.UnlockFailed, UserID: sess.UserID(), Method: string(sess.Method())})
		return ErrInvalidSecret
	}
	if errors.Is(err, ErrInvalidSecret) {
		u.mu.Lock()
		u.failures[sess.UserID()]++
		u.mu.Unlock()
		u.record(ctx, audit.Event{Kind: audit.UnlockFailed, UserID: sess.UserID(), Method: string(sess.Method())})
		return ErrInvalidSecret
	}
	u.log.Error().Err(err).Str("user_id", sess.UserID()).Msg("unlock failed on storage")
	return err
}

func (u *Unlocker) record(ctx context.Context, e audit.Event) {
	if err := u.audit.Record(ctx, e); err != nil {
		u.log.Warn().Err(err).Str("event", string(e.Kind)).Msg("audit sink failed")
	}
}

func (u *Unlocker) expired(s *Session) {
	u.record(context.Background(), audit.Event{Kind: audit.SessionExpired, UserID: s.UserID(), Session: s.ID()})
	u.log.Debug().Str("user_id", s.UserID()).Msg("vault session expired")
}

// Lock zeroes the session key synchronously. Locking twice is a no-op.
func (u *Unlocker) Lock(s *Session) {
	if s == nil {
		return
	}
	if s.lock() {
		u.record(context.Background(), audit.Event{Kind: audit.SessionLocked, UserID: s.UserID(), Session: s.ID()})
	}
}

func (u *Unlocker) IsUnlocked(s *Session) bool { return s.IsUnlocked() }

// Failures returns the consecutive failed unlock attempts for userID.
func (u *Unlocker) Failures(userID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failures[userID]
}

func (u *Unlocker) ResetFailures(userID string) {
	u.mu.Lock()
	delete(u.failures, userID)
	u.mu.Unlock()
}

func (u *Unlocker) Policy() Policy { return u.policy }
