package vault

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	Expired
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session holds an unwrapped vault key in process memory. It is never
// persisted; String, GoString and MarshalJSON omit the key.
type Session struct {
	id     string
	userID string
	method Method

	mu         sync.Mutex
	state      State
	key        []byte
	unlockedAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
	onExpire   func(*Session)
}

func newSession(id, userID string, m Method) *Session {
	return &Session{id: id, userID: userID, method: m, state: Unlocking}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) UserID() string    { return s.userID }
func (s *Session) Method() Method    { return s.method }
func (s *Session) ViaRecovery() bool { return s.method == Recovery }

func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) UnlockedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlockedAt
}

// State reports the current state. A session past its expiry whose timer has
// not fired yet reads as Expired.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(time.Now())
}

func (s *Session) stateLocked(now time.Time) State {
	if s.state == Unlocked && !now.Before(s.expiresAt) {
		return Expired
	}
	return s.state
}

// IsUnlocked has no side effects and never extends expiry.
func (s *Session) IsUnlocked() bool {
	if s == nil {
		return false
	}
	return s.State() == Unlocked
}

// activate moves Unlocking to Unlocked and takes ownership of key.
func (s *Session) activate(key []byte, ttl time.Duration, onExpire func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	_ = crypto.LockMemory(s.key) // best effort
	s.unlockedAt = time.Now()
	s.expiresAt = s.unlockedAt.Add(ttl)
	s.state = Unlocked
	s.onExpire = onExpire
	s.timer = time.AfterFunc(ttl, s.expire)
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state != Unlocked {
		s.mu.Unlock()
		return
	}
	s.state = Expired
	s.wipeLocked()
	s.state = Locked
	cb := s.onExpire
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// lock zeroes the key and reports whether the session was unlocked.
func (s *Session) lock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.state == Unlocked
	if s.timer != nil {
		s.timer.Stop()
	}
	s.wipeLocked()
	s.state = Locked
	return was
}

func (s *Session) wipeLocked() {
	if s.key != nil {
		crypto.Zero(s.key)
		_ = crypto.UnlockMemory(s.key)
		s.key = nil
	}
}

// WithKey runs fn with a copy of the vault key. The copy is zeroed when fn
// returns; fn must not retain it.
func (s *Session) WithKey(fn func(key []byte) error) error {
	if s == nil {
		return ErrVaultLocked
	}
	s.mu.Lock()
	if s.stateLocked(time.Now()) != Unlocked || s.key == nil {
		s.mu.Unlock()
		return ErrVaultLocked
	}
	cp := append([]byte(nil), s.key...)
	s.mu.Unlock()
	defer crypto.Zero(cp)
	return fn(cp)
}

func (s *Session) String() string {
	return fmt.Sprintf("vault.Session{id:%s user:%s method:%s state:%s key:[redacted]}",
		s.id, s.userID, s.method, s.State())
}

func (s *Session) GoString() string { return s.String() }

func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string    `json:"id"`
		UserID    string    `json:"user_id"`
		Method    Method    `json:"method"`
		State     string    `json:"state"`
		ExpiresAt time.Time `json:"expires_at"`
	}{s.id, s.userID, s.method, s.State().String(), s.ExpiresAt()})
}
