package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

// SessionHeader carries the opaque session id returned by /vault/unlock.
const SessionHeader = "X-Vault-Session"

type ctxKey int

const sessionKey ctxKey = 1

func withSession(ctx context.Context, s *vault.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func sessionFrom(ctx context.Context) (*vault.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*vault.Session)
	return s, ok
}

// sessions maps bearer handles to live unlock sessions. The handle is
// distinct from Session.ID, which appears in logs and audit events. Locked
// and expired sessions are dropped on access and by sweep.
type sessions struct {
	mu   sync.Mutex
	byID map[string]*vault.Session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[string]*vault.Session)}
}

func (r *sessions) add(s *vault.Session) (string, error) {
	handle, err := randomToken(32)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.byID[handle] = s
	r.sweepLocked()
	r.mu.Unlock()
	return handle, nil
}

// get returns the session only while it is unlocked.
func (r *sessions) get(id string) (*vault.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if !s.IsUnlocked() {
		delete(r.byID, id)
		return nil, false
	}
	return s, true
}

func (r *sessions) remove(id string) *vault.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byID[id]
	delete(r.byID, id)
	return s
}

// removeUser drops and returns every session belonging to userID.
func (r *sessions) removeUser(userID string) []*vault.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*vault.Session
	for id, s := range r.byID {
		if s.UserID() == userID {
			out = append(out, s)
			delete(r.byID, id)
		}
	}
	return out
}

func (r *sessions) sweepLocked() {
	for id, s := range r.byID {
		if !s.IsUnlocked() {
			delete(r.byID, id)
		}
	}
}

func (r *sessions) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// lockout tracks users that exceeded the unlock failure budget.
type lockout struct {
	mu     sync.Mutex
	window time.Duration
	until  map[string]time.Time
}

func newLockout(window time.Duration) *lockout {
	return &lockout{window: window, until: make(map[string]time.Time)}
}

func (l *lockout) locked(userID string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.until[userID]
	if !ok {
		return 0, false
	}
	if !now.Before(t) {
		delete(l.until, userID)
		return 0, false
	}
	return t.Sub(now), true
}

func (l *lockout) lock(userID string, now time.Time) {
	l.mu.Lock()
	l.until[userID] = now.Add(l.window)
	l.mu.Unlock()
}

// requireSession resolves SessionHeader into an unlocked session and adds
// it to the request context.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+SessionHeader)
			return
		}
		sess, ok := s.sessions.get(id)
		if !ok {
			writeError(w, http.StatusUnauthorized, "vault locked")
			return
		}
		next(w, r.WithContext(withSession(r.Context(), sess)))
	}
}
