package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

type unlockReq struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
	Secret []byte `json:"secret"`
}

type unlockResp struct {
	Session   string    `json:"session"`
	ExpiresAt time.Time `json:"expires_at"`
	Recovery  bool      `json:"recovery"`
}

type sessionReq struct {
	Session string `json:"session"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockReq
	if !s.decode(w, r, &req) {
		return
	}
	defer crypto.Zero(req.Secret)

	userID := strings.TrimSpace(req.UserID)
	if userID == "" || len(req.Secret) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and secret required")
		return
	}
	m, err := parseMethod(req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if wait, locked := s.lockout.locked(userID, s.now()); locked {
		tooMany(w, int(wait.Seconds())+1)
		return
	}
	if !s.rlUnlockIP.allow(getClientIP(r, s.cfg.TrustProxy)) || !s.rlUnlockUser.allow(userID) {
		tooMany(w, s.rlUnlockIP.retryAfter())
		return
	}

	sess, err := s.unlocker.Unlock(r.Context(), userID, m, req.Secret)
	if err != nil {
		if errors.Is(err, storage.ErrTimeout) || errors.Is(err, storage.ErrUnavailable) {
			s.fail(w, r, err)
			return
		}
		if errors.Is(err, vault.ErrInvalidSecret) && s.unlocker.Failures(userID) >= s.cfg.MaxFailures {
			s.lockout.lock(userID, s.now())
			s.unlocker.ResetFailures(userID)
			s.log.Warn().Str("user_id", userID).Int("max_failures", s.cfg.MaxFailures).Msg("unlock locked out")
		}
		writeError(w, http.StatusUnauthorized, unlockFailed)
		return
	}
	handle, err := s.sessions.add(sess)
	if err != nil {
		s.unlocker.Lock(sess)
		s.fail(w, r, err)
		return
	}
	writeJSON(w, unlockResp{Session: handle, ExpiresAt: sess.ExpiresAt(), Recovery: sess.ViaRecovery()})
}

// sessionID takes the id from the body, falling back to SessionHeader.
func sessionID(r *http.Request, req sessionReq) string {
	if req.Session != "" {
		return req.Session
	}
	return r.Header.Get(SessionHeader)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req sessionReq
	if !s.decode(w, r, &req) {
		return
	}
	id := sessionID(r, req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "session required")
		return
	}
	if sess := s.sessions.remove(id); sess != nil {
		s.unlocker.Lock(sess)
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionReq
	if !s.decode(w, r, &req) {
		return
	}
	sess, ok := s.sessions.get(sessionID(r, req))
	if !ok {
		writeJSON(w, map[string]any{"unlocked": false})
		return
	}
	writeJSON(w, map[string]any{
		"unlocked":   true,
		"user_id":    sess.UserID(),
		"method":     sess.Method(),
		"recovery":   sess.ViaRecovery(),
		"expires_at": sess.ExpiresAt(),
	})
}
