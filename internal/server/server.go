// Package server exposes the vault and consent services over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hushh-labs/consent-protocol-sub006/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

type Server struct {
	cfg Config

	mux      *http.ServeMux
	log      zerolog.Logger
	wrappers *vault.WrapperStore
	unlocker *vault.Unlocker
	consent  *consent.Service
	sessions *sessions
	lockout  *lockout
	now      func() time.Time

	rlUnlockIP   *multiLimiter
	rlUnlockUser *multiLimiter
}

func New(cfg Config, ws *vault.WrapperStore, u *vault.Unlocker, cs *consent.Service) (*Server, error) {
	if ws == nil || u == nil || cs == nil {
		return nil, errors.New("server: wrapper store, unlocker and consent service are required")
	}
	cfg.setDefaults()
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		log:      cfg.Logger.With().Str("component", "http").Logger(),
		wrappers: ws,
		unlocker: u,
		consent:  cs,
		sessions: newSessions(),
		lockout:  newLockout(cfg.LockoutWindow),
		now:      time.Now,
	}
	s.rlUnlockIP = newMultiLimiter(perMinute(cfg.UnlockPerMinute), cfg.UnlockBurst, time.Hour)
	s.rlUnlockUser = newMultiLimiter(perMinute(cfg.UnlockPerMinute), cfg.UnlockBurst, time.Hour)
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	s.addDefaultHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
}

func (s *Server) Handler() http.Handler {
	return s
}

// Close locks every live session.
func (s *Server) Close() {
	s.sessions.mu.Lock()
	live := make([]*vault.Session, 0, len(s.sessions.byID))
	for id, sess := range s.sessions.byID {
		live = append(live, sess)
		delete(s.sessions.byID, id)
	}
	s.sessions.mu.Unlock()
	for _, sess := range live {
		s.unlocker.Lock(sess)
	}
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.Header().Set("Cache-Control", "no-store")
}
