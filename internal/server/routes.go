package server

import "net/http"

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("/vault/setup", s.handleSetup)
	s.mux.HandleFunc("/vault/check", s.handleCheck)
	s.mux.HandleFunc("/vault/get", s.handleGet)
	s.mux.HandleFunc("/vault/methods", s.handleMethods)

	s.mux.HandleFunc("/vault/unlock", s.handleUnlock)
	s.mux.HandleFunc("/vault/lock", s.handleLock)
	s.mux.HandleFunc("/vault/session", s.handleSession)

	s.mux.HandleFunc("/vault/enroll", s.requireSession(s.handleEnroll))
	s.mux.HandleFunc("/vault/secret", s.requireSession(s.handleChangeSecret))
	s.mux.HandleFunc("/vault/remove", s.requireSession(s.handleRemove))
	s.mux.HandleFunc("/vault/recovery/rotate", s.requireSession(s.handleRotateRecovery))
	s.mux.HandleFunc("/vault/delete", s.requireSession(s.handleDelete))

	s.mux.HandleFunc("/consent/token", s.requireSession(s.handleIssue))
	s.mux.HandleFunc("/consent/validate", s.handleValidate)
	s.mux.HandleFunc("/consent/revoke", s.handleRevoke)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
