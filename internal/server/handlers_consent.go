package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
)

type issueReq struct {
	UserID     string   `json:"user_id"`
	Scope      []string `json:"scope"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

type issueResp struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	Scope     []string  `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

type validateReq struct {
	Token         string   `json:"token"`
	RequiredScope []string `json:"required_scope"`
}

type validateResp struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	TokenID   string     `json:"token_id,omitempty"`
	Scope     []string   `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type revokeReq struct {
	TokenID string `json:"token_id"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req issueReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID != "" && req.UserID != sess.UserID() {
		writeError(w, http.StatusForbidden, "session belongs to another user")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must be positive")
		return
	}
	var opts []consent.IssueOption
	if req.TTLSeconds > 0 {
		opts = append(opts, consent.WithTokenTTL(time.Duration(req.TTLSeconds)*time.Second))
	}
	t, err := s.consent.Issue(r.Context(), sess, req.Scope, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, issueResp{Token: t.Raw, TokenID: t.ID, Scope: t.Scopes, ExpiresAt: t.ExpiresAt})
}

// handleValidate answers 200 for every verdict on the token itself. Storage
// failures answer 503/504 and are never valid.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateReq
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.consent.Validate(r.Context(), req.Token, req.RequiredScope)
	if err != nil {
		resp := validateResp{Reason: consent.Reason(err)}
		if t != nil {
			resp.UserID, resp.TokenID = t.UserID, t.ID
		}
		code := http.StatusOK
		if errors.Is(err, storage.ErrTimeout) || errors.Is(err, storage.ErrUnavailable) || errors.Is(err, consent.ErrUnknownScope) || errors.Is(err, consent.ErrNoScopes) {
			code = statusFor(err)
		}
		writeJSONStatus(w, code, resp)
		return
	}
	exp := t.ExpiresAt
	writeJSON(w, validateResp{Valid: true, UserID: t.UserID, TokenID: t.ID, Scope: t.Scopes, ExpiresAt: &exp})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.TokenID == "" {
		writeError(w, http.StatusBadRequest, "token_id required")
		return
	}
	if err := s.consent.Revoke(r.Context(), req.TokenID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}
