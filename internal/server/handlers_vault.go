package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

var errBadWrapper = errors.New("malformed wrapper")

// Byte fields travel as standard base64, which encoding/json applies to
// []byte.
type setupReq struct {
	UserID              string            `json:"user_id"`
	Method              string            `json:"method"`
	WrappedKey          []byte            `json:"wrapped_key"`
	Salt                []byte            `json:"salt"`
	IV                  []byte            `json:"iv"`
	Tag                 []byte            `json:"tag"`
	KDF                 *crypto.KDFParams `json:"kdf,omitempty"`
	Cipher              string            `json:"cipher,omitempty"`
	PasskeyCredentialID []byte            `json:"passkey_credential_id,omitempty"`
	PasskeyPRFSalt      []byte            `json:"passkey_prf_salt,omitempty"`
	RecoveryWrappedKey  []byte            `json:"recovery_wrapped_key"`
	RecoverySalt        []byte            `json:"recovery_salt"`
	RecoveryIV          []byte            `json:"recovery_iv"`
	RecoveryTag         []byte            `json:"recovery_tag"`
	RecoveryKDF         *crypto.KDFParams `json:"recovery_kdf,omitempty"`
	RecoveryCipher      string            `json:"recovery_cipher,omitempty"`
	VaultKeyHash        []byte            `json:"vault_key_hash,omitempty"`
}

type userReq struct {
	UserID string `json:"user_id"`
}

type wireWrapper struct {
	Method              string           `json:"method"`
	WrappedKey          []byte           `json:"wrapped_key"`
	Salt                []byte           `json:"salt"`
	IV                  []byte           `json:"iv"`
	Tag                 []byte           `json:"tag"`
	KDF                 crypto.KDFParams `json:"kdf"`
	Cipher              string           `json:"cipher"`
	PasskeyCredentialID []byte           `json:"passkey_credential_id,omitempty"`
	PasskeyPRFSalt      []byte           `json:"passkey_prf_salt,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

type getResp struct {
	PrimaryMethod       string           `json:"primary_method"`
	WrappedKey          []byte           `json:"wrapped_key"`
	Salt                []byte           `json:"salt"`
	IV                  []byte           `json:"iv"`
	Tag                 []byte           `json:"tag"`
	KDF                 crypto.KDFParams `json:"kdf"`
	Cipher              string           `json:"cipher"`
	PasskeyCredentialID []byte           `json:"passkey_credential_id,omitempty"`
	PasskeyPRFSalt      []byte           `json:"passkey_prf_salt,omitempty"`
	RecoveryWrappedKey  []byte           `json:"recovery_wrapped_key"`
	RecoverySalt        []byte           `json:"recovery_salt"`
	RecoveryIV          []byte           `json:"recovery_iv"`
	RecoveryTag         []byte           `json:"recovery_tag"`
	RecoveryKDF         crypto.KDFParams `json:"recovery_kdf"`
	RecoveryCipher      string           `json:"recovery_cipher"`
	Methods             []vault.Method   `json:"methods"`
	Wrappers            []wireWrapper    `json:"wrappers"`
}

type methodReq struct {
	Method              string `json:"method"`
	Secret              []byte `json:"secret,omitempty"`
	PasskeyCredentialID []byte `json:"passkey_credential_id,omitempty"`
	PasskeyPRFSalt      []byte `json:"passkey_prf_salt,omitempty"`
}

// buildWrapper assembles a client-built wrapper. A missing kdf means the
// PBKDF2 default; a missing cipher means AES-256-GCM.
func buildWrapper(b vault.Binding, ct, salt, iv, tag []byte, kdf *crypto.KDFParams, cipher string) (*vault.Wrapper, error) {
	params := crypto.DefaultKDF()
	if kdf != nil {
		params = *kdf
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	c, err := crypto.ParseCipher(cipher)
	if err != nil {
		return nil, err
	}
	switch {
	case len(ct) == 0:
		return nil, fmt.Errorf("%w: empty wrapped key", errBadWrapper)
	case len(salt) < crypto.SaltSize:
		return nil, fmt.Errorf("%w: salt shorter than %d bytes", errBadWrapper, crypto.SaltSize)
	case len(iv) != crypto.NonceSize:
		return nil, fmt.Errorf("%w: iv must be %d bytes", errBadWrapper, crypto.NonceSize)
	case len(tag) != crypto.TagSize:
		return nil, fmt.Errorf("%w: tag must be %d bytes", errBadWrapper, crypto.TagSize)
	}
	return &vault.Wrapper{
		Binding: b,
		KDF:     params,
		Salt:    salt,
		Cipher:  c,
		Sealed:  crypto.Sealed{Ciphertext: ct, IV: iv, Tag: tag},
	}, nil
}

func toWire(w *vault.Wrapper) wireWrapper {
	out := wireWrapper{
		Method:     string(w.Method()),
		WrappedKey: w.Sealed.Ciphertext,
		Salt:       w.Salt,
		IV:         w.Sealed.IV,
		Tag:        w.Sealed.Tag,
		KDF:        w.KDF,
		Cipher:     string(w.Cipher),
		CreatedAt:  w.CreatedAt,
	}
	if pk, ok := w.Binding.(vault.PasskeyBinding); ok {
		out.PasskeyCredentialID = pk.CredentialID
		out.PasskeyPRFSalt = pk.PRFSalt
	}
	return out
}

func parseMethod(s string) (vault.Method, error) {
	return vault.ParseMethod(strings.ToLower(strings.TrimSpace(s)))
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupReq
	if !s.decode(w, r, &req) {
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	m, err := parseMethod(req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if m == vault.Recovery {
		s.fail(w, r, vault.ErrIncompleteVault)
		return
	}
	b, err := vault.BindingFor(m, req.PasskeyCredentialID, req.PasskeyPRFSalt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	primary, err := buildWrapper(b, req.WrappedKey, req.Salt, req.IV, req.Tag, req.KDF, req.Cipher)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recovery, err := buildWrapper(vault.RecoveryBinding{}, req.RecoveryWrappedKey, req.RecoverySalt, req.RecoveryIV, req.RecoveryTag, req.RecoveryKDF, req.RecoveryCipher)
	if err != nil {
		s.fail(w, r, fmt.Errorf("recovery: %w", err))
		return
	}
	if err := s.wrappers.Setup(r.Context(), userID, primary, recovery, req.VaultKeyHash); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("user_id", userID).Str("method", string(m)).Msg("vault set up")
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req userReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	ok, err := s.wrappers.Exists(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"exists": ok})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req userReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	rec, err := s.wrappers.Record(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := getResp{
		PrimaryMethod:      string(rec.PrimaryMethod),
		RecoveryWrappedKey: rec.Recovery.Sealed.Ciphertext,
		RecoverySalt:       rec.Recovery.Salt,
		RecoveryIV:         rec.Recovery.Sealed.IV,
		RecoveryTag:        rec.Recovery.Sealed.Tag,
		RecoveryKDF:        rec.Recovery.KDF,
		RecoveryCipher:     string(rec.Recovery.Cipher),
		Methods:            rec.Methods(),
		Wrappers:           make([]wireWrapper, 0, len(rec.Wrappers)),
	}
	for _, wr := range rec.Wrappers {
		ww := toWire(wr)
		resp.Wrappers = append(resp.Wrappers, ww)
		if wr.Method() != rec.PrimaryMethod {
			continue
		}
		resp.WrappedKey, resp.Salt, resp.IV, resp.Tag = ww.WrappedKey, ww.Salt, ww.IV, ww.Tag
		resp.KDF, resp.Cipher = ww.KDF, ww.Cipher
		resp.PasskeyCredentialID, resp.PasskeyPRFSalt = ww.PasskeyCredentialID, ww.PasskeyPRFSalt
	}
	writeJSON(w, resp)
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	var req userReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	ms, err := s.wrappers.ListMethods(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"methods": ms})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req methodReq
	if !s.decode(w, r, &req) {
		return
	}
	defer crypto.Zero(req.Secret)
	m, err := parseMethod(req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := vault.BindingFor(m, req.PasskeyCredentialID, req.PasskeyPRFSalt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Secret) == 0 {
		writeError(w, http.StatusBadRequest, "secret required")
		return
	}
	if _, err := s.wrappers.Enroll(r.Context(), sess, b, req.Secret); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "method": m})
}

func (s *Server) handleChangeSecret(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req methodReq
	if !s.decode(w, r, &req) {
		return
	}
	defer crypto.Zero(req.Secret)
	m, err := parseMethod(req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Secret) == 0 {
		writeError(w, http.StatusBadRequest, "secret required")
		return
	}
	if err := s.wrappers.ChangeSecret(r.Context(), sess, m, req.Secret); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req methodReq
	if !s.decode(w, r, &req) {
		return
	}
	m, err := parseMethod(req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.wrappers.Remove(r.Context(), sess.UserID(), m); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRotateRecovery(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req struct{}
	if !s.decode(w, r, &req) {
		return
	}
	code, err := s.wrappers.RotateRecovery(r.Context(), sess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"recovery_code": code})
}

// handleDelete removes the vault, revokes the user's tokens and locks all
// of the user's sessions.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req struct{}
	if !s.decode(w, r, &req) {
		return
	}
	userID := sess.UserID()
	if err := s.wrappers.DeleteVault(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return
	}
	for _, other := range s.sessions.removeUser(userID) {
		s.unlocker.Lock(other)
	}
	n, err := s.consent.RevokeAll(r.Context(), userID)
	if err != nil {
		// The vault is gone; locally the tokens are already revoked.
		s.log.Error().Err(err).Str("user_id", userID).Msg("revoke tokens after vault delete")
	}
	writeJSON(w, map[string]any{"success": true, "revoked": n})
}
