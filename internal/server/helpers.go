package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hushh-labs/consent-protocol-sub006/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

// unlockFailed is the only body a failed unlock ever returns.
const unlockFailed = "incorrect passphrase or key"

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

func tooMany(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

// decode reads a JSON body of at most s.cfg.MaxBodyBytes into v. An empty
// body leaves v zero. It writes the error response itself and reports
// whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad json")
		return false
	}
	return true
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrInvalidSecret), errors.Is(err, vault.ErrVaultLocked):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrVaultNotFound), errors.Is(err, vault.ErrWrapperNotFound), errors.Is(err, consent.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrVaultExists), errors.Is(err, vault.ErrLastWrapperDeletionDenied):
		return http.StatusConflict
	case errors.Is(err, vault.ErrIncompleteVault),
		errors.Is(err, vault.ErrBadBinding),
		errors.Is(err, vault.ErrUnknownMethod),
		errors.Is(err, vault.ErrRecoveryBinding),
		errors.Is(err, consent.ErrNoScopes),
		errors.Is(err, consent.ErrUnknownScope),
		errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, crypto.ErrWeakKDF),
		errors.Is(err, crypto.ErrUnknownKDF),
		errors.Is(err, crypto.ErrUnknownCipher),
		errors.Is(err, errBadWrapper):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// replaced by a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	}
	switch code {
	case http.StatusInternalServerError:
		writeError(w, code, "internal error")
	case http.StatusGatewayTimeout:
		writeError(w, code, "storage timeout")
	case http.StatusServiceUnavailable:
		writeError(w, code, "storage unavailable")
	default:
		writeError(w, code, err.Error())
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
