// Package consent issues, validates and revokes scope-bound consent tokens.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hushh-labs/consent-protocol-sub006/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

const (
	DefaultTTL = 15 * time.Minute
	MaxTTL     = 2 * time.Hour
)

// Token is the decoded form of a consent token. Raw is the signed bearer
// string handed to the client; it is never logged.
type Token struct {
	ID        string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Raw       string    `json:"-"`
}

func (t *Token) String() string {
	return fmt.Sprintf("consent.Token{id:%s user:%s scope:%v expires:%s}", t.ID, t.UserID, t.Scopes, t.ExpiresAt.Format(time.RFC3339))
}

// Service is safe for concurrent use.
type Service struct {
	signer  *Signer
	store   storage.TokenStore
	scopes  *Scopes
	ttl     time.Duration
	maxTTL  time.Duration
	timeout time.Duration
	grace   time.Duration
	now     func() time.Time
	audit   audit.Sink
	log     zerolog.Logger

	cache *ristretto.Cache[string, storage.TokenRow]

	mu           sync.Mutex
	revoked      map[string]time.Time // token id -> local revocation time
	revokedUsers map[string]time.Time // user id -> RevokeAll time
}

type Option func(*Service)

func WithScopes(s *Scopes) Option { return func(svc *Service) { svc.scopes = s } }

func WithTTL(d time.Duration) Option { return func(svc *Service) { svc.ttl = d } }

func WithMaxTTL(d time.Duration) Option { return func(svc *Service) { svc.maxTTL = d } }

func WithTimeout(d time.Duration) Option { return func(svc *Service) { svc.timeout = d } }

// WithGrace enables a validation cache. A revocation made by another process
// can take up to d to be seen here. Zero disables the cache.
func WithGrace(d time.Duration) Option { return func(svc *Service) { svc.grace = d } }

func WithAudit(a audit.Sink) Option { return func(svc *Service) { svc.audit = a } }

func WithLogger(l zerolog.Logger) Option { return func(svc *Service) { svc.log = l } }

func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

func NewService(signer *Signer, store storage.TokenStore, opts ...Option) (*Service, error) {
	if signer == nil || store == nil {
		return nil, errors.New("consent: signer and store are required")
	}
	s := &Service{
		signer:       signer,
		store:        store,
		ttl:          DefaultTTL,
		maxTTL:       MaxTTL,
		timeout:      storage.DefaultTimeout,
		now:          time.Now,
		audit:        audit.Nop(),
		log:          zerolog.Nop(),
		revoked:      make(map[string]time.Time),
		revokedUsers: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	if s.scopes == nil {
		sc, err := NewScopes()
		if err != nil {
			return nil, err
		}
		s.scopes = sc
	}
	if s.maxTTL <= 0 {
		s.maxTTL = MaxTTL
	}
	if s.ttl <= 0 || s.ttl > s.maxTTL {
		s.ttl = min(DefaultTTL, s.maxTTL)
	}
	if s.grace > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, storage.TokenRow]{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("consent: validation cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Service) Scopes() *Scopes { return s.scopes }

type issueConfig struct {
	ttl time.Duration
}

type IssueOption func(*issueConfig)

// WithTokenTTL sets the lifetime of one token. It is capped at the
// service's maximum.
func WithTokenTTL(d time.Duration) IssueOption { return func(c *issueConfig) { c.ttl = d } }

func (s *Service) record(ctx context.Context, e audit.Event) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("event", string(e.Kind)).Msg("audit sink failed")
	}
}

// Issue mints a token for the session's user. The session must be unlocked
// at the moment of the call.
func (s *Service) Issue(ctx context.Context, sess *vault.Session, scopes []string, opts ...IssueOption) (*Token, error) {
	if !sess.IsUnlocked() {
		return nil, ErrVaultLocked
	}
	granted, err := s.scopes.Normalize(scopes)
	if err != nil {
		return nil, err
	}
	cfg := issueConfig{ttl: s.ttl}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = s.ttl
	}
	if cfg.ttl > s.maxTTL {
		cfg.ttl = s.maxTTL
	}

	// JWT dates have second precision; keep the stored row identical.
	now := s.now().UTC().Truncate(time.Second)
	t := &Token{
		ID:        uuid.NewString(),
		UserID:    sess.UserID(),
		Scopes:    granted,
		IssuedAt:  now,
		ExpiresAt: now.Add(cfg.ttl),
	}
	raw, err := s.signer.sign(t.ID, t.UserID, t.Scopes, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	sctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	if err := s.store.PutToken(sctx, storage.TokenRow{
		ID:        t.ID,
		UserID:    t.UserID,
		Scopes:    t.Scopes,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	t.Raw = raw
	s.record(ctx, audit.Event{Kind: audit.TokenIssued, UserID: t.UserID, TokenID: t.ID, Scopes: t.Scopes, Session: sess.ID()})
	s.log.Debug().Str("token_id", t.ID).Str("user_id", t.UserID).Strs("scope", t.Scopes).Msg("consent token issued")
	return t, nil
}

// Validate checks signature, expiry, revocation and scope in that order.
// required must name at least one scope.
// A token that cannot be proven unrevoked is rejected. When the signature
// verified, the decoded token is returned alongside any later error.
func (s *Service) Validate(ctx context.Context, raw string, required []string) (*Token, error) {
	t, err := s.validate(ctx, raw, required)
	if err != nil {
		e := audit.Event{Kind: audit.TokenRejected, Reason: Reason(err)}
		if t != nil {
			e.UserID, e.TokenID = t.UserID, t.ID
		}
		s.record(ctx, e)
		return t, err
	}
	return t, nil
}

func (s *Service) validate(ctx context.Context, raw string, required []string) (*Token, error) {
	c, err := s.signer.parse(raw)
	if err != nil {
		return nil, err
	}
	t := &Token{
		ID:        c.ID,
		UserID:    c.Subject,
		Scopes:    c.Scope,
		IssuedAt:  c.IssuedAt.Time.UTC(),
		ExpiresAt: c.ExpiresAt.Time.UTC(),
		Raw:       raw,
	}
	if !s.now().Before(t.ExpiresAt) {
		return t, ErrTokenExpired
	}
	if s.locallyRevoked(t) {
		t.Revoked = true
		return t, ErrTokenRevoked
	}
	row, err := s.lookup(ctx, t.ID)
	if errors.Is(err, storage.ErrNotFound) {
		t.Revoked = true
		return t, ErrTokenRevoked
	}
	if err != nil {
		return t, err
	}
	if row.UserID != t.UserID {
		return t, ErrMalformedToken
	}
	if row.Revoked {
		t.Revoked = true
		return t, ErrTokenRevoked
	}
	if len(required) == 0 {
		return t, ErrNoScopes
	}
	for _, r := range required {
		if !s.scopes.Known(r) {
			return t, fmt.Errorf("%w: %q", ErrUnknownScope, r)
		}
	}
	if !Covers(t.Scopes, required) {
		return t, ErrScopeDenied
	}
	return t, nil
}

func (s *Service) locallyRevoked(t *Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[t.ID]; ok {
		return true
	}
	at, ok := s.revokedUsers[t.UserID]
	return ok && !t.IssuedAt.After(at)
}

func (s *Service) lookup(ctx context.Context, id string) (storage.TokenRow, error) {
	if s.cache != nil {
		if row, ok := s.cache.Get(id); ok {
			return row, nil
		}
	}
	sctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	row, err := s.store.GetToken(sctx, id)
	if err != nil {
		return row, err
	}
	if s.cache != nil && !row.Revoked {
		s.cache.SetWithTTL(id, row, 1, s.grace)
	}
	return row, nil
}

// Revoke permanently revokes a token. Revoking twice succeeds.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return ErrTokenNotFound
	}
	now := s.now().UTC()
	s.mu.Lock()
	s.revoked[tokenID] = now
	s.pruneLocked(now)
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Del(tokenID)
	}

	sctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	err := s.store.RevokeToken(sctx, tokenID, now)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	s.record(ctx, audit.Event{Kind: audit.TokenRevoked, TokenID: tokenID})
	s.log.Info().Str("token_id", tokenID).Msg("consent token revoked")
	return nil
}

// RevokeAll revokes every token issued to userID up to now.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	now := s.now().UTC()
	s.mu.Lock()
	s.revokedUsers[userID] = now
	s.pruneLocked(now)
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Clear()
	}

	sctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	n, err := s.store.RevokeUserTokens(sctx, userID, now)
	if err != nil {
		return n, err
	}
	s.record(ctx, audit.Event{Kind: audit.UserTokensPurged, UserID: userID})
	return n, nil
}

// Purge deletes token rows that expired before the cutoff.
func (s *Service) Purge(ctx context.Context, before time.Time) (int, error) {
	sctx, cancel := storage.Bound(ctx, s.timeout)
	defer cancel()
	return s.store.PurgeTokens(sctx, before)
}

// pruneLocked drops local revocations old enough that any token they cover
// has expired.
func (s *Service) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxTTL)
	for id, at := range s.revoked {
		if at.Before(cutoff) {
			delete(s.revoked, id)
		}
	}
	for u, at := range s.revokedUsers {
		if at.Before(cutoff) {
			delete(s.revokedUsers, u)
		}
	}
}

// Reason maps a validation error to the short code used on the wire.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrScopeDenied):
		return "scope_denied"
	case errors.Is(err, ErrUnknownScope):
		return "unknown_scope"
	case errors.Is(err, ErrNoScopes):
		return "no_scopes"
	case errors.Is(err, storage.ErrTimeout):
		return "storage_timeout"
	default:
		return "storage_unavailable"
	}
}
