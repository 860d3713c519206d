package consent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/storage"
	"github.com/hushh-labs/consent-protocol-sub006/internal/vault"
)

func testSigner(t testing.TB) *Signer {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := NewSignerFromSeed(seed, "consent-test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

type fixture struct {
	svc      *Service
	store    storage.Store
	signer   *Signer
	unlocker *vault.Unlocker
	sess     *vault.Session
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	ws := vault.NewWrapperStore(st)
	u := vault.NewUnlocker(ws, vault.DefaultPolicy())
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := ws.Create(ctx, "alice", key, vault.PassphraseBinding{}, []byte("correct-horse-battery")); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	sess, err := u.Unlock(ctx, "alice", vault.Passphrase, []byte("correct-horse-battery"))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	t.Cleanup(func() { u.Lock(sess) })
	signer := testSigner(t)
	svc, err := NewService(signer, st, opts...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: st, signer: signer, unlocker: u, sess: sess}
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.profile", "vault.read.portfolio", "vault.read.profile"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if fmt.Sprint(tok.Scopes) != "[vault.read.portfolio vault.read.profile]" {
		t.Fatalf("scopes = %v", tok.Scopes)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != DefaultTTL {
		t.Fatalf("ttl = %s", got)
	}
	got, err := f.svc.Validate(ctx, tok.Raw, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != tok.ID || got.UserID != "alice" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("decoded %+v, issued %+v", got, tok)
	}
	if got, err := f.svc.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrNoScopes) || got == nil {
		t.Fatalf("validate without requirement: %v", err)
	}
	if _, err := f.svc.Validate(ctx, tok.Raw, []string{}); Reason(err) != "no_scopes" {
		t.Fatalf("validate with empty requirement: %v", err)
	}
	if strings.Contains(tok.String(), tok.Raw) {
		t.Fatal("String exposes the bearer token")
	}
}

func TestScopeMonotonicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cases := [][]string{
		{"vault.write.portfolio"},
		{"vault.read.portfolio", "vault.read.food"},
	}
	for _, req := range cases {
		if _, err := f.svc.Validate(ctx, tok.Raw, req); !errors.Is(err, ErrScopeDenied) {
			t.Fatalf("required %v: err = %v", req, err)
		}
	}
	if _, err := f.svc.Validate(ctx, tok.Raw, []string{"vault.read.everything"}); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("unknown required scope: %v", err)
	}
}

func TestIssueRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Issue(ctx, f.sess, nil); !errors.Is(err, ErrNoScopes) {
		t.Fatalf("no scopes: %v", err)
	}
	if _, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio", "admin"}); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("unknown scope: %v", err)
	}
	if _, err := f.svc.Issue(ctx, nil, []string{"vault.read.portfolio"}); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("nil session: %v", err)
	}
	f.unlocker.Lock(f.sess)
	if _, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"}); !errors.Is(err, vault.ErrVaultLocked) {
		t.Fatalf("locked session: %v", err)
	}
}

func TestTokenCarriesNoKeyMaterial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.food"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(tok.Raw, ".")
	if len(parts) != 3 {
		t.Fatalf("not a JWS: %q", tok.Raw)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var key []byte
	_ = f.sess.WithKey(func(k []byte) error { key = append(key, k...); return nil })
	for _, enc := range []string{base64.StdEncoding.EncodeToString(key), base64.RawURLEncoding.EncodeToString(key), fmt.Sprintf("%x", key)} {
		if strings.Contains(string(payload), enc) || strings.Contains(tok.Raw, enc) {
			t.Fatal("token contains the vault key")
		}
	}
}

func TestTTLCapped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.profile"}, WithTokenTTL(5*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != MaxTTL {
		t.Fatalf("ttl = %s, want %s", got, MaxTTL)
	}
}

// A five-minute token revoked one minute in reads as revoked, not expired.
func TestRevokedBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	f := newFixture(t, WithClock(clock))

	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"}, WithTokenTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if err := f.svc.Revoke(ctx, tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err = f.svc.Validate(ctx, tok.Raw, []string{"vault.read.portfolio"})
	if !errors.Is(err, ErrTokenRevoked) || errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
	if err := f.svc.Revoke(ctx, tok.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	// A second process over the same store sees the revocation too.
	other, err := NewService(f.signer, f.store, WithClock(clock))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, err := other.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("other process: %v", err)
	}

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	if _, err := f.svc.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("after expiry: %v", err)
	}
}

func TestExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixture(t, WithClock(func() time.Time { return now }))
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(DefaultTTL + time.Second)
	if _, err := f.svc.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v", err)
	}
}

func TestMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(tok.Raw, ".")
	forged, _ := testSigner(t).sign(tok.ID, "alice", []string{"vault.write.portfolio"}, tok.IssuedAt, tok.ExpiresAt)
	otherIss := NewSigner(f.signer.priv, "someone-else")
	wrongIss, _ := otherIss.sign(tok.ID, "alice", tok.Scopes, tok.IssuedAt, tok.ExpiresAt)
	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"swapped body": parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"mallory"}`)) + "." + parts[2],
		"bad sig":      parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2])),
		"other key":    forged,
		"other issuer": wrongIss,
		"alg none":     base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + parts[1] + ".",
	}
	for name, raw := range cases {
		if _, err := f.svc.Validate(ctx, raw, nil); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestUnknownTokenIDIsRevoked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Truncate(time.Second)
	raw, err := f.signer.sign("never-stored", "alice", []string{"vault.read.portfolio"}, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.svc.Validate(ctx, raw, nil); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("err = %v", err)
	}
	if err := f.svc.Revoke(ctx, "never-stored"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("revoke unknown: %v", err)
	}
}

func TestGraceCacheSeesLocalRevocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithGrace(time.Minute))
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.svc.Validate(ctx, tok.Raw, []string{"vault.read.portfolio"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	f.svc.cache.Wait()
	if err := f.svc.Revoke(ctx, tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("cached token still valid: %v", err)
	}
}

type slowTokens struct {
	storage.TokenStore
}

func (slowTokens) GetToken(ctx context.Context, id string) (storage.TokenRow, error) {
	<-ctx.Done()
	return storage.TokenRow{}, fmt.Errorf("get token: %w", storage.ErrTimeout)
}

func TestStorageTimeoutIsNotValid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	slow, err := NewService(f.signer, slowTokens{f.store}, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	_, err = slow.Validate(ctx, tok.Raw, nil)
	if !errors.Is(err, storage.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if Reason(err) != "storage_timeout" {
		t.Fatalf("reason = %s", Reason(err))
	}
}

func TestRevokeAllAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var toks []*Token
	for i := 0; i < 3; i++ {
		tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.profile"}, WithTokenTTL(time.Minute))
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		toks = append(toks, tok)
	}
	n, err := f.svc.RevokeAll(ctx, "alice")
	if err != nil || n != 3 {
		t.Fatalf("revoke all = %d, %v", n, err)
	}
	for _, tok := range toks {
		if _, err := f.svc.Validate(ctx, tok.Raw, nil); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("token %s: %v", tok.ID, err)
		}
	}
	n, err = f.svc.Purge(ctx, time.Now().Add(2*time.Minute))
	if err != nil || n != 3 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}

func TestConcurrentValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithGrace(time.Second))
	var toks []*Token
	for i := 0; i < 8; i++ {
		tok, err := f.svc.Issue(ctx, f.sess, []string{"vault.read.portfolio"})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		toks = append(toks, tok)
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(toks)*10)
	for _, tok := range toks {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				if _, err := f.svc.Validate(ctx, raw, []string{"vault.read.portfolio"}); err != nil {
					errs <- err
				}
			}(tok.Raw)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("validate: %v", err)
	}
}
