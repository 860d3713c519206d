package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

func testWrapper(user, method string) WrapperRow {
	return WrapperRow{
		ID:     uuid.NewString(),
		UserID: user,
		Method: method,
		Sealed: crypto.Sealed{
			Ciphertext: bytes.Repeat([]byte{0xA1}, 32),
			IV:         bytes.Repeat([]byte{0x02}, crypto.NonceSize),
			Tag:        bytes.Repeat([]byte{0x03}, crypto.TagSize),
		},
		Salt:      bytes.Repeat([]byte{0x04}, crypto.SaltSize),
		KDF:       crypto.DefaultKDF(),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testVault(user, primary string) (VaultRow, WrapperRow) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := testWrapper(user, RecoveryMethod)
	rec.Sealed.Ciphertext = bytes.Repeat([]byte{0xEE}, 32)
	return VaultRow{
		UserID:        user,
		KeyHash:       []byte("verifier"),
		PrimaryMethod: primary,
		Recovery:      rec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, testWrapper(user, primary)
}

// runVaultSuite exercises the VaultStore contract against a fresh store.
func runVaultSuite(t *testing.T, open func(t *testing.T) VaultStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		v, p := testVault("alice", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateVault(ctx, v, p); !errors.Is(err, ErrExists) {
			t.Fatalf("second create err = %v, want ErrExists", err)
		}
		got, err := s.GetVault(ctx, "alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PrimaryMethod != "passphrase" || !bytes.Equal(got.KeyHash, v.KeyHash) {
			t.Fatalf("unexpected record %+v", got)
		}
		if !bytes.Equal(got.Recovery.Sealed.Ciphertext, v.Recovery.Sealed.Ciphertext) {
			t.Fatal("recovery wrapper not persisted")
		}
		if got.Recovery.KDF != v.Recovery.KDF {
			t.Fatalf("recovery kdf = %+v", got.Recovery.KDF)
		}
		w, err := s.GetWrapper(ctx, "alice", "passphrase")
		if err != nil {
			t.Fatalf("get wrapper: %v", err)
		}
		if !bytes.Equal(w.Sealed.Tag, p.Sealed.Tag) || !bytes.Equal(w.Salt, p.Salt) {
			t.Fatal("wrapper fields not persisted")
		}
		rw, err := s.GetWrapper(ctx, "alice", RecoveryMethod)
		if err != nil || rw.Method != RecoveryMethod {
			t.Fatalf("get recovery wrapper: %+v %v", rw, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetVault(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get vault err = %v", err)
		}
		if _, err := s.GetWrapper(ctx, "nobody", "passphrase"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get wrapper err = %v", err)
		}
		if err := s.PutWrapper(ctx, testWrapper("nobody", "biometric")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("put wrapper without vault err = %v", err)
		}
		if err := s.DeleteVault(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete vault err = %v", err)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := open(t)
		v, p := testVault("bob", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		bio := testWrapper("bob", "biometric")
		if err := s.PutWrapper(ctx, bio); err != nil {
			t.Fatalf("put: %v", err)
		}
		bio2 := testWrapper("bob", "biometric")
		bio2.Sealed.Ciphertext = bytes.Repeat([]byte{0x77}, 32)
		if err := s.PutWrapper(ctx, bio2); err != nil {
			t.Fatalf("put again: %v", err)
		}
		ws, err := s.ListWrappers(ctx, "bob")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ws) != 2 || ws[0].Method != "biometric" || ws[1].Method != "passphrase" {
			t.Fatalf("wrappers = %+v", ws)
		}
		if !bytes.Equal(ws[0].Sealed.Ciphertext, bio2.Sealed.Ciphertext) {
			t.Fatal("upsert did not replace the wrapper")
		}
		if err := s.PutWrapper(ctx, testWrapper("bob", RecoveryMethod)); err == nil {
			t.Fatal("recovery accepted through PutWrapper")
		}
		rec, _ := s.GetWrapper(ctx, "bob", RecoveryMethod)
		if !bytes.Equal(rec.Sealed.Ciphertext, v.Recovery.Sealed.Ciphertext) {
			t.Fatal("recovery wrapper changed")
		}
	})

	t.Run("last wrapper guard", func(t *testing.T) {
		s := open(t)
		v, p := testVault("carol", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.DeleteWrapper(ctx, "carol", "passphrase"); !errors.Is(err, ErrLastWrapper) {
			t.Fatalf("delete last err = %v", err)
		}
		if err := s.DeleteWrapper(ctx, "carol", RecoveryMethod); !errors.Is(err, ErrLastWrapper) {
			t.Fatalf("delete recovery err = %v", err)
		}
		if err := s.DeleteWrapper(ctx, "carol", "passkey"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete missing err = %v", err)
		}
		if err := s.PutWrapper(ctx, testWrapper("carol", "passkey")); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.DeleteWrapper(ctx, "carol", "passphrase"); err != nil {
			t.Fatalf("delete with spare: %v", err)
		}
		got, err := s.GetVault(ctx, "carol")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PrimaryMethod != "passkey" {
			t.Fatalf("primary = %q, want passkey", got.PrimaryMethod)
		}
		if err := s.DeleteWrapper(ctx, "carol", "passkey"); !errors.Is(err, ErrLastWrapper) {
			t.Fatalf("delete new last err = %v", err)
		}
	})

	t.Run("concurrent deletes keep one", func(t *testing.T) {
		s := open(t)
		v, p := testVault("dave", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		for _, m := range []string{"biometric", "passkey"} {
			if err := s.PutWrapper(ctx, testWrapper("dave", m)); err != nil {
				t.Fatalf("put %s: %v", m, err)
			}
		}
		var wg sync.WaitGroup
		for _, m := range []string{"passphrase", "biometric", "passkey"} {
			wg.Add(1)
			go func(m string) {
				defer wg.Done()
				_ = s.DeleteWrapper(ctx, "dave", m)
			}(m)
		}
		wg.Wait()
		ws, err := s.ListWrappers(ctx, "dave")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ws) != 1 {
			t.Fatalf("%d wrappers left, want 1", len(ws))
		}
		got, err := s.GetVault(ctx, "dave")
		if err != nil {
			t.Fatalf("get vault: %v", err)
		}
		if got.PrimaryMethod != ws[0].Method {
			t.Fatalf("primary = %q, remaining wrapper is %q", got.PrimaryMethod, ws[0].Method)
		}
	})

	t.Run("concurrent registration", func(t *testing.T) {
		s := open(t)
		v, p := testVault("frank", "passkey")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		vaultKey, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		methods := []string{"passphrase", "biometric"}
		keks := make(map[string][]byte, len(methods))
		rows := make(map[string]WrapperRow, len(methods))
		for _, m := range methods {
			kek, err := crypto.GenerateKey()
			if err != nil {
				t.Fatal(err)
			}
			sealed, err := crypto.Encrypt(vaultKey, kek)
			if err != nil {
				t.Fatal(err)
			}
			w := testWrapper("frank", m)
			w.Cipher = crypto.AES256GCM
			w.Sealed = sealed
			keks[m], rows[m] = kek, w
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(methods)*10)
		for i := 0; i < 10; i++ {
			for _, m := range methods {
				wg.Add(1)
				go func(w WrapperRow) {
					defer wg.Done()
					errs <- s.PutWrapper(ctx, w)
				}(rows[m])
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		for _, m := range methods {
			w, err := s.GetWrapper(ctx, "frank", m)
			if err != nil {
				t.Fatalf("get %s: %v", m, err)
			}
			key, err := crypto.Decrypt(w.Sealed, keks[m])
			if err != nil || !bytes.Equal(key, vaultKey) {
				t.Fatalf("%s does not unwrap on its own: %v", m, err)
			}
		}
		other := methods[1]
		if w, _ := s.GetWrapper(ctx, "frank", methods[0]); w.ID == rows[other].ID {
			t.Fatal("wrappers crossed between methods")
		}
		ws, err := s.ListWrappers(ctx, "frank")
		if err != nil || len(ws) != 3 {
			t.Fatalf("list = %d wrappers, %v", len(ws), err)
		}
	})

	t.Run("replace recovery", func(t *testing.T) {
		s := open(t)
		v, p := testVault("erin", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		rec := testWrapper("erin", RecoveryMethod)
		rec.Sealed.Ciphertext = bytes.Repeat([]byte{0x55}, 32)
		if err := s.ReplaceRecovery(ctx, "erin", rec, nil); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, _ := s.GetVault(ctx, "erin")
		if !bytes.Equal(got.Recovery.Sealed.Ciphertext, rec.Sealed.Ciphertext) {
			t.Fatal("recovery not replaced")
		}
		if !bytes.Equal(got.KeyHash, v.KeyHash) {
			t.Fatal("empty hash overwrote verifier")
		}
		if err := s.ReplaceRecovery(ctx, "nobody", rec, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("replace missing err = %v", err)
		}
	})

	t.Run("delete vault", func(t *testing.T) {
		s := open(t)
		v, p := testVault("frank", "passphrase")
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.DeleteVault(ctx, "frank"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetWrapper(ctx, "frank", "passphrase"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("wrapper survived vault delete: %v", err)
		}
		if err := s.CreateVault(ctx, v, p); err != nil {
			t.Fatalf("recreate after delete: %v", err)
		}
	})
}

func testToken(user string, ttl time.Duration) TokenRow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return TokenRow{
		ID:        uuid.NewString(),
		UserID:    user,
		Scopes:    []string{"vault.read.portfolio", "vault.read.profile"},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// runTokenSuite exercises the TokenStore contract.
func runTokenSuite(t *testing.T, open func(t *testing.T) TokenStore) {
	ctx := context.Background()

	t.Run("put get revoke", func(t *testing.T) {
		s := open(t)
		tok := testToken("alice", 5*time.Minute)
		if err := s.PutToken(ctx, tok); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.PutToken(ctx, tok); !errors.Is(err, ErrExists) {
			t.Fatalf("duplicate put err = %v", err)
		}
		got, err := s.GetToken(ctx, tok.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Revoked || got.UserID != "alice" || len(got.Scopes) != 2 || !got.ExpiresAt.Equal(tok.ExpiresAt) {
			t.Fatalf("unexpected row %+v", got)
		}
		first := time.Now().UTC().Truncate(time.Millisecond)
		if err := s.RevokeToken(ctx, tok.ID, first); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if err := s.RevokeToken(ctx, tok.ID, first.Add(time.Minute)); err != nil {
			t.Fatalf("second revoke: %v", err)
		}
		got, _ = s.GetToken(ctx, tok.ID)
		if !got.Revoked || !got.RevokedAt.Equal(first) {
			t.Fatalf("revocation = %v at %v, want true at %v", got.Revoked, got.RevokedAt, first)
		}
		if err := s.RevokeToken(ctx, "missing", first); !errors.Is(err, ErrNotFound) {
			t.Fatalf("revoke missing err = %v", err)
		}
		if _, err := s.GetToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing err = %v", err)
		}
	})

	t.Run("revoke user and purge", func(t *testing.T) {
		s := open(t)
		a1, a2, b := testToken("u1", time.Minute), testToken("u1", time.Hour), testToken("u2", time.Hour)
		old := testToken("u2", time.Minute)
		old.IssuedAt = old.IssuedAt.Add(-2 * time.Hour)
		old.ExpiresAt = old.IssuedAt.Add(time.Minute)
		for _, tok := range []TokenRow{a1, a2, b, old} {
			if err := s.PutToken(ctx, tok); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		n, err := s.RevokeUserTokens(ctx, "u1", time.Now())
		if err != nil || n != 2 {
			t.Fatalf("revoke user = %d, %v", n, err)
		}
		if got, _ := s.GetToken(ctx, b.ID); got.Revoked {
			t.Fatal("other user's token revoked")
		}
		n, err = s.PurgeTokens(ctx, time.Now().Add(-time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("purge = %d, %v", n, err)
		}
		if _, err := s.GetToken(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("purged token still present: %v", err)
		}
	})
}
