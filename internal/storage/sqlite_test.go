package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteVaultStore(t *testing.T) {
	runVaultSuite(t, func(t *testing.T) VaultStore { return openTestSQLite(t) })
}

func TestSQLiteTokenStore(t *testing.T) {
	runTokenSuite(t, func(t *testing.T) TokenStore { return openTestSQLite(t) })
}

func TestSQLiteInMemory(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	v, p := testVault("alice", "passphrase")
	if err := s.CreateVault(context.Background(), v, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.GetVault(context.Background(), "alice"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, p := testVault("alice", "passphrase")
	if err := s.CreateVault(ctx, v, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetWrapper(ctx, "alice", "passphrase"); err != nil {
		t.Fatalf("wrapper lost across reopen: %v", err)
	}
}
