package platform

import (
	"bytes"
	"errors"
	"testing"
)

func openTestKeychain(t *testing.T) *Keychain {
	t.Helper()
	k, err := OpenKeychain(KeychainConfig{Service: "consent-test", Dir: t.TempDir(), Password: "test"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return k
}

func TestKeychainStoreLoad(t *testing.T) {
	k := openTestKeychain(t)
	if _, err := k.Load("signing-seed"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
	if err := k.Store("signing-seed", []byte("0123456789abcdef")); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := k.Load("signing-seed")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "0123456789abcdef" {
		t.Fatalf("got %q", got)
	}
}

func TestKeychainLoadOrCreate(t *testing.T) {
	k := openTestKeychain(t)
	calls := 0
	gen := func() ([]byte, error) {
		calls++
		return []byte{1, 2, 3}, nil
	}
	a, err := k.LoadOrCreate("seed", gen)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := k.LoadOrCreate("seed", gen)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if calls != 1 || !bytes.Equal(a, b) {
		t.Fatalf("calls = %d, a = %v, b = %v", calls, a, b)
	}
}
