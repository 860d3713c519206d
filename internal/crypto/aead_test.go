package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func randBytes(t testing.TB, n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

var suites = []Cipher{AES256GCM, ChaCha20Poly1305}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, c := range suites {
		t.Run(string(c), func(t *testing.T) {
			key := randBytes(t, KeySize)
			pt := randBytes(t, 4096)
			s, err := c.Seal(pt, key)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			if len(s.IV) != NonceSize || len(s.Tag) != TagSize || len(s.Ciphertext) != len(pt) {
				t.Fatalf("unexpected field sizes iv=%d tag=%d ct=%d", len(s.IV), len(s.Tag), len(s.Ciphertext))
			}
			out, err := c.Open(s, key)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !bytes.Equal(pt, out) {
				t.Fatal("plaintext mismatch")
			}
		})
	}
}

func TestOpenFailsClosed(t *testing.T) {
	key := randBytes(t, KeySize)
	s, err := Encrypt([]byte("vault-key-material"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}
	cases := []struct {
		name string
		s    Sealed
		key  []byte
	}{
		{"wrong key", s, randBytes(t, KeySize)},
		{"short key", s, key[:16]},
		{"tampered ciphertext", Sealed{flip(s.Ciphertext), s.IV, s.Tag}, key},
		{"tampered iv", Sealed{s.Ciphertext, flip(s.IV), s.Tag}, key},
		{"tampered tag", Sealed{s.Ciphertext, s.IV, flip(s.Tag)}, key},
		{"truncated tag", Sealed{s.Ciphertext, s.IV, s.Tag[:8]}, key},
		{"missing iv", Sealed{s.Ciphertext, nil, s.Tag}, key},
		{"truncated ciphertext", Sealed{s.Ciphertext[:4], s.IV, s.Tag}, key},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pt, err := Decrypt(tc.s, tc.key)
			if !errors.Is(err, ErrAuthentication) || err != ErrAuthentication {
				t.Fatalf("err = %v, want bare ErrAuthentication", err)
			}
			if pt != nil {
				t.Fatal("plaintext returned on failure")
			}
		})
	}
}

func TestCipherSuitesNotInterchangeable(t *testing.T) {
	key := randBytes(t, KeySize)
	s, err := ChaCha20Poly1305.Seal([]byte("data"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := AES256GCM.Open(s, key); err != ErrAuthentication {
		t.Fatalf("cross-suite open err = %v", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	key := randBytes(t, KeySize)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		s, err := Encrypt([]byte("x"), key)
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		n := string(s.IV)
		if _, dup := seen[n]; dup {
			t.Fatalf("nonce repeated after %d encryptions", i)
		}
		seen[n] = struct{}{}
	}
}

func TestParseCipher(t *testing.T) {
	if c, err := ParseCipher(""); err != nil || c != AES256GCM {
		t.Fatalf("empty cipher = %q, %v", c, err)
	}
	if _, err := ParseCipher("des"); !errors.Is(err, ErrUnknownCipher) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewEngine(DefaultKDF(), "des"); err == nil {
		t.Fatal("engine accepted unknown cipher")
	}
}

func FuzzSealRejectMutations(f *testing.F) {
	f.Add([]byte("hello"), uint16(0))
	f.Add([]byte(""), uint16(3))
	f.Fuzz(func(t *testing.T, pt []byte, pos uint16) {
		key := randBytes(t, KeySize)
		s, err := Encrypt(pt, key)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		got, err := Decrypt(s, key)
		if err != nil || !bytes.Equal(got, pt) {
			t.Fatalf("baseline open failed: %v", err)
		}
		blob := append(append(append([]byte(nil), s.Ciphertext...), s.IV...), s.Tag...)
		idx := int(pos) % len(blob)
		blob[idx] ^= 0xFF
		n := len(s.Ciphertext)
		mut := Sealed{blob[:n], blob[n : n+NonceSize], blob[n+NonceSize:]}
		if _, err := Decrypt(mut, key); err == nil {
			t.Fatalf("mutation at %d succeeded", idx)
		}
	})
}

func BenchmarkSeal1KB(b *testing.B) {
	key := randBytes(b, KeySize)
	pt := randBytes(b, 1024)
	b.SetBytes(int64(len(pt)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encrypt(pt, key); err != nil {
			b.Fatalf("seal failed: %v", err)
		}
	}
}

func BenchmarkDeriveKey(b *testing.B) {
	salt := randBytes(b, SaltSize)
	for i := 0; i < b.N; i++ {
		if _, err := DeriveKey([]byte("passphrase"), salt, MinIterations); err != nil {
			b.Fatalf("derive failed: %v", err)
		}
	}
}
