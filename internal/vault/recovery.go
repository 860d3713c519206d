package vault

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

const (
	recoveryPrefix = "HRK"
	recoveryBytes  = 10 // 80 bits, 16 base32 characters
)

var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewRecoveryCode returns a fresh code like HRK-7Q2M-K9XD-P4TB-WN3R.
func NewRecoveryCode() (string, error) {
	b := make([]byte, recoveryBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return formatRecovery(crockford.EncodeToString(b)), nil
}

func formatRecovery(body string) string {
	var sb strings.Builder
	sb.WriteString(recoveryPrefix)
	for i := 0; i < len(body); i += 4 {
		end := i + 4
		if end > len(body) {
			end = len(body)
		}
		sb.WriteByte('-')
		sb.WriteString(body[i:end])
	}
	return sb.String()
}

// NormalizeRecoveryCode accepts user-typed codes: any case, spaces or
// dashes, and the usual Crockford confusables.
func NormalizeRecoveryCode(s string) string {
	s = strings.ToUpper(s)
	s = strings.NewReplacer("-", "", " ", "", "\t", "").Replace(s)
	s = strings.TrimPrefix(s, recoveryPrefix)
	s = strings.NewReplacer("O", "0", "I", "1", "L", "1").Replace(s)
	if s == "" {
		return ""
	}
	return formatRecovery(s)
}

// ParseRecoveryCode reports the canonical form of s when s reads as an
// issued recovery code. Anything else, including client-chosen recovery
// secrets, returns false.
func ParseRecoveryCode(s string) (string, bool) {
	n := NormalizeRecoveryCode(s)
	body := strings.ReplaceAll(strings.TrimPrefix(n, recoveryPrefix), "-", "")
	if len(body) != crockford.EncodedLen(recoveryBytes) {
		return "", false
	}
	if _, err := crockford.DecodeString(body); err != nil {
		return "", false
	}
	return n, true
}
