package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

// Memory is an in-process Store used by tests and the ephemeral server mode.
type Memory struct {
	mu       sync.Mutex
	vaults   map[string]VaultRow
	wrappers map[string]map[string]WrapperRow
	tokens   map[string]TokenRow
}

func NewMemory() *Memory {
	return &Memory{
		vaults:   make(map[string]VaultRow),
		wrappers: make(map[string]map[string]WrapperRow),
		tokens:   make(map[string]TokenRow),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateVault(ctx context.Context, v VaultRow, primary WrapperRow) error {
	if err := ctx.Err(); err != nil {
		return translate("create vault", err)
	}
	if err := validWrapper(primary); err != nil {
		return err
	}
	if err := validWrapper(v.Recovery); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.UserID]; ok {
		return ErrExists
	}
	m.vaults[v.UserID] = cloneVault(v)
	m.wrappers[v.UserID] = map[string]WrapperRow{primary.Method: cloneWrapper(primary)}
	return nil
}

func (m *Memory) GetVault(ctx context.Context, userID string) (VaultRow, error) {
	if err := ctx.Err(); err != nil {
		return VaultRow{}, translate("get vault", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[userID]
	if !ok {
		return VaultRow{}, ErrNotFound
	}
	return cloneVault(v), nil
}

func (m *Memory) DeleteVault(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return translate("delete vault", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[userID]; !ok {
		return ErrNotFound
	}
	delete(m.vaults, userID)
	delete(m.wrappers, userID)
	return nil
}

func (m *Memory) PutWrapper(ctx context.Context, w WrapperRow) error {
	if err := ctx.Err(); err != nil {
		return translate("put wrapper", err)
	}
	if err := validWrapper(w); err != nil {
		return err
	}
	if w.Method == RecoveryMethod {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[w.UserID]
	if !ok {
		return ErrNotFound
	}
	m.wrappers[w.UserID][w.Method] = cloneWrapper(w)
	v.UpdatedAt = time.Now().UTC()
	m.vaults[w.UserID] = v
	return nil
}

func (m *Memory) GetWrapper(ctx context.Context, userID, method string) (WrapperRow, error) {
	if err := ctx.Err(); err != nil {
		return WrapperRow{}, translate("get wrapper", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if method == RecoveryMethod {
		v, ok := m.vaults[userID]
		if !ok {
			return WrapperRow{}, ErrNotFound
		}
		return cloneWrapper(v.Recovery), nil
	}
	w, ok := m.wrappers[userID][method]
	if !ok {
		return WrapperRow{}, ErrNotFound
	}
	return cloneWrapper(w), nil
}

func (m *Memory) ListWrappers(ctx context.Context, userID string) ([]WrapperRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate("list wrappers", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[userID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]WrapperRow, 0, len(m.wrappers[userID]))
	for _, w := range m.wrappers[userID] {
		out = append(out, cloneWrapper(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, nil
}

func (m *Memory) DeleteWrapper(ctx context.Context, userID, method string) error {
	if err := ctx.Err(); err != nil {
		return translate("delete wrapper", err)
	}
	if method == RecoveryMethod {
		return ErrLastWrapper
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[userID]
	if !ok {
		return ErrNotFound
	}
	ws := m.wrappers[userID]
	if _, ok := ws[method]; !ok {
		return ErrNotFound
	}
	if len(ws) <= 1 {
		return ErrLastWrapper
	}
	delete(ws, method)
	if v.PrimaryMethod == method {
		v.PrimaryMethod = firstMethod(ws)
	}
	v.UpdatedAt = time.Now().UTC()
	m.vaults[userID] = v
	return nil
}

func (m *Memory) ReplaceRecovery(ctx context.Context, userID string, w WrapperRow, keyHash []byte) error {
	if err := ctx.Err(); err != nil {
		return translate("replace recovery", err)
	}
	if err := validWrapper(w); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[userID]
	if !ok {
		return ErrNotFound
	}
	v.Recovery = cloneWrapper(w)
	if len(keyHash) > 0 {
		v.KeyHash = append([]byte(nil), keyHash...)
	}
	v.UpdatedAt = time.Now().UTC()
	m.vaults[userID] = v
	return nil
}

func (m *Memory) PutToken(ctx context.Context, t TokenRow) error {
	if err := ctx.Err(); err != nil {
		return translate("put token", err)
	}
	if t.ID == "" || t.UserID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; ok {
		return ErrExists
	}
	t.Scopes = append([]string(nil), t.Scopes...)
	m.tokens[t.ID] = t
	return nil
}

func (m *Memory) GetToken(ctx context.Context, id string) (TokenRow, error) {
	if err := ctx.Err(); err != nil {
		return TokenRow{}, translate("get token", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return TokenRow{}, ErrNotFound
	}
	t.Scopes = append([]string(nil), t.Scopes...)
	return t, nil
}

func (m *Memory) RevokeToken(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return translate("revoke token", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = at
		m.tokens[id] = t
	}
	return nil
}

func (m *Memory) RevokeUserTokens(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, translate("revoke user tokens", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = at
			m.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, translate("purge tokens", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func firstMethod(ws map[string]WrapperRow) string {
	names := make([]string, 0, len(ws))
	for name := range ws {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneWrapper(w WrapperRow) WrapperRow {
	w.Sealed = crypto.Sealed{
		Ciphertext: cloneBytes(w.Sealed.Ciphertext),
		IV:         cloneBytes(w.Sealed.IV),
		Tag:        cloneBytes(w.Sealed.Tag),
	}
	w.Salt = cloneBytes(w.Salt)
	w.CredentialID = cloneBytes(w.CredentialID)
	w.PRFSalt = cloneBytes(w.PRFSalt)
	return w
}

func cloneVault(v VaultRow) VaultRow {
	v.KeyHash = cloneBytes(v.KeyHash)
	v.Recovery = cloneWrapper(v.Recovery)
	return v
}
