package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

// SQLite is the default Store. Every multi-statement change runs in a single
// transaction that begins with a write, so the database lock is taken up front.
type SQLite struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vault_keys (
	user_id TEXT PRIMARY KEY,
	vault_key_hash BLOB,
	primary_method TEXT NOT NULL,
	recovery_wrapped_key BLOB NOT NULL,
	recovery_salt BLOB NOT NULL,
	recovery_iv BLOB NOT NULL,
	recovery_tag BLOB NOT NULL,
	recovery_kdf TEXT NOT NULL,
	recovery_cipher TEXT NOT NULL DEFAULT '',
	recovery_created_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_key_wrappers (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES vault_keys(user_id) ON DELETE CASCADE,
	method TEXT NOT NULL CHECK(method <> 'recovery'),
	wrapped_key BLOB NOT NULL,
	salt BLOB NOT NULL,
	iv BLOB NOT NULL,
	tag BLOB NOT NULL,
	kdf TEXT NOT NULL,
	cipher TEXT NOT NULL DEFAULT '',
	passkey_credential_id BLOB,
	passkey_prf_salt BLOB,
	created_at INTEGER NOT NULL,
	UNIQUE(user_id, method)
);

CREATE TABLE IF NOT EXISTS consent_tokens (
	token_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0,
	revoked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_consent_tokens_user ON consent_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_consent_tokens_expiry ON consent_tokens(expires_at);
`

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database limited to one connection.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLite) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translate(op, err)
	}
	return translate(op, tx.Commit())
}

func (s *SQLite) CreateVault(ctx context.Context, v VaultRow, primary WrapperRow) error {
	if err := validWrapper(primary); err != nil {
		return err
	}
	if err := validWrapper(v.Recovery); err != nil {
		return err
	}
	if primary.Method == RecoveryMethod {
		return ErrInvalidInput
	}
	recKDF, err := json.Marshal(v.Recovery.KDF)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "create vault", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO vault_keys (user_id, vault_key_hash, primary_method,
				recovery_wrapped_key, recovery_salt, recovery_iv, recovery_tag, recovery_kdf,
				recovery_cipher, recovery_created_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			v.UserID, v.KeyHash, v.PrimaryMethod,
			v.Recovery.Sealed.Ciphertext, v.Recovery.Salt, v.Recovery.Sealed.IV, v.Recovery.Sealed.Tag, string(recKDF),
			string(v.Recovery.Cipher), millis(v.Recovery.CreatedAt), millis(v.CreatedAt), millis(v.UpdatedAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrExists
		}
		return upsertWrapper(ctx, tx, primary)
	})
}

func upsertWrapper(ctx context.Context, tx *sql.Tx, w WrapperRow) error {
	kdf, err := json.Marshal(w.KDF)
	if err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_key_wrappers (id, user_id, method, wrapped_key, salt, iv, tag, kdf, cipher,
			passkey_credential_id, passkey_prf_salt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, method) DO UPDATE SET
			id = excluded.id,
			wrapped_key = excluded.wrapped_key,
			salt = excluded.salt,
			iv = excluded.iv,
			tag = excluded.tag,
			kdf = excluded.kdf,
			cipher = excluded.cipher,
			passkey_credential_id = excluded.passkey_credential_id,
			passkey_prf_salt = excluded.passkey_prf_salt,
			created_at = excluded.created_at`,
		w.ID, w.UserID, w.Method, w.Sealed.Ciphertext, w.Salt, w.Sealed.IV, w.Sealed.Tag, string(kdf), string(w.Cipher),
		w.CredentialID, w.PRFSalt, millis(w.CreatedAt))
	return err
}

func (s *SQLite) GetVault(ctx context.Context, userID string) (VaultRow, error) {
	var (
		v            VaultRow
		recKDF       string
		recCipher    string
		recCreated   int64
		created, upd int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, vault_key_hash, primary_method, recovery_wrapped_key, recovery_salt,
			recovery_iv, recovery_tag, recovery_kdf, recovery_cipher, recovery_created_at, created_at, updated_at
		FROM vault_keys WHERE user_id = ?`, userID).Scan(
		&v.UserID, &v.KeyHash, &v.PrimaryMethod, &v.Recovery.Sealed.Ciphertext, &v.Recovery.Salt,
		&v.Recovery.Sealed.IV, &v.Recovery.Sealed.Tag, &recKDF, &recCipher, &recCreated, &created, &upd)
	if err == sql.ErrNoRows {
		return VaultRow{}, ErrNotFound
	}
	if err != nil {
		return VaultRow{}, translate("get vault", err)
	}
	if err := json.Unmarshal([]byte(recKDF), &v.Recovery.KDF); err != nil {
		return VaultRow{}, fmt.Errorf("get vault: decode recovery kdf: %w", err)
	}
	v.Recovery.UserID = v.UserID
	v.Recovery.Method = RecoveryMethod
	v.Recovery.Cipher = crypto.Cipher(recCipher)
	v.Recovery.CreatedAt = fromMillis(recCreated)
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(upd)
	return v, nil
}

func (s *SQLite) DeleteVault(ctx context.Context, userID string) error {
	return s.withTx(ctx, "delete vault", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM vault_keys WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM vault_key_wrappers WHERE user_id = ?`, userID)
		return err
	})
}

func (s *SQLite) PutWrapper(ctx context.Context, w WrapperRow) error {
	if err := validWrapper(w); err != nil {
		return err
	}
	if w.Method == RecoveryMethod {
		return ErrInvalidInput
	}
	return s.withTx(ctx, "put wrapper", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE vault_keys SET updated_at = ? WHERE user_id = ?`,
			millis(time.Now()), w.UserID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return upsertWrapper(ctx, tx, w)
	})
}

const wrapperColumns = `id, user_id, method, wrapped_key, salt, iv, tag, kdf, cipher,
	passkey_credential_id, passkey_prf_salt, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWrapper(r rowScanner) (WrapperRow, error) {
	var (
		w       WrapperRow
		kdf     string
		cipher  string
		created int64
	)
	if err := r.Scan(&w.ID, &w.UserID, &w.Method, &w.Sealed.Ciphertext, &w.Salt, &w.Sealed.IV,
		&w.Sealed.Tag, &kdf, &cipher, &w.CredentialID, &w.PRFSalt, &created); err != nil {
		return WrapperRow{}, err
	}
	if err := json.Unmarshal([]byte(kdf), &w.KDF); err != nil {
		return WrapperRow{}, fmt.Errorf("decode kdf: %w", err)
	}
	w.Cipher = crypto.Cipher(cipher)
	w.CreatedAt = fromMillis(created)
	return w, nil
}

func (s *SQLite) GetWrapper(ctx context.Context, userID, method string) (WrapperRow, error) {
	if method == RecoveryMethod {
		v, err := s.GetVault(ctx, userID)
		if err != nil {
			return WrapperRow{}, err
		}
		return v.Recovery, nil
	}
	w, err := scanWrapper(s.db.QueryRowContext(ctx,
		`SELECT `+wrapperColumns+` FROM vault_key_wrappers WHERE user_id = ? AND method = ?`, userID, method))
	if err == sql.ErrNoRows {
		return WrapperRow{}, ErrNotFound
	}
	return w, translate("get wrapper", err)
}

func (s *SQLite) ListWrappers(ctx context.Context, userID string) ([]WrapperRow, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vault_keys WHERE user_id = ?`, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translate("list wrappers", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+wrapperColumns+` FROM vault_key_wrappers WHERE user_id = ? ORDER BY method`, userID)
	if err != nil {
		return nil, translate("list wrappers", err)
	}
	defer rows.Close()
	var out []WrapperRow
	for rows.Next() {
		w, err := scanWrapper(rows)
		if err != nil {
			return nil, translate("list wrappers", err)
		}
		out = append(out, w)
	}
	return out, translate("list wrappers", rows.Err())
}

func (s *SQLite) DeleteWrapper(ctx context.Context, userID, method string) error {
	if method == RecoveryMethod {
		return ErrLastWrapper
	}
	return s.withTx(ctx, "delete wrapper", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM vault_key_wrappers
			WHERE user_id = ? AND method = ?
			  AND (SELECT COUNT(*) FROM vault_key_wrappers WHERE user_id = ?) > 1`,
			userID, method, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM vault_key_wrappers WHERE user_id = ? AND method = ?`, userID, method).Scan(&one)
			switch {
			case err == sql.ErrNoRows:
				return ErrNotFound
			case err != nil:
				return err
			default:
				return ErrLastWrapper
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE vault_keys SET
				primary_method = CASE WHEN primary_method = ?
					THEN (SELECT method FROM vault_key_wrappers WHERE user_id = ? ORDER BY method LIMIT 1)
					ELSE primary_method END,
				updated_at = ?
			WHERE user_id = ?`, method, userID, millis(time.Now()), userID)
		return err
	})
}

func (s *SQLite) ReplaceRecovery(ctx context.Context, userID string, w WrapperRow, keyHash []byte) error {
	if err := validWrapper(w); err != nil {
		return err
	}
	kdf, err := json.Marshal(w.KDF)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "replace recovery", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE vault_keys SET
				recovery_wrapped_key = ?, recovery_salt = ?, recovery_iv = ?, recovery_tag = ?,
				recovery_kdf = ?, recovery_cipher = ?, recovery_created_at = ?,
				vault_key_hash = COALESCE(?, vault_key_hash),
				updated_at = ?
			WHERE user_id = ?`,
			w.Sealed.Ciphertext, w.Salt, w.Sealed.IV, w.Sealed.Tag, string(kdf), string(w.Cipher), millis(w.CreatedAt),
			nilIfEmpty(keyHash), millis(time.Now()), userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *SQLite) PutToken(ctx context.Context, t TokenRow) error {
	if t.ID == "" || t.UserID == "" {
		return ErrInvalidInput
	}
	scope, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_tokens (token_id, user_id, scope, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(token_id) DO NOTHING`,
		t.ID, t.UserID, string(scope), millis(t.IssuedAt), millis(t.ExpiresAt))
	if err != nil {
		return translate("put token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLite) GetToken(ctx context.Context, id string) (TokenRow, error) {
	var (
		t               TokenRow
		scope           string
		issued, expires int64
		revoked         int
		revokedAt       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, user_id, scope, issued_at, expires_at, revoked, revoked_at
		FROM consent_tokens WHERE token_id = ?`, id).Scan(
		&t.ID, &t.UserID, &scope, &issued, &expires, &revoked, &revokedAt)
	if err == sql.ErrNoRows {
		return TokenRow{}, ErrNotFound
	}
	if err != nil {
		return TokenRow{}, translate("get token", err)
	}
	if err := json.Unmarshal([]byte(scope), &t.Scopes); err != nil {
		return TokenRow{}, fmt.Errorf("get token: decode scope: %w", err)
	}
	t.IssuedAt = fromMillis(issued)
	t.ExpiresAt = fromMillis(expires)
	t.Revoked = revoked != 0
	if revokedAt.Valid {
		t.RevokedAt = fromMillis(revokedAt.Int64)
	}
	return t, nil
}

func (s *SQLite) RevokeToken(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, "revoke token", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE consent_tokens SET revoked = 1, revoked_at = COALESCE(revoked_at, ?) WHERE token_id = ?`,
			millis(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLite) RevokeUserTokens(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET revoked = 1, revoked_at = ? WHERE user_id = ? AND revoked = 0`,
		millis(at), userID)
	if err != nil {
		return 0, translate("revoke user tokens", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consent_tokens WHERE expires_at < ?`, millis(before))
	if err != nil {
		return 0, translate("purge tokens", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Store = (*SQLite)(nil)
var _ Store = (*Memory)(nil)
