package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokens keeps consent token rows in Redis hashes. Keys expire a day
// after the token itself so revocation state outlives any valid signature.
type RedisTokens struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

const redisRetention = 24 * time.Hour

var putTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'scope', ARGV[2], 'issued_at', ARGV[3], 'expires_at', ARGV[4], 'revoked', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[6])
redis.call('PEXPIREAT', KEYS[2], ARGV[5])
return 1
`)

var revokeTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return 1
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func OpenRedisTokens(ctx context.Context, o RedisOptions) (*RedisTokens, error) {
	if o.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	if o.Prefix == "" {
		o.Prefix = "consent:"
	}
	rdb := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisTokens{rdb: rdb, prefix: o.Prefix, retention: redisRetention}, nil
}

func (r *RedisTokens) Close() error { return r.rdb.Close() }

func (r *RedisTokens) tokenKey(id string) string { return r.prefix + "token:" + id }
func (r *RedisTokens) userKey(user string) string { return r.prefix + "user:" + user }

func redisErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return translate(op, err)
}

func (r *RedisTokens) PutToken(ctx context.Context, t TokenRow) error {
	if t.ID == "" || t.UserID == "" {
		return ErrInvalidInput
	}
	scope, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}
	keep := t.ExpiresAt.Add(r.retention).UnixMilli()
	n, err := putTokenScript.Run(ctx, r.rdb,
		[]string{r.tokenKey(t.ID), r.userKey(t.UserID)},
		t.UserID, string(scope), t.IssuedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), keep, t.ID,
	).Int()
	if err != nil {
		return redisErr("put token", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (r *RedisTokens) GetToken(ctx context.Context, id string) (TokenRow, error) {
	h, err := r.rdb.HGetAll(ctx, r.tokenKey(id)).Result()
	if err != nil {
		return TokenRow{}, redisErr("get token", err)
	}
	if len(h) == 0 {
		return TokenRow{}, ErrNotFound
	}
	t := TokenRow{ID: id, UserID: h["user_id"], Revoked: h["revoked"] == "1"}
	if err := json.Unmarshal([]byte(h["scope"]), &t.Scopes); err != nil {
		return TokenRow{}, errors.Join(ErrUnavailable, err)
	}
	t.IssuedAt = parseMillis(h["issued_at"])
	t.ExpiresAt = parseMillis(h["expires_at"])
	if v, ok := h["revoked_at"]; ok {
		t.RevokedAt = parseMillis(v)
	}
	return t, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMillis(ms)
}

func (r *RedisTokens) RevokeToken(ctx context.Context, id string, at time.Time) error {
	n, err := revokeTokenScript.Run(ctx, r.rdb, []string{r.tokenKey(id)}, at.UnixMilli()).Int()
	if err != nil {
		return redisErr("revoke token", err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisTokens) RevokeUserTokens(ctx context.Context, userID string, at time.Time) (int, error) {
	ids, err := r.rdb.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return 0, redisErr("revoke user tokens", err)
	}
	count := 0
	for _, id := range ids {
		n, err := revokeTokenScript.Run(ctx, r.rdb, []string{r.tokenKey(id)}, at.UnixMilli()).Int()
		if err != nil {
			return count, redisErr("revoke user tokens", err)
		}
		if n == 1 {
			count++
		}
	}
	return count, nil
}

// PurgeTokens deletes rows whose expiry is before the cutoff. Redis also
// expires rows on its own after the retention window.
func (r *RedisTokens) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"token:*", 256).Result()
		if err != nil {
			return count, redisErr("purge tokens", err)
		}
		for _, key := range keys {
			exp, err := r.rdb.HGet(ctx, key, "expires_at").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return count, redisErr("purge tokens", err)
			}
			if parseMillis(exp).Before(before) {
				if err := r.rdb.Del(ctx, key).Err(); err != nil {
					return count, redisErr("purge tokens", err)
				}
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

var _ TokenStore = (*RedisTokens)(nil)
