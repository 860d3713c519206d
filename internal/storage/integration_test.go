package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("CONSENT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CONSENT_TEST_MONGO_URI not set")
	}
	open := func(t *testing.T) *Mongo {
		ctx := context.Background()
		db := "consent_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		m, err := OpenMongo(ctx, uri, db)
		if err != nil {
			t.Fatalf("open mongo: %v", err)
		}
		t.Cleanup(func() {
			_ = m.client.Database(db).Drop(ctx)
			_ = m.Close()
		})
		return m
	}
	runVaultSuite(t, func(t *testing.T) VaultStore { return open(t) })
	runTokenSuite(t, func(t *testing.T) TokenStore { return open(t) })
}

func TestRedisTokens(t *testing.T) {
	addr := os.Getenv("CONSENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONSENT_TEST_REDIS_ADDR not set")
	}
	runTokenSuite(t, func(t *testing.T) TokenStore {
		r, err := OpenRedisTokens(context.Background(), RedisOptions{
			Addr:   addr,
			Prefix: "consent-test:" + uuid.NewString() + ":",
		})
		if err != nil {
			t.Fatalf("open redis: %v", err)
		}
		t.Cleanup(func() { _ = r.Close() })
		return r
	})
}
