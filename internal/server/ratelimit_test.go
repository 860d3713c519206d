package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestMultiLimiter_Allow(t *testing.T) {
	// 2 events per second with burst 2
	ml := newMultiLimiter(rate.Limit(2), 2, time.Minute)
	key := "test"
	if !ml.allow(key) {
		t.Fatal("first allow should pass")
	}
	if !ml.allow(key) {
		t.Fatal("second allow should pass")
	}
	if ml.allow(key) {
		t.Fatal("third allow should be rate limited")
	}
	if !ml.allow("other") {
		t.Fatal("keys must not share a bucket")
	}
}

func TestRetryAfter(t *testing.T) {
	ml := newMultiLimiter(perMinute(10), 1, time.Minute)
	if got := ml.retryAfter(); got != 7 {
		t.Fatalf("retryAfter = %d, want 7", got)
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/vault/unlock", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := getClientIP(r, false); got != "10.0.0.1" {
		t.Fatalf("remote addr: got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if got := getClientIP(r, false); got != "10.0.0.1" {
		t.Fatalf("untrusted xff: got %q", got)
	}
	if got := getClientIP(r, true); got != "198.51.100.7" {
		t.Fatalf("trusted xff: got %q", got)
	}
}
