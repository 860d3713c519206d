package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func TestChainVerify(t *testing.T) {
	c := NewChain()
	for _, k := range []Kind{VaultCreated, UnlockSucceeded, TokenIssued, TokenRevoked} {
		if _, err := c.Append(Event{Kind: k, UserID: "alice"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	entries := c.Entries()
	entries[1].Event.UserID = "mallory"
	if err := VerifyEntries(entries); err == nil {
		t.Fatal("tampered chain verified")
	}
	if err := c.Verify(); err != nil {
		t.Fatal("Entries returned shared storage")
	}
}

func TestChainWindowBounded(t *testing.T) {
	c := NewChainWindow(4)
	var last Entry
	for i := 0; i < 25; i++ {
		e, err := c.Append(Event{Kind: UnlockFailed, UserID: fmt.Sprintf("u%d", i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		last = e
	}
	entries := c.Entries()
	if len(entries) < 4 || len(entries) >= 8 {
		t.Fatalf("retained %d entries, window 4", len(entries))
	}
	if entries[len(entries)-1].Hash != last.Hash {
		t.Fatal("newest entry not retained")
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify window: %v", err)
	}
	if err := VerifyEntries(entries); err == nil {
		t.Fatal("window verified without its base hash")
	}
	entries[0].Event.UserID = "mallory"
	if err := VerifyFrom(c.Base(), entries); err == nil {
		t.Fatal("tampered window verified")
	}
}

type failing struct{}

func (failing) Record(context.Context, Event) error { return errors.New("sink down") }

func TestMultiJoinsErrors(t *testing.T) {
	c := NewChain()
	err := Multi(c, failing{}, nil).Record(context.Background(), Event{Kind: TokenIssued})
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("err = %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatal("healthy sink skipped after failure")
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))
	e := Event{Kind: RecoveryUnlock, UserID: "alice", Method: "recovery", Time: time.Unix(1700000000, 0)}
	if err := l.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["event"] != string(RecoveryUnlock) || line["user_id"] != "alice" || line["component"] != "audit" {
		t.Fatalf("unexpected line %v", line)
	}
	if _, ok := line["token_id"]; ok {
		t.Fatal("empty field was logged")
	}
}

func TestNATSPublish(t *testing.T) {
	url := os.Getenv("CONSENT_TEST_NATS_URL")
	if url == "" {
		t.Skip("CONSENT_TEST_NATS_URL not set")
	}
	pub, err := NewNATS(url, "consent.test", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pub.Close()

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("consent.test.>", ch)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Unsubscribe()
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := pub.Record(context.Background(), Event{Kind: TokenRevoked, TokenID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if msg.Subject != "consent.test."+string(TokenRevoked) {
			t.Fatalf("subject = %s", msg.Subject)
		}
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.TokenID != "t1" {
			t.Fatalf("payload %s: %v", msg.Data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
