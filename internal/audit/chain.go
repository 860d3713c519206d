package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Entry is one link of the hash chain. Hash covers the previous hash and the
// JSON encoding of Event.
type Entry struct {
	Event Event  `json:"event"`
	Hash  string `json:"hash"`
}

// DefaultChainWindow is the number of entries a Chain keeps by default.
const DefaultChainWindow = 4096

// Chain is an in-memory tamper-evident log. It holds fewer than twice window
// entries: on reaching that it drops all but the newest window and keeps the
// hash of the last dropped entry, so the retained part still verifies.
type Chain struct {
	mu       sync.Mutex
	window   int
	base     []byte
	lastHash []byte
	entries  []Entry
}

func NewChain() *Chain { return NewChainWindow(DefaultChainWindow) }

func NewChainWindow(window int) *Chain {
	if window <= 0 {
		window = DefaultChainWindow
	}
	return &Chain{window: window}
}

func link(prev []byte, e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(prev)
	h.Write(body)
	return h.Sum(nil), nil
}

func (c *Chain) Record(_ context.Context, e Event) error {
	_, err := c.Append(e)
	return err
}

func (c *Chain) Append(e Event) (Entry, error) {
	e = Stamp(e)
	c.mu.Lock()
	defer c.mu.Unlock()
	sum, err := link(c.lastHash, e)
	if err != nil {
		return Entry{}, err
	}
	c.lastHash = sum
	ent := Entry{Event: e, Hash: hex.EncodeToString(sum)}
	c.entries = append(c.entries, ent)
	if len(c.entries) >= 2*c.window {
		n := len(c.entries) - c.window
		c.base, _ = hex.DecodeString(c.entries[n-1].Hash)
		c.entries = append(c.entries[:0:0], c.entries[n:]...)
	}
	return ent, nil
}

func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return VerifyFrom(c.base, c.entries)
}

// Base is the hash the retained entries chain from; nil until an entry has
// been dropped.
func (c *Chain) Base() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.base...)
}

// VerifyEntries checks an exported chain from its first entry.
func VerifyEntries(entries []Entry) error { return VerifyFrom(nil, entries) }

// VerifyFrom checks entries that follow the entry whose hash is base.
func VerifyFrom(base []byte, entries []Entry) error {
	prev := base
	for i, e := range entries {
		sum, err := link(prev, e.Event)
		if err != nil {
			return err
		}
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d", i)
		}
		prev = sum
	}
	return nil
}

func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}
