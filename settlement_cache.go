package permitpay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementKey derives the idempotency key for a settle request from its
// raw body. Identical bodies, byte for byte, map to the same key.
func SettlementKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SettlementCache makes settle requests idempotent. Calls to Do with the
// same key share a single execution: the first caller runs it, concurrent
// callers block on its outcome, and later callers replay the stored
// response until the TTL lapses. Failed executions are not retained, so a
// retry after an error settles fresh.
type SettlementCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*settlementEntry
}

// settlementEntry tracks one settle execution. done is closed when the
// attempt finishes; resp and expires are valid only after that.
type settlementEntry struct {
	done    chan struct{}
	resp    SettleResponse
	expires time.Time
}

// NewSettlementCache returns a cache whose stored responses expire after ttl.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		ttl:     ttl,
		entries: make(map[string]*settlementEntry),
	}
}

// Do executes settle under key at most once at a time. A fresh stored
// response for key is returned with shared=true without calling settle.
// If another call is mid-flight, Do waits for its outcome instead of
// starting a second execution, unless ctx is cancelled first. Otherwise
// Do runs settle itself: a successful response is stored for the TTL
// window, an error evicts the key so the next caller retries.
func (c *SettlementCache) Do(ctx context.Context, key string, settle func(context.Context) (SettleResponse, error)) (resp SettleResponse, shared bool, err error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			select {
			case <-e.done:
				if time.Now().Before(e.expires) {
					resp = e.resp
					c.mu.Unlock()
					return resp, true, nil
				}
				delete(c.entries, key)
			default:
				done := e.done
				c.mu.Unlock()
				select {
				case <-done:
					continue
				case <-ctx.Done():
					return SettleResponse{}, false, ctx.Err()
				}
			}
		}

		e := &settlementEntry{done: make(chan struct{})}
		c.entries[key] = e
		c.mu.Unlock()

		resp, err = settle(ctx)

		c.mu.Lock()
		if err != nil {
			delete(c.entries, key)
		} else {
			e.resp = resp
			e.expires = time.Now().Add(c.ttl)
			c.sweepLocked()
		}
		close(e.done)
		c.mu.Unlock()
		return resp, false, err
	}
}

// sweepLocked drops stored responses whose TTL has lapsed. Callers hold mu.
func (c *SettlementCache) sweepLocked() {
	now := time.Now()
	for key, e := range c.entries {
		select {
		case <-e.done:
			if now.After(e.expires) {
				delete(c.entries, key)
			}
		default:
		}
	}
}
