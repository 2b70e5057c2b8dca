package permitpay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSettlementKey(t *testing.T) {
	bodyA := []byte(`{"permit":{"payer":"0x11","nonce":"123"},"signature":"0xaa"}`)
	bodyB := []byte(`{"permit":{"payer":"0x11","nonce":"456"},"signature":"0xbb"}`)

	if SettlementKey(bodyA) != SettlementKey(bodyA) {
		t.Error("identical bodies must map to the same key")
	}
	if SettlementKey(bodyA) == SettlementKey(bodyB) {
		t.Error("distinct bodies must map to distinct keys")
	}
	if got := len(SettlementKey(bodyA)); got != 64 {
		t.Errorf("expected a 64-char hex digest, got %d chars", got)
	}
}

func TestSettlementCacheReplaysStoredResponse(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	var calls atomic.Int32
	settle := func(ctx context.Context) (SettleResponse, error) {
		calls.Add(1)
		return SettleResponse{Success: true, SettlementID: "st_1", Payer: "0xabc"}, nil
	}

	first, shared, err := cache.Do(context.Background(), "key", settle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shared {
		t.Error("the executing call must not report a shared result")
	}

	second, shared, err := cache.Do(context.Background(), "key", settle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shared {
		t.Error("a replay within the TTL must report a shared result")
	}
	if second != first {
		t.Errorf("replay returned %+v, want %+v", second, first)
	}
	if calls.Load() != 1 {
		t.Errorf("settle ran %d times, want 1", calls.Load())
	}
}

func TestSettlementCacheDoesNotRetainFailures(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	var calls atomic.Int32
	settle := func(ctx context.Context) (SettleResponse, error) {
		if calls.Add(1) == 1 {
			return SettleResponse{Success: false, ErrorReason: "ledger_unavailable"}, errors.New("ledger down")
		}
		return SettleResponse{Success: true, SettlementID: "st_retry"}, nil
	}

	resp, _, err := cache.Do(context.Background(), "key", settle)
	if err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if resp.ErrorReason != "ledger_unavailable" {
		t.Errorf("failure response not passed through, got %+v", resp)
	}

	resp, shared, err := cache.Do(context.Background(), "key", settle)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if shared {
		t.Error("a retry after a failure must execute, not replay")
	}
	if resp.SettlementID != "st_retry" {
		t.Errorf("expected the retry's response, got %+v", resp)
	}
	if calls.Load() != 2 {
		t.Errorf("settle ran %d times, want 2", calls.Load())
	}
}

func TestSettlementCacheExpiry(t *testing.T) {
	cache := NewSettlementCache(30 * time.Millisecond)
	var calls atomic.Int32
	settle := func(ctx context.Context) (SettleResponse, error) {
		calls.Add(1)
		return SettleResponse{Success: true, SettlementID: "st_ttl"}, nil
	}

	if _, _, err := cache.Do(context.Background(), "key", settle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, shared, _ := cache.Do(context.Background(), "key", settle); !shared {
		t.Error("expected a replay inside the TTL window")
	}

	time.Sleep(75 * time.Millisecond)

	_, shared, err := cache.Do(context.Background(), "key", settle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shared {
		t.Error("an expired entry must not be replayed")
	}
	if calls.Load() != 2 {
		t.Errorf("settle ran %d times, want 2", calls.Load())
	}
}

func TestSettlementCacheSingleFlight(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(ctx context.Context) (SettleResponse, error) {
		calls.Add(1)
		close(entered)
		<-release
		return SettleResponse{Success: true, SettlementID: "st_shared"}, nil
	}

	ownerDone := make(chan struct{})
	var ownerResp SettleResponse
	var ownerShared bool
	go func() {
		defer close(ownerDone)
		ownerResp, ownerShared, _ = cache.Do(context.Background(), "key", slow)
	}()
	<-entered

	// The owner is mid-flight; these calls must attach to it.
	var wg sync.WaitGroup
	waiterResps := make([]SettleResponse, 3)
	waiterShared := make([]bool, 3)
	for i := range waiterResps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waiterResps[i], waiterShared[i], _ = cache.Do(context.Background(), "key", func(ctx context.Context) (SettleResponse, error) {
				t.Error("a waiter must not start a second execution")
				return SettleResponse{}, nil
			})
		}(i)
	}

	close(release)
	<-ownerDone
	wg.Wait()

	if ownerShared {
		t.Error("the owner must not report a shared result")
	}
	for i := range waiterResps {
		if !waiterShared[i] {
			t.Errorf("waiter %d did not report a shared result", i)
		}
		if waiterResps[i] != ownerResp {
			t.Errorf("waiter %d got %+v, want %+v", i, waiterResps[i], ownerResp)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("settle ran %d times, want 1", calls.Load())
	}
}

func TestSettlementCacheCancelledWaiter(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func(ctx context.Context) (SettleResponse, error) {
		close(entered)
		<-release
		return SettleResponse{Success: true, SettlementID: "st_slow"}, nil
	}

	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		_, _, _ = cache.Do(context.Background(), "key", blocking)
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := cache.Do(ctx, "key", func(ctx context.Context) (SettleResponse, error) {
			t.Error("a cancelled waiter must not execute")
			return SettleResponse{}, nil
		})
		errCh <- err
	}()
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
	<-ownerDone
}

func TestSettlementCacheWaiterTakesOverAfterFailure(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	failing := func(ctx context.Context) (SettleResponse, error) {
		close(entered)
		<-release
		return SettleResponse{Success: false, ErrorReason: "ledger_unavailable"}, errors.New("ledger down")
	}

	ownerDone := make(chan struct{})
	var ownerErr error
	go func() {
		defer close(ownerDone)
		_, _, ownerErr = cache.Do(context.Background(), "key", failing)
	}()
	<-entered

	waiterDone := make(chan struct{})
	var waiterResp SettleResponse
	var waiterShared bool
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterResp, waiterShared, waiterErr = cache.Do(context.Background(), "key", func(ctx context.Context) (SettleResponse, error) {
			return SettleResponse{Success: true, SettlementID: "st_takeover"}, nil
		})
	}()

	close(release)
	<-ownerDone
	<-waiterDone

	if ownerErr == nil {
		t.Error("expected the owner's attempt to fail")
	}
	if waiterErr != nil {
		t.Fatalf("takeover failed: %v", waiterErr)
	}
	if waiterShared {
		t.Error("the takeover must execute, not replay the failure")
	}
	if waiterResp.SettlementID != "st_takeover" {
		t.Errorf("expected the takeover's response, got %+v", waiterResp)
	}
}

func TestSettlementCacheKeysAreIndependent(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	var calls atomic.Int32
	settleFor := func(id string) func(context.Context) (SettleResponse, error) {
		return func(ctx context.Context) (SettleResponse, error) {
			calls.Add(1)
			return SettleResponse{Success: true, SettlementID: id}, nil
		}
	}

	a, _, _ := cache.Do(context.Background(), "key-a", settleFor("st_a"))
	b, _, _ := cache.Do(context.Background(), "key-b", settleFor("st_b"))

	if a.SettlementID != "st_a" || b.SettlementID != "st_b" {
		t.Errorf("keys interfered: got %q and %q", a.SettlementID, b.SettlementID)
	}
	if calls.Load() != 2 {
		t.Errorf("settle ran %d times, want 2", calls.Load())
	}
}

func TestSettlementCacheSweepsExpiredEntries(t *testing.T) {
	cache := NewSettlementCache(10 * time.Millisecond)
	ok := func(ctx context.Context) (SettleResponse, error) {
		return SettleResponse{Success: true}, nil
	}

	if _, _, err := cache.Do(context.Background(), "stale", ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, _, err := cache.Do(context.Background(), "live", ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache.mu.Lock()
	_, staleKept := cache.entries["stale"]
	_, liveKept := cache.entries["live"]
	cache.mu.Unlock()

	if staleKept {
		t.Error("completing a settlement must sweep expired entries")
	}
	if !liveKept {
		t.Error("the fresh entry must survive the sweep")
	}
}
