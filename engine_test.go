package permitpay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permitpay/permitpay-go/ledger"
	"github.com/permitpay/permitpay-go/permit"
)

const testChainID = 8453

var (
	engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	ownerAddr    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	treasuryAddr = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	payerAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	assetAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	callerAddr   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// fakeClock is a settable time source shared between the test and the
// engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	t      *testing.T
	engine *Engine
	ledger ledger.Ledger
	clock  *fakeClock
	sink   *RecordingSink

	signerKey  *ecdsa.PrivateKey
	signerAddr common.Address
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &engineFixture{
		t:          t,
		ledger:     ledger.NewMemoryLedger(),
		clock:      &fakeClock{now: time.Unix(1_700_000_000, 0)},
		sink:       &RecordingSink{},
		signerKey:  key,
		signerAddr: crypto.PubkeyToAddress(key.PublicKey),
	}

	cfg := FeeConfig{
		Treasury:     treasuryAddr,
		FeeSigner:    f.signerAddr,
		SystemFeeBps: 50,
		MaxFeeBps:    200,
	}
	all := append([]Option{
		WithLedger(f.ledger),
		WithClock(f.clock.Now),
		WithEventSink(f.sink),
	}, opts...)
	eng, err := New(big.NewInt(testChainID), engineAddr, ownerAddr, cfg, all...)
	require.NoError(t, err)
	f.engine = eng
	return f
}

func (f *engineFixture) nativePermit(nonce int64) permit.NativePermit {
	return permit.NativePermit{
		Payer:      payerAddr,
		Recipient:  recipAddr,
		Amount:     big.NewInt(1_000_000),
		FeeRateBps: 0,
		Nonce:      big.NewInt(nonce),
		Deadline:   big.NewInt(f.clock.Now().Unix() + 3600),
	}
}

func (f *engineFixture) tokenPermit(nonce int64) permit.TokenPermit {
	return permit.TokenPermit{
		Payer:      payerAddr,
		Asset:      assetAddr,
		Recipient:  recipAddr,
		Amount:     big.NewInt(1_000_000),
		FeeRateBps: 0,
		Nonce:      big.NewInt(nonce),
		Deadline:   big.NewInt(f.clock.Now().Unix() + 3600),
	}
}

func (f *engineFixture) signNative(p permit.NativePermit) string {
	f.t.Helper()
	digest, err := f.engine.Codec().HashNative(p)
	require.NoError(f.t, err)
	return f.signDigest(digest)
}

func (f *engineFixture) signToken(p permit.TokenPermit) string {
	f.t.Helper()
	digest, err := f.engine.Codec().HashToken(p)
	require.NoError(f.t, err)
	return f.signDigest(digest)
}

func (f *engineFixture) signDigest(digest [32]byte) string {
	f.t.Helper()
	sig, err := crypto.Sign(digest[:], f.signerKey)
	require.NoError(f.t, err)
	sig[64] += 27
	return EncodeSignature(sig)
}

// settleNativeRequest builds a request whose value exactly covers amount
// plus the fee the engine will compute.
func (f *engineFixture) settleNativeRequest(p permit.NativePermit) SettleNativeRequest {
	f.t.Helper()
	cfg := f.engine.Config().Snapshot()
	rate := p.FeeRateBps
	if rate == 0 {
		rate = cfg.SystemFeeBps
	}
	total := new(big.Int).Add(p.Amount, ComputeFee(p.Amount, rate))
	return SettleNativeRequest{
		Permit:    NativePayloadFor(p),
		Signature: f.signNative(p),
		Caller:    callerAddr.Hex(),
		Value:     total.String(),
	}
}

func (f *engineFixture) fundCaller(amount int64) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.CreditNative(context.Background(), callerAddr, big.NewInt(amount)))
}

func (f *engineFixture) nativeBalance(account common.Address) int64 {
	f.t.Helper()
	b, err := f.ledger.NativeBalance(context.Background(), account)
	require.NoError(f.t, err)
	return b.Int64()
}

func (f *engineFixture) tokenBalance(account common.Address) int64 {
	f.t.Helper()
	b, err := f.ledger.TokenBalance(context.Background(), assetAddr, account)
	require.NoError(f.t, err)
	return b.Int64()
}

func (f *engineFixture) nonceUsed(nonce int64) bool {
	f.t.Helper()
	used, err := f.ledger.NonceUsed(context.Background(), payerAddr, big.NewInt(nonce))
	require.NoError(f.t, err)
	return used
}

func (f *engineFixture) eventKinds() []EventKind {
	events := f.sink.Events()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestSettleNative(t *testing.T) {
	ctx := context.Background()

	t.Run("Conserves value at the default rate", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		p := f.nativePermit(1)
		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.NoError(t, err)
		require.True(t, resp.Success)

		assert.Equal(t, int64(0), f.nativeBalance(callerAddr))
		assert.Equal(t, int64(0), f.nativeBalance(engineAddr))
		assert.Equal(t, int64(5_000), f.nativeBalance(treasuryAddr))
		assert.Equal(t, int64(1_000_000), f.nativeBalance(recipAddr))
		assert.True(t, f.nonceUsed(1))

		assert.Equal(t, "1000000", resp.Amount)
		assert.Equal(t, "5000", resp.FeeAmount)
		assert.Equal(t, payerAddr.Hex(), resp.Payer)
		assert.False(t, resp.UsedCustomRate)
		assert.NotEmpty(t, resp.SettlementID)
		assert.Equal(t, VariantNative, resp.Variant)

		assert.Equal(t, []EventKind{EventFeeCollected, EventNativeSettled}, f.eventKinds())
	})

	t.Run("Custom rate inside the cap is metered and flagged", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_010_000)

		p := f.nativePermit(1)
		p.FeeRateBps = 100
		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.NoError(t, err)
		require.True(t, resp.Success)

		assert.Equal(t, "10000", resp.FeeAmount)
		assert.True(t, resp.UsedCustomRate)
		assert.Equal(t, int64(10_000), f.nativeBalance(treasuryAddr))
	})

	t.Run("Rate above the cap fails before any state change", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(2_000_000)

		p := f.nativePermit(1)
		p.FeeRateBps = 201
		req := f.settleNativeRequest(p)
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeFeeExceedsMaximum), "got %v", err)

		assert.Equal(t, int64(2_000_000), f.nativeBalance(callerAddr))
		assert.False(t, f.nonceUsed(1))
		assert.Empty(t, f.sink.Events())
	})

	t.Run("Zero fee skips the fee leg and its event", func(t *testing.T) {
		f := newEngineFixture(t)
		require.NoError(t, f.engine.Config().SetFeeBounds(ownerAddr, 0, 200))
		f.sink.Reset()
		f.fundCaller(1_000_000)

		p := f.nativePermit(1)
		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.NoError(t, err)
		require.True(t, resp.Success)

		assert.Equal(t, "0", resp.FeeAmount)
		assert.Equal(t, int64(0), f.nativeBalance(treasuryAddr))
		assert.Equal(t, []EventKind{EventNativeSettled}, f.eventKinds())
	})

	t.Run("Rejects the zero recipient first", func(t *testing.T) {
		f := newEngineFixture(t)
		p := f.nativePermit(1)
		p.Recipient = common.Address{}
		p.Amount = big.NewInt(0) // later checks must not shadow the first
		req := SettleNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(f.nativePermit(1)),
			Caller:    callerAddr.Hex(),
			Value:     "0",
		}
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeInvalidRecipient), "got %v", err)
	})

	t.Run("Rejects a zero amount", func(t *testing.T) {
		f := newEngineFixture(t)
		p := f.nativePermit(1)
		p.Amount = big.NewInt(0)
		req := SettleNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(p),
			Caller:    callerAddr.Hex(),
			Value:     "0",
		}
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeInvalidAmount), "got %v", err)
	})

	t.Run("Deadline is inclusive", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(2_010_000)

		p := f.nativePermit(1)
		p.Deadline = big.NewInt(f.clock.Now().Unix())
		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.NoError(t, err)
		assert.True(t, resp.Success, "deadline == now must settle")

		f.clock.Advance(time.Second)
		p2 := f.nativePermit(2)
		p2.Deadline = big.NewInt(f.clock.Now().Unix() - 1)
		_, err = f.engine.SettleNative(ctx, f.settleNativeRequest(p2))
		require.True(t, IsCode(err, ErrCodePermitExpired), "got %v", err)
		assert.False(t, f.nonceUsed(2))
	})

	t.Run("Replay of a settled permit is rejected forever", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(2_010_000)

		p := f.nativePermit(1)
		req := f.settleNativeRequest(p)
		_, err := f.engine.SettleNative(ctx, req)
		require.NoError(t, err)

		_, err = f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeNonceUsed), "got %v", err)
		assert.Equal(t, int64(1_000_000), f.nativeBalance(recipAddr), "funds must move once")
	})

	t.Run("Any tampered field breaks signature recovery", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(5_000_000)

		p := f.nativePermit(1)
		sig := f.signNative(p)

		tampered := p
		tampered.Amount = big.NewInt(2_000_000)
		req := SettleNativeRequest{
			Permit:    NativePayloadFor(tampered),
			Signature: sig,
			Caller:    callerAddr.Hex(),
			Value:     "2010000",
		}
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeInvalidPermit), "got %v", err)
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("Permit signed by anyone but the fee signer is rejected", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		otherKey, err := crypto.GenerateKey()
		require.NoError(t, err)
		p := f.nativePermit(1)
		digest, err := f.engine.Codec().HashNative(p)
		require.NoError(t, err)
		raw, err := crypto.Sign(digest[:], otherKey)
		require.NoError(t, err)
		raw[64] += 27

		req := f.settleNativeRequest(p)
		req.Signature = EncodeSignature(raw)
		_, err = f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeInvalidPermit), "got %v", err)
	})

	t.Run("Value mismatched in either direction is rejected", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(2_000_000)

		p := f.nativePermit(1)
		req := f.settleNativeRequest(p)
		req.Value = "1004999"
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeIncorrectValue), "got %v", err)

		req.Value = "1005001"
		_, err = f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeIncorrectValue), "got %v", err)
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("Underfunded caller is rejected before the batch", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_004_999)

		p := f.nativePermit(1)
		_, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.True(t, IsCode(err, ErrCodeInsufficientBalance), "got %v", err)
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("Frozen recipient unwinds the whole attempt", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)
		require.NoError(t, f.ledger.SetFrozen(ctx, recipAddr, true))

		p := f.nativePermit(1)
		req := f.settleNativeRequest(p)
		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeTransferFailed), "got %v", err)

		assert.Equal(t, int64(1_005_000), f.nativeBalance(callerAddr), "funding leg must roll back")
		assert.Equal(t, int64(0), f.nativeBalance(treasuryAddr), "fee leg must roll back")
		assert.False(t, f.nonceUsed(1), "nonce must stay fresh")
		assert.Empty(t, f.sink.Events())

		// The identical permit settles after the hold is lifted.
		require.NoError(t, f.ledger.SetFrozen(ctx, recipAddr, false))
		resp, err := f.engine.SettleNative(ctx, req)
		require.NoError(t, err)
		assert.True(t, resp.Success)
	})

	t.Run("Racing settlements of one permit settle exactly once", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		p := f.nativePermit(1)
		req := f.settleNativeRequest(p)

		const racers = 8
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.engine.SettleNative(ctx, req)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			code := CodeOf(err)
			require.Contains(t, []string{ErrCodeNonceUsed, ErrCodeInsufficientBalance}, code, "unexpected race outcome: %v", err)
		}
		require.Equal(t, 1, succeeded)
		assert.Equal(t, int64(1_000_000), f.nativeBalance(recipAddr))
		assert.Equal(t, int64(5_000), f.nativeBalance(treasuryAddr))
	})

	t.Run("Settlement IDs are unique per attempt", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(2_010_000)

		first, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.NoError(t, err)
		second, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(2)))
		require.NoError(t, err)
		assert.NotEmpty(t, first.SettlementID)
		assert.NotEqual(t, first.SettlementID, second.SettlementID)
	})
}

func TestSettleToken(t *testing.T) {
	ctx := context.Background()

	fundPayer := func(t *testing.T, f *engineFixture, balance, allowance int64) {
		t.Helper()
		require.NoError(t, f.ledger.CreditToken(ctx, assetAddr, payerAddr, big.NewInt(balance)))
		require.NoError(t, f.ledger.Approve(ctx, assetAddr, payerAddr, engineAddr, big.NewInt(allowance)))
	}

	t.Run("Settles from the payer allowance", func(t *testing.T) {
		f := newEngineFixture(t)
		fundPayer(t, f, 2_000_000, 1_005_000)

		p := f.tokenPermit(1)
		resp, err := f.engine.SettleToken(ctx, SettleTokenRequest{
			Permit:    TokenPayloadFor(p),
			Signature: f.signToken(p),
		})
		require.NoError(t, err)
		require.True(t, resp.Success)

		assert.Equal(t, int64(995_000), f.tokenBalance(payerAddr))
		assert.Equal(t, int64(1_000_000), f.tokenBalance(recipAddr))
		assert.Equal(t, int64(5_000), f.tokenBalance(treasuryAddr))
		assert.Equal(t, assetAddr.Hex(), resp.Asset)
		assert.True(t, f.nonceUsed(1))

		allowance, err := f.ledger.Allowance(ctx, assetAddr, payerAddr, engineAddr)
		require.NoError(t, err)
		assert.Zero(t, allowance.Sign(), "allowance must be fully drawn")

		assert.Equal(t, []EventKind{EventFeeCollected, EventTokenSettled}, f.eventKinds())
	})

	t.Run("Allowance below amount plus fee is rejected up front", func(t *testing.T) {
		f := newEngineFixture(t)
		// Covers the principal but not the fee.
		fundPayer(t, f, 2_000_000, 1_000_000)

		p := f.tokenPermit(1)
		_, err := f.engine.SettleToken(ctx, SettleTokenRequest{
			Permit:    TokenPayloadFor(p),
			Signature: f.signToken(p),
		})
		require.True(t, IsCode(err, ErrCodeInsufficientAllowance), "got %v", err)
		assert.Equal(t, int64(2_000_000), f.tokenBalance(payerAddr))
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("Token balance shortfall unwinds the attempt", func(t *testing.T) {
		f := newEngineFixture(t)
		// Allowance is generous but the balance cannot cover both legs.
		fundPayer(t, f, 1_002_000, 2_000_000)

		p := f.tokenPermit(1)
		_, err := f.engine.SettleToken(ctx, SettleTokenRequest{
			Permit:    TokenPayloadFor(p),
			Signature: f.signToken(p),
		})
		require.Error(t, err)
		code := CodeOf(err)
		require.Contains(t, []string{ErrCodeFeeTransferFailed, ErrCodeTransferFailed}, code, "got %v", err)

		assert.Equal(t, int64(1_002_000), f.tokenBalance(payerAddr))
		assert.Equal(t, int64(0), f.tokenBalance(treasuryAddr))
		assert.False(t, f.nonceUsed(1))

		allowance, err := f.ledger.Allowance(ctx, assetAddr, payerAddr, engineAddr)
		require.NoError(t, err)
		assert.Equal(t, int64(2_000_000), allowance.Int64(), "allowance must roll back")
	})

	t.Run("A native signature cannot settle a token permit", func(t *testing.T) {
		f := newEngineFixture(t)
		fundPayer(t, f, 2_000_000, 1_005_000)

		tp := f.tokenPermit(1)
		np := permit.NativePermit{
			Payer:      tp.Payer,
			Recipient:  tp.Recipient,
			Amount:     tp.Amount,
			FeeRateBps: tp.FeeRateBps,
			Nonce:      tp.Nonce,
			Deadline:   tp.Deadline,
		}
		_, err := f.engine.SettleToken(ctx, SettleTokenRequest{
			Permit:    TokenPayloadFor(tp),
			Signature: f.signNative(np),
		})
		require.True(t, IsCode(err, ErrCodeInvalidPermit), "got %v", err)
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("Nonces are shared across variants", func(t *testing.T) {
		f := newEngineFixture(t)
		fundPayer(t, f, 2_000_000, 2_010_000)
		f.fundCaller(1_005_000)

		// Token settlement consumes nonce 1 for the payer.
		p := f.tokenPermit(1)
		_, err := f.engine.SettleToken(ctx, SettleTokenRequest{
			Permit:    TokenPayloadFor(p),
			Signature: f.signToken(p),
		})
		require.NoError(t, err)

		// A native permit for the same payer and nonce is now spent.
		_, err = f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.True(t, IsCode(err, ErrCodeNonceUsed), "got %v", err)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid native permit reports payer, fee and total", func(t *testing.T) {
		f := newEngineFixture(t)
		p := f.nativePermit(1)
		resp, err := f.engine.VerifyNative(ctx, VerifyNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(p),
		})
		require.NoError(t, err)
		require.True(t, resp.Valid, "reason: %s", resp.InvalidReason)
		assert.Equal(t, payerAddr.Hex(), resp.Payer)
		assert.Equal(t, "5000", resp.FeeAmount)
		assert.Equal(t, "1005000", resp.Total)
		assert.False(t, f.nonceUsed(1), "verify must not consume the nonce")
	})

	t.Run("Check failures come back as reasons, not errors", func(t *testing.T) {
		f := newEngineFixture(t)
		p := f.nativePermit(1)
		p.Deadline = big.NewInt(f.clock.Now().Unix() - 10)
		resp, err := f.engine.VerifyNative(ctx, VerifyNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(p),
		})
		require.NoError(t, err)
		require.False(t, resp.Valid)
		assert.Equal(t, ErrCodePermitExpired, resp.InvalidReason)
	})

	t.Run("Token verify includes the allowance check", func(t *testing.T) {
		f := newEngineFixture(t)
		p := f.tokenPermit(1)
		req := VerifyTokenRequest{Permit: TokenPayloadFor(p), Signature: f.signToken(p)}

		resp, err := f.engine.VerifyToken(ctx, req)
		require.NoError(t, err)
		require.False(t, resp.Valid)
		assert.Equal(t, ErrCodeInsufficientAllowance, resp.InvalidReason)

		require.NoError(t, f.ledger.Approve(ctx, assetAddr, payerAddr, engineAddr, big.NewInt(1_005_000)))
		resp, err = f.engine.VerifyToken(ctx, req)
		require.NoError(t, err)
		assert.True(t, resp.Valid, "reason: %s", resp.InvalidReason)
	})

	t.Run("Signature for another domain does not verify", func(t *testing.T) {
		f := newEngineFixture(t)
		foreign, err := permit.NewCodec(big.NewInt(testChainID+1), engineAddr)
		require.NoError(t, err)

		p := f.nativePermit(1)
		digest, err := foreign.HashNative(p)
		require.NoError(t, err)
		resp, err := f.engine.VerifyNative(ctx, VerifyNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signDigest(digest),
		})
		require.NoError(t, err)
		require.False(t, resp.Valid)
		assert.Equal(t, ErrCodeInvalidPermit, resp.InvalidReason)
	})
}

// faultyLedger fails nonce reads to exercise the ledger-fault path.
type faultyLedger struct {
	*ledger.MemoryLedger
}

func (f *faultyLedger) NonceUsed(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error) {
	return false, errors.New("store offline")
}

func TestEngineHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("Before-settle abort stops the attempt cold", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)
		f.engine.OnBeforeSettle(func(SettleContext) (*BeforeHookResult, error) {
			return &BeforeHookResult{Abort: true, Reason: "relayer quota exceeded"}, nil
		})

		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.True(t, IsCode(err, ErrCodeSettlementAborted), "got %v", err)
		assert.False(t, resp.Success)
		assert.Equal(t, "relayer quota exceeded", resp.ErrorReason)
		assert.Equal(t, int64(1_005_000), f.nativeBalance(callerAddr))
		assert.False(t, f.nonceUsed(1))
	})

	t.Run("After-settle hook observes the result", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		var seen []SettleResultContext
		f.engine.OnAfterSettle(func(rc SettleResultContext) error {
			seen = append(seen, rc)
			return nil
		})

		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.NoError(t, err)
		require.Len(t, seen, 1)
		assert.Equal(t, resp.SettlementID, seen[0].Result.SettlementID)
		assert.Equal(t, VariantNative, seen[0].Variant)
	})

	t.Run("Settle failure hooks observe but cannot recover", func(t *testing.T) {
		f := newEngineFixture(t)
		// No funding: settlement will fail.
		var observed error
		f.engine.OnSettleFailure(func(fc SettleFailureContext) error {
			observed = fc.Error
			return nil
		})

		_, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.Error(t, err)
		require.Equal(t, err, observed, "failure hook must see the settlement error")
	})

	t.Run("Verify failure hooks may recover ledger faults", func(t *testing.T) {
		faulty := &faultyLedger{MemoryLedger: ledger.NewMemoryLedger()}
		f := newEngineFixture(t, WithLedger(faulty))
		f.engine.OnVerifyFailure(func(VerifyFailureContext) (*VerifyFailureHookResult, error) {
			return &VerifyFailureHookResult{
				Recovered: true,
				Result:    VerifyResponse{Valid: false, InvalidReason: "retry later"},
			}, nil
		})

		p := f.nativePermit(1)
		resp, err := f.engine.VerifyNative(ctx, VerifyNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(p),
		})
		require.NoError(t, err, "recovery must swallow the ledger fault")
		assert.Equal(t, "retry later", resp.InvalidReason)
	})

	t.Run("Before-verify abort yields an invalid response", func(t *testing.T) {
		f := newEngineFixture(t)
		f.engine.OnBeforeVerify(func(VerifyContext) (*BeforeHookResult, error) {
			return &BeforeHookResult{Abort: true, Reason: "maintenance window"}, nil
		})

		p := f.nativePermit(1)
		resp, err := f.engine.VerifyNative(ctx, VerifyNativeRequest{
			Permit:    NativePayloadFor(p),
			Signature: f.signNative(p),
		})
		require.NoError(t, err)
		assert.False(t, resp.Valid)
		assert.Equal(t, "maintenance window", resp.InvalidReason)
	})
}

func TestEngineConfigIntegration(t *testing.T) {
	ctx := context.Background()

	t.Run("Fee bound changes apply to the next settlement", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(3_000_000)

		require.NoError(t, f.engine.Config().SetFeeBounds(ownerAddr, 100, 300))
		p := f.nativePermit(1)
		resp, err := f.engine.SettleNative(ctx, f.settleNativeRequest(p))
		require.NoError(t, err)
		assert.Equal(t, "10000", resp.FeeAmount, "new default rate must apply")
	})

	t.Run("Rotating the fee signer invalidates old permits", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		p := f.nativePermit(1)
		req := f.settleNativeRequest(p)

		next := common.HexToAddress("0x9999999999999999999999999999999999999999")
		require.NoError(t, f.engine.Config().SetFeeSigner(ownerAddr, next))

		_, err := f.engine.SettleNative(ctx, req)
		require.True(t, IsCode(err, ErrCodeInvalidPermit), "got %v", err)
	})

	t.Run("Treasury changes route subsequent fees", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fundCaller(1_005_000)

		next := common.HexToAddress("0x8888888888888888888888888888888888888888")
		require.NoError(t, f.engine.Config().SetTreasury(ownerAddr, next))

		_, err := f.engine.SettleNative(ctx, f.settleNativeRequest(f.nativePermit(1)))
		require.NoError(t, err)
		b, err := f.ledger.NativeBalance(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), b.Int64())
	})
}
