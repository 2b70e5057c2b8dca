package metrics

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	permitpay "github.com/permitpay/permitpay-go"
	"github.com/permitpay/permitpay-go/ledger"
	"github.com/permitpay/permitpay-go/permit"
)

func TestRecordSettlement(t *testing.T) {
	m := New()

	m.RecordSettlement(permitpay.VariantNative, "success", 0.02)
	m.RecordSettlement(permitpay.VariantNative, "success", 0.03)
	m.RecordSettlement(permitpay.VariantToken, permitpay.ErrCodeNonceUsed, 0.01)

	if got := testutil.ToFloat64(m.settlements.WithLabelValues("native", "success")); got != 2 {
		t.Errorf("expected 2 native successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("token", permitpay.ErrCodeNonceUsed)); got != 1 {
		t.Errorf("expected 1 token nonce_used, got %v", got)
	}
}

func TestSinkCountsFeesAndConfig(t *testing.T) {
	m := New()
	sink := m.Sink()

	sink.Emit(permitpay.Event{
		Kind:      permitpay.EventFeeCollected,
		At:        time.Now(),
		Variant:   permitpay.VariantNative,
		FeeAmount: "5000",
	})
	sink.Emit(permitpay.Event{
		Kind:      permitpay.EventFeeCollected,
		At:        time.Now(),
		Variant:   permitpay.VariantNative,
		FeeAmount: "10000",
	})
	sink.Emit(permitpay.Event{Kind: permitpay.EventTreasuryUpdated, At: time.Now()})

	if got := testutil.ToFloat64(m.feeUnits.WithLabelValues("native")); got != 15000 {
		t.Errorf("expected 15000 fee units, got %v", got)
	}
	if got := testutil.ToFloat64(m.configUpdates.WithLabelValues(string(permitpay.EventTreasuryUpdated))); got != 1 {
		t.Errorf("expected 1 treasury update, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsDelivered); got != 3 {
		t.Errorf("expected 3 delivered events, got %v", got)
	}
}

func TestSinkIgnoresMalformedFeeAmounts(t *testing.T) {
	m := New()
	m.Sink().Emit(permitpay.Event{
		Kind:      permitpay.EventFeeCollected,
		Variant:   permitpay.VariantToken,
		FeeAmount: "not-a-number",
	})
	if got := testutil.ToFloat64(m.feeUnits.WithLabelValues("token")); got != 0 {
		t.Errorf("malformed amounts must not count, got %v", got)
	}
}

func TestInstrumentObservesEngineTraffic(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	var (
		engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
		ownerAddr    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
		treasuryAddr = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
		payerAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
		recipAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
		callerAddr   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	)

	m := New()
	led := ledger.NewMemoryLedger()
	eng, err := permitpay.New(big.NewInt(8453), engineAddr, ownerAddr, permitpay.FeeConfig{
		Treasury:     treasuryAddr,
		FeeSigner:    crypto.PubkeyToAddress(key.PublicKey),
		SystemFeeBps: 50,
		MaxFeeBps:    200,
	}, permitpay.WithLedger(led), permitpay.WithEventSink(m.Sink()))
	if err != nil {
		t.Fatal(err)
	}
	m.Instrument(eng)

	p := permit.NativePermit{
		Payer:     payerAddr,
		Recipient: recipAddr,
		Amount:    big.NewInt(1_000_000),
		Nonce:     big.NewInt(1),
		Deadline:  big.NewInt(time.Now().Unix() + 3600),
	}
	digest, err := eng.Codec().HashNative(p)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	req := permitpay.SettleNativeRequest{
		Permit:    permitpay.NativePayloadFor(p),
		Signature: permitpay.EncodeSignature(sig),
		Caller:    callerAddr.Hex(),
		Value:     "1005000",
	}

	if _, err := eng.VerifyNative(ctx, permitpay.VerifyNativeRequest{
		Permit:    req.Permit,
		Signature: req.Signature,
	}); err != nil {
		t.Fatal(err)
	}

	if err := led.CreditNative(ctx, callerAddr, big.NewInt(1_005_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SettleNative(ctx, req); err != nil {
		t.Fatal(err)
	}
	// Replaying the permit lands in the nonce_used bucket.
	if _, err := eng.SettleNative(ctx, req); !permitpay.IsCode(err, permitpay.ErrCodeNonceUsed) {
		t.Fatalf("expected nonce_used on replay, got %v", err)
	}

	if got := testutil.ToFloat64(m.verifications.WithLabelValues("native", "success")); got != 1 {
		t.Errorf("expected 1 successful verification, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("native", "success")); got != 1 {
		t.Errorf("expected 1 successful settlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("native", permitpay.ErrCodeNonceUsed)); got != 1 {
		t.Errorf("expected 1 nonce_used settlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.feeUnits.WithLabelValues("native")); got != 5000 {
		t.Errorf("expected 5000 fee units via the sink, got %v", got)
	}
	if n := testutil.CollectAndCount(m.settleSeconds); n != 1 {
		t.Errorf("expected one latency series, got %d", n)
	}
}
