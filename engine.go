package permitpay

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/permitpay/permitpay-go/ledger"
	"github.com/permitpay/permitpay-go/permit"
)

// Engine executes permit-authorized settlements against a ledger. Permits
// are signed off-path by the configured fee signer; the engine verifies,
// meters the fee, and applies the fee and principal legs as one atomic
// ledger batch together with the nonce consumption.
//
// All methods are safe for concurrent use. The ledger batch is the only
// mutation point; every pre-check that races a concurrent settlement is
// re-validated inside the batch.
type Engine struct {
	codec   *permit.Codec
	ledger  ledger.Ledger
	config  *ConfigStore
	account common.Address

	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	sinkMu sync.RWMutex
	sinks  MultiSink

	hookMu               sync.RWMutex
	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the backing ledger. Defaults to an in-memory ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithClock injects the time source used for deadline checks and event
// timestamps. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventSink registers a sink for engine events. May be given multiple
// times; sinks receive events in registration order.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Engine) { e.logger = lg }
}

// WithIDGenerator overrides settlement ID generation. Defaults to UUIDs.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// New builds an engine for one (chainID, engine address) domain. The engine
// address doubles as the verifying address of the signature domain and as
// the ledger account that native settlements route value through.
func New(chainID *big.Int, engineAccount, owner common.Address, feeCfg FeeConfig, opts ...Option) (*Engine, error) {
	codec, err := permit.NewCodec(chainID, engineAccount)
	if err != nil {
		return nil, err
	}
	store, err := NewConfigStore(owner, feeCfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		codec:   codec,
		config:  store,
		account: engineAccount,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = ledger.NewMemoryLedger()
	}

	store.notify = e.emit
	store.now = func() time.Time { return e.now() }
	return e, nil
}

// Codec exposes the permit codec bound to this engine's domain.
func (e *Engine) Codec() *permit.Codec { return e.codec }

// Config exposes the owner-guarded configuration store.
func (e *Engine) Config() *ConfigStore { return e.config }

// Ledger exposes the backing ledger.
func (e *Engine) Ledger() ledger.Ledger { return e.ledger }

// EngineAddress returns the engine's own account address.
func (e *Engine) EngineAddress() common.Address { return e.account }

// AddEventSink registers a sink after construction. Safe to call while the
// engine is settling.
func (e *Engine) AddEventSink(s EventSink) *Engine {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, s)
	return e
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (e *Engine) OnBeforeVerify(hook BeforeVerifyHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.beforeVerifyHooks = append(e.beforeVerifyHooks, hook)
	return e
}

func (e *Engine) OnAfterVerify(hook AfterVerifyHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.afterVerifyHooks = append(e.afterVerifyHooks, hook)
	return e
}

func (e *Engine) OnVerifyFailure(hook OnVerifyFailureHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onVerifyFailureHooks = append(e.onVerifyFailureHooks, hook)
	return e
}

func (e *Engine) OnBeforeSettle(hook BeforeSettleHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

func (e *Engine) OnAfterSettle(hook AfterSettleHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

func (e *Engine) OnSettleFailure(hook OnSettleFailureHook) *Engine {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	return e
}

// ============================================================================
// Verify (dry-run)
// ============================================================================

// VerifyNative checks a native permit without settling. Check failures are
// reported in the response with a nil error; the error return is reserved
// for ledger faults. The supplied value is not known at verify time, so the
// value check of settlement has no dry-run counterpart.
func (e *Engine) VerifyNative(ctx context.Context, req VerifyNativeRequest) (VerifyResponse, error) {
	hookCtx := VerifyContext{
		Ctx:       ctx,
		Variant:   VariantNative,
		Native:    &req.Permit,
		Signature: req.Signature,
		Timestamp: e.now(),
	}
	return e.runVerify(hookCtx, func() (VerifyResponse, error) {
		return e.verifyNative(ctx, req)
	})
}

// VerifyToken checks a token permit without settling, including the
// payer-to-engine allowance the settlement would draw on.
func (e *Engine) VerifyToken(ctx context.Context, req VerifyTokenRequest) (VerifyResponse, error) {
	hookCtx := VerifyContext{
		Ctx:       ctx,
		Variant:   VariantToken,
		Token:     &req.Permit,
		Signature: req.Signature,
		Timestamp: e.now(),
	}
	return e.runVerify(hookCtx, func() (VerifyResponse, error) {
		return e.verifyToken(ctx, req)
	})
}

func (e *Engine) runVerify(hookCtx VerifyContext, verify func() (VerifyResponse, error)) (VerifyResponse, error) {
	e.hookMu.RLock()
	before := e.beforeVerifyHooks
	after := e.afterVerifyHooks
	onFailure := e.onVerifyFailureHooks
	e.hookMu.RUnlock()

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{Valid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{Valid: false, InvalidReason: result.Reason}, nil
		}
	}

	resp, err := verify()
	duration := e.now().Sub(hookCtx.Timestamp)

	if err != nil {
		failureCtx := VerifyFailureContext{VerifyContext: hookCtx, Error: err, Duration: duration}
		for _, hook := range onFailure {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return resp, err
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: resp, Duration: duration}
	for _, hook := range after {
		if hookErr := hook(resultCtx); hookErr != nil {
			e.logger.Warn("after-verify hook failed", "error", hookErr)
		}
	}
	return resp, nil
}

func (e *Engine) verifyNative(ctx context.Context, req VerifyNativeRequest) (VerifyResponse, error) {
	p, err := req.Permit.Permit()
	if err != nil {
		return invalidResponse(err), nil
	}
	sig, err := DecodeSignature(req.Signature)
	if err != nil {
		return invalidResponse(err), nil
	}

	check, err := e.checkNative(ctx, p, sig, e.config.Snapshot())
	if err != nil {
		if isLedgerFault(err) {
			return VerifyResponse{Valid: false, InvalidReason: ErrCodeLedgerUnavailable}, err
		}
		return invalidResponse(err), nil
	}
	return VerifyResponse{
		Valid:     true,
		Payer:     p.Payer.Hex(),
		FeeAmount: check.fee.String(),
		Total:     check.total.String(),
	}, nil
}

func (e *Engine) verifyToken(ctx context.Context, req VerifyTokenRequest) (VerifyResponse, error) {
	p, err := req.Permit.Permit()
	if err != nil {
		return invalidResponse(err), nil
	}
	sig, err := DecodeSignature(req.Signature)
	if err != nil {
		return invalidResponse(err), nil
	}

	check, err := e.checkToken(ctx, p, sig, e.config.Snapshot())
	if err != nil {
		if isLedgerFault(err) {
			return VerifyResponse{Valid: false, InvalidReason: ErrCodeLedgerUnavailable}, err
		}
		return invalidResponse(err), nil
	}

	allowance, err := e.ledger.Allowance(ctx, p.Asset, p.Payer, e.account)
	if err != nil {
		return VerifyResponse{Valid: false, InvalidReason: ErrCodeLedgerUnavailable}, wrapLedgerFault(err)
	}
	if allowance.Cmp(check.total) < 0 {
		return VerifyResponse{Valid: false, InvalidReason: ErrCodeInsufficientAllowance}, nil
	}
	return VerifyResponse{
		Valid:     true,
		Payer:     p.Payer.Hex(),
		FeeAmount: check.fee.String(),
		Total:     check.total.String(),
	}, nil
}

func invalidResponse(err error) VerifyResponse {
	return VerifyResponse{Valid: false, InvalidReason: errorReason(err)}
}

// ============================================================================
// Settle
// ============================================================================

// SettleNative settles a native permit. The caller attaches exactly
// amount plus fee as value; the batch routes it through the engine account,
// pays the treasury, and delivers the principal. The nonce is consumed in
// the same batch, so a failed attempt leaves it fresh.
func (e *Engine) SettleNative(ctx context.Context, req SettleNativeRequest) (SettleResponse, error) {
	hookCtx := SettleContext{
		Ctx:       ctx,
		Variant:   VariantNative,
		Native:    &req.Permit,
		Signature: req.Signature,
		Caller:    req.Caller,
		Value:     req.Value,
		Timestamp: e.now(),
	}
	return e.runSettle(hookCtx, func() (SettleResponse, error) {
		return e.settleNative(ctx, req)
	})
}

// SettleToken settles a token permit funded by the payer's pre-existing
// allowance to the engine.
func (e *Engine) SettleToken(ctx context.Context, req SettleTokenRequest) (SettleResponse, error) {
	hookCtx := SettleContext{
		Ctx:       ctx,
		Variant:   VariantToken,
		Token:     &req.Permit,
		Signature: req.Signature,
		Timestamp: e.now(),
	}
	return e.runSettle(hookCtx, func() (SettleResponse, error) {
		return e.settleToken(ctx, req)
	})
}

func (e *Engine) runSettle(hookCtx SettleContext, settle func() (SettleResponse, error)) (SettleResponse, error) {
	e.hookMu.RLock()
	before := e.beforeSettleHooks
	after := e.afterSettleHooks
	onFailure := e.onSettleFailureHooks
	e.hookMu.RUnlock()

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: err.Error(), Variant: hookCtx.Variant}, err
		}
		if result != nil && result.Abort {
			abortErr := NewSettlementError(ErrCodeSettlementAborted, result.Reason, nil)
			return SettleResponse{Success: false, ErrorReason: result.Reason, Variant: hookCtx.Variant}, abortErr
		}
	}

	resp, err := settle()
	duration := e.now().Sub(hookCtx.Timestamp)

	if err != nil {
		// Failure hooks observe only. Nothing settled, nothing to recover.
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: err, Duration: duration}
		for _, hook := range onFailure {
			if hookErr := hook(failureCtx); hookErr != nil {
				e.logger.Warn("settle failure hook failed", "error", hookErr)
			}
		}
		return resp, err
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: resp, Duration: duration}
	for _, hook := range after {
		if hookErr := hook(resultCtx); hookErr != nil {
			e.logger.Warn("after-settle hook failed", "error", hookErr)
		}
	}
	return resp, nil
}

func (e *Engine) settleNative(ctx context.Context, req SettleNativeRequest) (SettleResponse, error) {
	p, err := req.Permit.Permit()
	if err != nil {
		return failResponse(VariantNative, err), err
	}
	sig, err := DecodeSignature(req.Signature)
	if err != nil {
		return failResponse(VariantNative, err), err
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		err = NewSettlementError(ErrCodeIncorrectValue, "caller is not a valid address", nil)
		return failResponse(VariantNative, err), err
	}
	value, err := parseBigInt(req.Value)
	if err != nil || value.Sign() < 0 {
		err = NewSettlementError(ErrCodeIncorrectValue, "value is not a non-negative base-10 integer", nil)
		return failResponse(VariantNative, err), err
	}

	cfg := e.config.Snapshot()
	check, err := e.checkNative(ctx, p, sig, cfg)
	if err != nil {
		return failResponse(VariantNative, err), err
	}

	if value.Cmp(check.total) != 0 {
		err = NewSettlementError(ErrCodeIncorrectValue, "supplied value must equal amount plus fee", map[string]interface{}{
			"expected": check.total.String(),
			"supplied": value.String(),
		})
		return failResponse(VariantNative, err), err
	}
	callerBalance, err := e.ledger.NativeBalance(ctx, caller)
	if err != nil {
		err = wrapLedgerFault(err)
		return failResponse(VariantNative, err), err
	}
	if callerBalance.Cmp(value) < 0 {
		err = NewSettlementError(ErrCodeInsufficientBalance, "caller cannot fund the supplied value", nil)
		return failResponse(VariantNative, err), err
	}

	legs := []ledger.Leg{
		{Kind: ledger.LegFunding, From: caller, To: e.account, Amount: value},
	}
	if check.fee.Sign() > 0 {
		legs = append(legs, ledger.Leg{Kind: ledger.LegFee, From: e.account, To: cfg.Treasury, Amount: check.fee})
	}
	legs = append(legs, ledger.Leg{Kind: ledger.LegPrincipal, From: e.account, To: p.Recipient, Amount: p.Amount})

	if err := e.ledger.ApplySettlement(ctx, ledger.SettlementBatch{Payer: p.Payer, Nonce: p.Nonce, Legs: legs}); err != nil {
		err = e.mapBatchError(err)
		return failResponse(VariantNative, err), err
	}

	id := e.newID()
	at := e.now()
	if check.fee.Sign() > 0 {
		e.emit(Event{
			Kind:         EventFeeCollected,
			At:           at,
			SettlementID: id,
			Variant:      VariantNative,
			Treasury:     cfg.Treasury.Hex(),
			Amount:       p.Amount.String(),
			FeeAmount:    check.fee.String(),
		})
	}
	e.emit(Event{
		Kind:           EventNativeSettled,
		At:             at,
		SettlementID:   id,
		Variant:        VariantNative,
		Payer:          p.Payer.Hex(),
		Recipient:      p.Recipient.Hex(),
		Amount:         p.Amount.String(),
		FeeAmount:      check.fee.String(),
		UsedCustomRate: check.custom,
	})

	return SettleResponse{
		Success:        true,
		SettlementID:   id,
		Variant:        VariantNative,
		Payer:          p.Payer.Hex(),
		Recipient:      p.Recipient.Hex(),
		Amount:         p.Amount.String(),
		FeeAmount:      check.fee.String(),
		UsedCustomRate: check.custom,
	}, nil
}

func (e *Engine) settleToken(ctx context.Context, req SettleTokenRequest) (SettleResponse, error) {
	p, err := req.Permit.Permit()
	if err != nil {
		return failResponse(VariantToken, err), err
	}
	sig, err := DecodeSignature(req.Signature)
	if err != nil {
		return failResponse(VariantToken, err), err
	}

	cfg := e.config.Snapshot()
	check, err := e.checkToken(ctx, p, sig, cfg)
	if err != nil {
		return failResponse(VariantToken, err), err
	}

	allowance, err := e.ledger.Allowance(ctx, p.Asset, p.Payer, e.account)
	if err != nil {
		err = wrapLedgerFault(err)
		return failResponse(VariantToken, err), err
	}
	if allowance.Cmp(check.total) < 0 {
		err = NewSettlementError(ErrCodeInsufficientAllowance, "payer allowance to the engine does not cover amount plus fee", map[string]interface{}{
			"required":  check.total.String(),
			"allowance": allowance.String(),
		})
		return failResponse(VariantToken, err), err
	}

	var legs []ledger.Leg
	if check.fee.Sign() > 0 {
		legs = append(legs, ledger.Leg{
			Kind: ledger.LegFee, Asset: p.Asset, From: p.Payer, To: cfg.Treasury,
			Amount: check.fee, ViaAllowance: true, Spender: e.account,
		})
	}
	legs = append(legs, ledger.Leg{
		Kind: ledger.LegPrincipal, Asset: p.Asset, From: p.Payer, To: p.Recipient,
		Amount: p.Amount, ViaAllowance: true, Spender: e.account,
	})

	if err := e.ledger.ApplySettlement(ctx, ledger.SettlementBatch{Payer: p.Payer, Nonce: p.Nonce, Legs: legs}); err != nil {
		err = e.mapBatchError(err)
		return failResponse(VariantToken, err), err
	}

	id := e.newID()
	at := e.now()
	if check.fee.Sign() > 0 {
		e.emit(Event{
			Kind:         EventFeeCollected,
			At:           at,
			SettlementID: id,
			Variant:      VariantToken,
			Asset:        p.Asset.Hex(),
			Treasury:     cfg.Treasury.Hex(),
			Amount:       p.Amount.String(),
			FeeAmount:    check.fee.String(),
		})
	}
	e.emit(Event{
		Kind:           EventTokenSettled,
		At:             at,
		SettlementID:   id,
		Variant:        VariantToken,
		Asset:          p.Asset.Hex(),
		Payer:          p.Payer.Hex(),
		Recipient:      p.Recipient.Hex(),
		Amount:         p.Amount.String(),
		FeeAmount:      check.fee.String(),
		UsedCustomRate: check.custom,
	})

	return SettleResponse{
		Success:        true,
		SettlementID:   id,
		Variant:        VariantToken,
		Payer:          p.Payer.Hex(),
		Recipient:      p.Recipient.Hex(),
		Asset:          p.Asset.Hex(),
		Amount:         p.Amount.String(),
		FeeAmount:      check.fee.String(),
		UsedCustomRate: check.custom,
	}, nil
}

// ============================================================================
// Shared permit checks
// ============================================================================

type permitCheck struct {
	fee    *big.Int
	total  *big.Int
	rate   uint32
	custom bool
}

// checkNative runs every stateless and read-only check of a native permit:
// recipient, amount, deadline (inclusive), nonce freshness, signature
// recovery against the fee signer, and fee resolution.
func (e *Engine) checkNative(ctx context.Context, p permit.NativePermit, sig []byte, cfg FeeConfig) (*permitCheck, error) {
	if err := e.checkCommon(ctx, p.Payer, p.Recipient, p.Amount, p.Nonce, p.Deadline); err != nil {
		return nil, err
	}
	signer, err := e.codec.RecoverNative(p, sig)
	if err != nil {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "signature recovery failed", nil)
	}
	if signer != cfg.FeeSigner {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "permit not signed by the authorized fee signer", nil)
	}
	return e.resolveFee(p.Amount, p.FeeRateBps, cfg)
}

func (e *Engine) checkToken(ctx context.Context, p permit.TokenPermit, sig []byte, cfg FeeConfig) (*permitCheck, error) {
	if p.Asset == (common.Address{}) {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "asset must not be the zero address", nil)
	}
	if err := e.checkCommon(ctx, p.Payer, p.Recipient, p.Amount, p.Nonce, p.Deadline); err != nil {
		return nil, err
	}
	signer, err := e.codec.RecoverToken(p, sig)
	if err != nil {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "signature recovery failed", nil)
	}
	if signer != cfg.FeeSigner {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "permit not signed by the authorized fee signer", nil)
	}
	return e.resolveFee(p.Amount, p.FeeRateBps, cfg)
}

func (e *Engine) checkCommon(ctx context.Context, payer, recipient common.Address, amount, nonce, deadline *big.Int) error {
	if recipient == (common.Address{}) {
		return NewSettlementError(ErrCodeInvalidRecipient, "recipient must not be the zero address", nil)
	}
	if amount == nil || amount.Sign() <= 0 {
		return NewSettlementError(ErrCodeInvalidAmount, "amount must be a positive integer", nil)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return NewSettlementError(ErrCodeInvalidPermit, "nonce must be a non-negative integer", nil)
	}
	if deadline == nil {
		return NewSettlementError(ErrCodeInvalidPermit, "deadline is required", nil)
	}
	// deadline == now is still valid; only strictly later clocks expire it.
	if new(big.Int).SetInt64(e.now().Unix()).Cmp(deadline) > 0 {
		return NewSettlementError(ErrCodePermitExpired, "permit deadline has passed", nil)
	}
	used, err := e.ledger.NonceUsed(ctx, payer, nonce)
	if err != nil {
		return wrapLedgerFault(err)
	}
	if used {
		return NewSettlementError(ErrCodeNonceUsed, "nonce already consumed for this payer", nil)
	}
	return nil
}

func (e *Engine) resolveFee(amount *big.Int, requestedBps uint32, cfg FeeConfig) (*permitCheck, error) {
	rate, custom, err := EffectiveFeeRate(requestedBps, cfg.SystemFeeBps, cfg.MaxFeeBps)
	if err != nil {
		return nil, err
	}
	fee := ComputeFee(amount, rate)
	return &permitCheck{
		fee:    fee,
		total:  new(big.Int).Add(amount, fee),
		rate:   rate,
		custom: custom,
	}, nil
}

// mapBatchError translates ledger batch failures onto the settlement error
// taxonomy. Everything here rolled back atomically, including the nonce.
func (e *Engine) mapBatchError(err error) error {
	if errors.Is(err, ledger.ErrNonceConsumed) {
		// Lost a race with a concurrent settlement of the same permit.
		return NewSettlementError(ErrCodeNonceUsed, "nonce already consumed for this payer", nil)
	}

	var legErr *ledger.LegError
	if errors.As(err, &legErr) {
		details := map[string]interface{}{"leg": legErr.Kind.String(), "cause": legErr.Err.Error()}
		if errors.Is(err, ledger.ErrInsufficientAllowance) {
			return NewSettlementError(ErrCodeInsufficientAllowance, "payer allowance exhausted during settlement", details)
		}
		switch legErr.Kind {
		case ledger.LegFunding:
			return NewSettlementError(ErrCodeInsufficientBalance, "caller funding leg failed", details)
		case ledger.LegFee:
			return NewSettlementError(ErrCodeFeeTransferFailed, "fee transfer to treasury failed", details)
		default:
			return NewSettlementError(ErrCodeTransferFailed, "principal transfer to recipient failed", details)
		}
	}
	return wrapLedgerFault(err)
}

func (e *Engine) emit(event Event) {
	if event.At.IsZero() {
		event.At = e.now()
	}
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()
	sinks.Emit(event)
}

func failResponse(variant SettlementVariant, err error) SettleResponse {
	return SettleResponse{Success: false, ErrorReason: errorReason(err), Variant: variant}
}

// errorReason renders an error as a wire-stable reason string: the
// settlement error code when there is one, the raw message otherwise.
func errorReason(err error) string {
	if code := CodeOf(err); code != "" {
		return code
	}
	return err.Error()
}

func wrapLedgerFault(err error) error {
	return NewSettlementError(ErrCodeLedgerUnavailable, err.Error(), nil)
}

func isLedgerFault(err error) bool {
	return IsCode(err, ErrCodeLedgerUnavailable)
}
