package permitpay

import (
	"context"
	"time"
)

// ============================================================================
// Engine Hook Context Types
// ============================================================================

// VerifyContext contains information passed to verify hooks. Exactly one of
// Native/Token is set, matching Variant.
type VerifyContext struct {
	Ctx       context.Context
	Variant   SettlementVariant
	Native    *NativePermitPayload
	Token     *TokenPermitPayload
	Signature string
	Timestamp time.Time
}

// VerifyResultContext is handed to after-verify hooks with the verdict
// and the elapsed time.
type VerifyResultContext struct {
	VerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// VerifyFailureContext is handed to verify-failure hooks when
// verification errors out.
type VerifyFailureContext struct {
	VerifyContext
	Error    error
	Duration time.Duration
}

// SettleContext contains information passed to settle hooks. Caller and
// Value are set for the native variant only.
type SettleContext struct {
	Ctx       context.Context
	Variant   SettlementVariant
	Native    *NativePermitPayload
	Token     *TokenPermitPayload
	Signature string
	Caller    string
	Value     string
	Timestamp time.Time
}

// SettleResultContext is handed to after-settle hooks with the executed
// response and the elapsed time.
type SettleResultContext struct {
	SettleContext
	Result   SettleResponse
	Duration time.Duration
}

// SettleFailureContext is handed to settle-failure hooks when settlement
// errors out.
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Engine Hook Result Types
// ============================================================================

// BeforeHookResult is a before hook's verdict. Abort stops the operation
// and surfaces Reason to the caller.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult lets a verify-failure hook override the failure.
// When Recovered is set, Result is returned to the caller in place of
// the error.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// ============================================================================
// Engine Hook Function Types
// ============================================================================

// BeforeVerifyHook runs ahead of any permit checks. An Abort verdict
// short-circuits to an invalid response carrying Reason; a returned error
// fails the verification outright.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook runs once verification completes without error. Hook
// errors are logged and do not alter the verdict.
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook runs when verification returns an error. A Recovered
// result replaces the error. Verification is a dry-run, so recovery never
// masks a state change.
type OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook runs before funds move. An Abort verdict fails the
// settlement with ErrCodeSettlementAborted and the hook's Reason; a
// returned error fails it as-is.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs once a settlement has executed. Hook errors are
// logged and do not alter the response.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when settlement fails. Failure hooks observe
// only: a failed settlement moved no funds and consumed no nonce, and no
// hook may claim otherwise.
type OnSettleFailureHook func(SettleFailureContext) error

// ============================================================================
// Engine Hook Registration Options
// ============================================================================
//
// Hooks registered here run in registration order. The chainable On*
// methods add more after construction.

// WithBeforeVerifyHook registers hook to run before each verification.
func WithBeforeVerifyHook(hook BeforeVerifyHook) Option {
	return func(e *Engine) {
		e.beforeVerifyHooks = append(e.beforeVerifyHooks, hook)
	}
}

// WithAfterVerifyHook registers hook to run after each successful verification.
func WithAfterVerifyHook(hook AfterVerifyHook) Option {
	return func(e *Engine) {
		e.afterVerifyHooks = append(e.afterVerifyHooks, hook)
	}
}

// WithOnVerifyFailureHook registers hook to run when a verification fails.
func WithOnVerifyFailureHook(hook OnVerifyFailureHook) Option {
	return func(e *Engine) {
		e.onVerifyFailureHooks = append(e.onVerifyFailureHooks, hook)
	}
}

// WithBeforeSettleHook registers hook to run before each settlement.
func WithBeforeSettleHook(hook BeforeSettleHook) Option {
	return func(e *Engine) {
		e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	}
}

// WithAfterSettleHook registers hook to run after each executed settlement.
func WithAfterSettleHook(hook AfterSettleHook) Option {
	return func(e *Engine) {
		e.afterSettleHooks = append(e.afterSettleHooks, hook)
	}
}

// WithOnSettleFailureHook registers hook to run when a settlement fails.
func WithOnSettleFailureHook(hook OnSettleFailureHook) Option {
	return func(e *Engine) {
		e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	}
}
