// Package ledger provides the backing store a settlement engine settles
// against: native balances, per-asset token balances, delegated-spend
// allowances, operator freezes, and the per-payer set of consumed nonces.
//
// Settlements apply through ApplySettlement as a single all-or-nothing
// batch: the nonce consumption plus every fund leg either all commit or
// none do. Two implementations are provided, an in-memory ledger for tests
// and single-process deployments and a SQLite ledger for durable state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNonceConsumed is returned when a settlement batch names a
	// (payer, nonce) pair that has already been consumed.
	ErrNonceConsumed = errors.New("nonce already consumed")
	// ErrInsufficientFunds is returned when a leg would overdraw the
	// debited account.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientAllowance is returned when an allowance-backed leg
	// exceeds the remaining approved amount.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrAccountFrozen is returned when either endpoint of a leg is under
	// an operator freeze.
	ErrAccountFrozen = errors.New("account frozen")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// LegKind identifies the role a leg plays inside a settlement batch.
type LegKind int

const (
	// LegFunding moves the native value a caller attached to the call
	// into the engine account.
	LegFunding LegKind = iota
	// LegFee moves the computed fee to the treasury.
	LegFee
	// LegPrincipal delivers the principal to the recipient.
	LegPrincipal
)

func (k LegKind) String() string {
	switch k {
	case LegFunding:
		return "funding"
	case LegFee:
		return "fee"
	case LegPrincipal:
		return "principal"
	default:
		return fmt.Sprintf("leg(%d)", int(k))
	}
}

// Leg is one balance movement inside a settlement batch.
type Leg struct {
	Kind LegKind
	// Asset is the token contract address; the zero address means native
	// currency.
	Asset common.Address
	From  common.Address
	To    common.Address
	// Amount must be positive.
	Amount *big.Int
	// ViaAllowance debits From through the allowance it granted to
	// Spender rather than a transfer initiated by From itself. The
	// remaining allowance decreases by Amount.
	ViaAllowance bool
	Spender      common.Address
}

// LegError reports which leg of a batch failed and why. The wrapped error
// is one of the package sentinels.
type LegError struct {
	Kind LegKind
	Err  error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("%s leg: %v", e.Kind, e.Err)
}

func (e *LegError) Unwrap() error {
	return e.Err
}

// SettlementBatch is the atomic unit of one settlement attempt: the nonce
// consumption for (Payer, Nonce) followed by the fund legs, in order.
type SettlementBatch struct {
	Payer common.Address
	Nonce *big.Int
	Legs  []Leg
}

// Ledger is the store the settlement engine runs against. Implementations
// must be safe for concurrent use, and ApplySettlement must be atomic: on
// any error no batch effect, including the nonce consumption, may remain
// observable.
type Ledger interface {
	// NonceUsed reports whether (payer, nonce) has been consumed.
	NonceUsed(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error)
	// NativeBalance returns the native balance of account.
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	// TokenBalance returns account's balance of asset.
	TokenBalance(ctx context.Context, asset, account common.Address) (*big.Int, error)
	// Allowance returns the remaining amount of asset that spender may
	// move out of owner's balance.
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
	// Frozen reports whether account is under an operator freeze.
	Frozen(ctx context.Context, account common.Address) (bool, error)

	// CreditNative adds amount to account's native balance.
	CreditNative(ctx context.Context, account common.Address, amount *big.Int) error
	// CreditToken adds amount to account's balance of asset.
	CreditToken(ctx context.Context, asset, account common.Address, amount *big.Int) error
	// Approve sets (not adjusts) the allowance owner grants spender.
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error
	// SetFrozen places or lifts an operator freeze on account.
	SetFrozen(ctx context.Context, account common.Address, frozen bool) error

	// ApplySettlement atomically consumes the batch nonce and applies
	// every leg. Returns ErrNonceConsumed if the nonce is spent, or a
	// *LegError naming the failing leg; in both cases state is unchanged.
	ApplySettlement(ctx context.Context, batch SettlementBatch) error

	Close() error
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func validLeg(leg Leg) error {
	if leg.Amount == nil || leg.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
