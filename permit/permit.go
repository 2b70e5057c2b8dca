// Package permit defines the two permit variants accepted by the settlement
// engine and the codec that binds them to a single engine instance through
// EIP-712 domain separation.
//
// A permit is a signed, time-bounded, single-use authorization for one
// specific transfer. The fee signer produces the signature off-line; a
// forwarding agent presents it to the engine, which recomputes the digest
// over the exact tuple it received and recovers the signer. Permits are
// transient values: they are never persisted, only hashed and verified.
package permit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol domain constants. These participate in the EIP-712 domain
// separator and must match across implementations for signatures to be
// portable.
const (
	DomainName    = "PermitPay"
	DomainVersion = "1"
)

// Primary type names. Each variant hashes under its own type discriminator
// so a signature over one can never verify as the other.
const (
	NativePermitType = "NativePermit"
	TokenPermitType  = "TokenPermit"
)

// SignatureLength is the length of a recoverable (r, s, v) signature.
const SignatureLength = 65

// NativePermit authorizes a native-currency settlement. Field order matches
// the canonical EIP-712 encoding:
//
//	NativePermit(address payer,address recipient,uint256 amount,uint256 feeRateBps,uint256 nonce,uint256 deadline)
type NativePermit struct {
	// Payer is the account authorizing and funding the transfer.
	Payer common.Address
	// Recipient receives the principal.
	Recipient common.Address
	// Amount is the principal, excluding the fee.
	Amount *big.Int
	// FeeRateBps is the signer-chosen fee rate in basis points.
	// Zero means "use the system default rate".
	FeeRateBps uint32
	// Nonce is a caller-chosen value, unique per payer.
	Nonce *big.Int
	// Deadline is the absolute expiry instant in unix seconds, inclusive.
	Deadline *big.Int
}

// TokenPermit authorizes a token settlement. It is a distinct type, not a
// specialization of NativePermit: its canonical encoding carries the asset
// address and hashes under its own discriminator:
//
//	TokenPermit(address payer,address asset,address recipient,uint256 amount,uint256 feeRateBps,uint256 nonce,uint256 deadline)
type TokenPermit struct {
	Payer common.Address
	// Asset is the token contract identifier.
	Asset      common.Address
	Recipient  common.Address
	Amount     *big.Int
	FeeRateBps uint32
	Nonce      *big.Int
	Deadline   *big.Int
}
