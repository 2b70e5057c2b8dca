package permitpay

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/permitpay/permitpay-go/permit"
)

// SettlementVariant discriminates the two permit flavors on the wire.
type SettlementVariant string

const (
	VariantNative SettlementVariant = "native"
	VariantToken  SettlementVariant = "token"
)

// NativePermitPayload is the wire form of a native-coin permit. Numeric
// fields travel as base-10 strings so values survive JSON round-trips
// beyond float precision.
type NativePermitPayload struct {
	Payer      string `json:"payer"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	FeeRateBps uint32 `json:"feeRateBps"`
	Nonce      string `json:"nonce"`
	Deadline   string `json:"deadline"`
}

// TokenPermitPayload is the wire form of a token permit.
type TokenPermitPayload struct {
	Payer      string `json:"payer"`
	Asset      string `json:"asset"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	FeeRateBps uint32 `json:"feeRateBps"`
	Nonce      string `json:"nonce"`
	Deadline   string `json:"deadline"`
}

// Permit converts the payload into its typed form. Malformed fields map to
// the same error codes the engine itself would report for them.
func (p NativePermitPayload) Permit() (permit.NativePermit, error) {
	payer, err := parseAddress(p.Payer)
	if err != nil {
		return permit.NativePermit{}, NewSettlementError(ErrCodeInvalidPermit, "payer is not a valid address", nil)
	}
	recipient, err := parseAddress(p.Recipient)
	if err != nil {
		return permit.NativePermit{}, NewSettlementError(ErrCodeInvalidRecipient, "recipient is not a valid address", nil)
	}
	amount, err := parseBigInt(p.Amount)
	if err != nil {
		return permit.NativePermit{}, NewSettlementError(ErrCodeInvalidAmount, "amount is not a base-10 integer", nil)
	}
	nonce, err := parseBigInt(p.Nonce)
	if err != nil {
		return permit.NativePermit{}, NewSettlementError(ErrCodeInvalidPermit, "nonce is not a base-10 integer", nil)
	}
	deadline, err := parseBigInt(p.Deadline)
	if err != nil {
		return permit.NativePermit{}, NewSettlementError(ErrCodeInvalidPermit, "deadline is not a base-10 integer", nil)
	}
	return permit.NativePermit{
		Payer:      payer,
		Recipient:  recipient,
		Amount:     amount,
		FeeRateBps: p.FeeRateBps,
		Nonce:      nonce,
		Deadline:   deadline,
	}, nil
}

// Permit converts the payload into its typed form.
func (p TokenPermitPayload) Permit() (permit.TokenPermit, error) {
	asset, err := parseAddress(p.Asset)
	if err != nil {
		return permit.TokenPermit{}, NewSettlementError(ErrCodeInvalidPermit, "asset is not a valid address", nil)
	}
	native := NativePermitPayload{
		Payer:      p.Payer,
		Recipient:  p.Recipient,
		Amount:     p.Amount,
		FeeRateBps: p.FeeRateBps,
		Nonce:      p.Nonce,
		Deadline:   p.Deadline,
	}
	base, err := native.Permit()
	if err != nil {
		return permit.TokenPermit{}, err
	}
	return permit.TokenPermit{
		Payer:      base.Payer,
		Asset:      asset,
		Recipient:  base.Recipient,
		Amount:     base.Amount,
		FeeRateBps: base.FeeRateBps,
		Nonce:      base.Nonce,
		Deadline:   base.Deadline,
	}, nil
}

// NativePayloadFor renders a typed permit back into its wire form.
func NativePayloadFor(p permit.NativePermit) NativePermitPayload {
	return NativePermitPayload{
		Payer:      p.Payer.Hex(),
		Recipient:  p.Recipient.Hex(),
		Amount:     bigString(p.Amount),
		FeeRateBps: p.FeeRateBps,
		Nonce:      bigString(p.Nonce),
		Deadline:   bigString(p.Deadline),
	}
}

// TokenPayloadFor renders a typed permit back into its wire form.
func TokenPayloadFor(p permit.TokenPermit) TokenPermitPayload {
	return TokenPermitPayload{
		Payer:      p.Payer.Hex(),
		Asset:      p.Asset.Hex(),
		Recipient:  p.Recipient.Hex(),
		Amount:     bigString(p.Amount),
		FeeRateBps: p.FeeRateBps,
		Nonce:      bigString(p.Nonce),
		Deadline:   bigString(p.Deadline),
	}
}

// VerifyNativeRequest asks for a dry-run check of a native permit.
type VerifyNativeRequest struct {
	Permit    NativePermitPayload `json:"permit"`
	Signature string              `json:"signature"`
}

// VerifyTokenRequest asks for a dry-run check of a token permit.
type VerifyTokenRequest struct {
	Permit    TokenPermitPayload `json:"permit"`
	Signature string             `json:"signature"`
}

// VerifyResponse reports the outcome of a dry-run check.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	FeeAmount     string `json:"feeAmount,omitempty"`
	Total         string `json:"total,omitempty"`
}

// SettleNativeRequest carries a native permit plus the forwarding caller and
// the native value it attached to cover principal and fee.
type SettleNativeRequest struct {
	Permit    NativePermitPayload `json:"permit"`
	Signature string              `json:"signature"`
	Caller    string              `json:"caller"`
	Value     string              `json:"value"`
}

// SettleTokenRequest carries a token permit; funding comes from the payer's
// pre-existing allowance to the engine, so no value accompanies the call.
type SettleTokenRequest struct {
	Permit    TokenPermitPayload `json:"permit"`
	Signature string             `json:"signature"`
}

// SettleResponse reports the outcome of a settlement attempt.
type SettleResponse struct {
	Success        bool              `json:"success"`
	ErrorReason    string            `json:"errorReason,omitempty"`
	SettlementID   string            `json:"settlementId,omitempty"`
	Variant        SettlementVariant `json:"variant,omitempty"`
	Payer          string            `json:"payer,omitempty"`
	Recipient      string            `json:"recipient,omitempty"`
	Asset          string            `json:"asset,omitempty"`
	Amount         string            `json:"amount,omitempty"`
	FeeAmount      string            `json:"feeAmount,omitempty"`
	UsedCustomRate bool              `json:"usedCustomRate"`
}

// FeeConfigPayload is the wire form of the current fee configuration.
type FeeConfigPayload struct {
	Engine       string `json:"engine"`
	ChainID      string `json:"chainId"`
	Treasury     string `json:"treasury"`
	FeeSigner    string `json:"feeSigner"`
	SystemFeeBps uint32 `json:"systemFeeBps"`
	MaxFeeBps    uint32 `json:"maxFeeBps"`
}

// SetTreasuryRequest updates the treasury address. Owner-guarded.
type SetTreasuryRequest struct {
	Treasury string `json:"treasury"`
}

// SetFeeBoundsRequest updates the default and maximum fee rates. Owner-guarded.
type SetFeeBoundsRequest struct {
	SystemFeeBps uint32 `json:"systemFeeBps"`
	MaxFeeBps    uint32 `json:"maxFeeBps"`
}

// SetFeeSignerRequest rotates the authorized permit signer. Owner-guarded.
type SetFeeSignerRequest struct {
	FeeSigner string `json:"feeSigner"`
}

// DecodeSignature parses a 0x-prefixed hex signature and enforces the
// 65-byte (r,s,v) wire length.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "signature is not valid hex", nil)
	}
	if len(raw) != permit.SignatureLength {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "signature must be 65 bytes", map[string]interface{}{
			"length": len(raw),
		})
	}
	return raw, nil
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, NewSettlementError(ErrCodeInvalidPermit, "not a hex address", nil)
	}
	return common.HexToAddress(s), nil
}

func parseBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewSettlementError(ErrCodeInvalidPermit, "not a base-10 integer", nil)
	}
	return v, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
