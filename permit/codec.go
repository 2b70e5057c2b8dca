package permit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// eip712Types holds the type definitions for both permit variants plus the
// standard EIP712Domain. Field order here is the canonical wire order and
// must never change.
var eip712Types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	NativePermitType: {
		{Name: "payer", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	TokenPermitType: {
		{Name: "payer", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Codec produces domain-separated digests for permits and recovers the
// signer address from recoverable signatures.
//
// The domain separator is derived exactly once, at construction, from the
// protocol name, version, chain ID and the engine's own address. It is never
// recomputed afterwards: every signature a codec verifies is bound to one
// engine instance on one network, so permits cannot be replayed across
// deployments or forks.
type Codec struct {
	chainID         *big.Int
	engine          common.Address
	domain          apitypes.TypedDataDomain
	domainSeparator [32]byte
}

// NewCodec creates a codec bound to the given chain and engine address.
func NewCodec(chainID *big.Int, engine common.Address) (*Codec, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("permit: chain ID must be a positive integer")
	}
	if engine == (common.Address{}) {
		return nil, fmt.Errorf("permit: engine address must not be zero")
	}

	domain := apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: engine.Hex(),
	}

	typedData := apitypes.TypedData{
		Types:       eip712Types,
		PrimaryType: NativePermitType,
		Domain:      domain,
	}
	separator, err := typedData.HashStruct("EIP712Domain", domain.Map())
	if err != nil {
		return nil, fmt.Errorf("permit: failed to hash domain: %w", err)
	}

	c := &Codec{
		chainID: new(big.Int).Set(chainID),
		engine:  engine,
		domain:  domain,
	}
	copy(c.domainSeparator[:], separator)
	return c, nil
}

// DomainSeparator returns the precomputed EIP-712 domain separator.
func (c *Codec) DomainSeparator() [32]byte {
	return c.domainSeparator
}

// ChainID returns the chain the codec is bound to.
func (c *Codec) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// EngineAddress returns the verifying engine address the codec is bound to.
func (c *Codec) EngineAddress() common.Address {
	return c.engine
}

// HashNative computes the domain-separated digest of a native permit.
//
// The digest is the standard EIP-712 two-stage hash: the struct hash of the
// permit fields under the NativePermit type discriminator, prefixed with
// 0x1901 and the domain separator, then hashed again:
//
//	keccak256("\x19\x01" || domainSeparator || hashStruct(permit))
//
// Hashing is pure and total for well-formed permits; only nil numeric
// fields are rejected.
func (c *Codec) HashNative(p NativePermit) ([32]byte, error) {
	if err := checkNumerics(p.Amount, p.Nonce, p.Deadline); err != nil {
		return [32]byte{}, err
	}
	message := map[string]interface{}{
		"payer":      p.Payer.Hex(),
		"recipient":  p.Recipient.Hex(),
		"amount":     p.Amount,
		"feeRateBps": new(big.Int).SetUint64(uint64(p.FeeRateBps)),
		"nonce":      p.Nonce,
		"deadline":   p.Deadline,
	}
	return c.hashMessage(NativePermitType, message)
}

// HashToken computes the domain-separated digest of a token permit,
// covering the additional asset field under the TokenPermit discriminator.
func (c *Codec) HashToken(p TokenPermit) ([32]byte, error) {
	if err := checkNumerics(p.Amount, p.Nonce, p.Deadline); err != nil {
		return [32]byte{}, err
	}
	message := map[string]interface{}{
		"payer":      p.Payer.Hex(),
		"asset":      p.Asset.Hex(),
		"recipient":  p.Recipient.Hex(),
		"amount":     p.Amount,
		"feeRateBps": new(big.Int).SetUint64(uint64(p.FeeRateBps)),
		"nonce":      p.Nonce,
		"deadline":   p.Deadline,
	}
	return c.hashMessage(TokenPermitType, message)
}

// RecoverNative recovers the address that signed the native permit.
func (c *Codec) RecoverNative(p NativePermit, signature []byte) (common.Address, error) {
	digest, err := c.HashNative(p)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(digest, signature)
}

// RecoverToken recovers the address that signed the token permit.
func (c *Codec) RecoverToken(p TokenPermit, signature []byte) (common.Address, error) {
	digest, err := c.HashToken(p)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(digest, signature)
}

func (c *Codec) hashMessage(primaryType string, message map[string]interface{}) ([32]byte, error) {
	typedData := apitypes.TypedData{
		Types:       eip712Types,
		PrimaryType: primaryType,
		Domain:      c.domain,
		Message:     message,
	}

	structHash, err := typedData.HashStruct(primaryType, message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("permit: failed to hash struct: %w", err)
	}

	// EIP-712 digest: 0x19 0x01 <domainSeparator> <structHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, c.domainSeparator[:]...)
	rawData = append(rawData, structHash...)

	var digest [32]byte
	copy(digest[:], crypto.Keccak256(rawData))
	return digest, nil
}

// RecoverSigner recovers the signing address from a 65-byte (r, s, v)
// recoverable signature over the given digest. Both v in {27, 28} and the
// raw recovery id {0, 1} are accepted.
func RecoverSigner(digest [32]byte, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("permit: invalid signature length: %d", len(signature))
	}

	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] != 0 && sig[64] != 1 {
		return common.Address{}, fmt.Errorf("permit: invalid recovery id: %d", signature[64])
	}

	pubKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("permit: failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

func checkNumerics(amount, nonce, deadline *big.Int) error {
	if amount == nil {
		return fmt.Errorf("permit: amount must not be nil")
	}
	if nonce == nil {
		return fmt.Errorf("permit: nonce must not be nil")
	}
	if deadline == nil {
		return fmt.Errorf("permit: deadline must not be nil")
	}
	return nil
}
