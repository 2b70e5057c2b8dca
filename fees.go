package permitpay

import (
	"fmt"
	"math/big"
)

// Fee rates are expressed in basis points. MaxFeeBpsBound is the policy
// ceiling no configuration may exceed (10%).
const (
	BpsDenominator = 10_000
	MaxFeeBpsBound = 1_000
)

// EffectiveFeeRate resolves the rate a permit settles at. A requested rate
// of zero selects the system default; an explicit rate is honored up to
// maxBps. The second result reports whether an explicit rate was used.
//
// The rate is chosen by the permit signer, not the presenting caller, so a
// relayer cannot inflate the fee. The cap bounds even the signer.
func EffectiveFeeRate(requested, systemBps, maxBps uint32) (uint32, bool, error) {
	if requested == 0 {
		return systemBps, false, nil
	}
	if requested > maxBps {
		return 0, false, NewSettlementError(ErrCodeFeeExceedsMaximum,
			fmt.Sprintf("requested fee rate %d bps exceeds maximum %d bps", requested, maxBps),
			map[string]interface{}{"requestedBps": requested, "maxBps": maxBps})
	}
	return requested, true, nil
}

// ComputeFee returns floor(amount * bps / 10000). Truncation is
// intentional: rounding dust stays with the payer, never the treasury.
func ComputeFee(amount *big.Int, bps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Quo(fee, big.NewInt(BpsDenominator))
}
