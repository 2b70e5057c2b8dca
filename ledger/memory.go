package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Ensure MemoryLedger implements Ledger
var _ Ledger = (*MemoryLedger)(nil)

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

type tokenKey struct {
	asset   common.Address
	account common.Address
}

type nonceKey struct {
	payer common.Address
	nonce string
}

// MemoryLedger is an in-memory Ledger guarded by a single mutex. Batches
// validate every leg before mutating anything, so a failed settlement
// leaves no partial state behind.
type MemoryLedger struct {
	mu         sync.Mutex
	native     map[common.Address]*big.Int
	tokens     map[tokenKey]*big.Int
	allowances map[allowanceKey]*big.Int
	frozen     map[common.Address]bool
	nonces     map[nonceKey]bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[tokenKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		frozen:     make(map[common.Address]bool),
		nonces:     make(map[nonceKey]bool),
	}
}

func (l *MemoryLedger) NonceUsed(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error) {
	if err := validAmount(nonce); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[nonceKey{payer, nonce.String()}], nil
}

func (l *MemoryLedger) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrZero(l.native[account]), nil
}

func (l *MemoryLedger) TokenBalance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrZero(l.tokens[tokenKey{asset, account}]), nil
}

func (l *MemoryLedger) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrZero(l.allowances[allowanceKey{asset, owner, spender}]), nil
}

func (l *MemoryLedger) Frozen(ctx context.Context, account common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frozen[account], nil
}

func (l *MemoryLedger) CreditNative(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[account] = new(big.Int).Add(copyOrZero(l.native[account]), amount)
	return nil
}

func (l *MemoryLedger) CreditToken(ctx context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tokenKey{asset, account}
	l.tokens[key] = new(big.Int).Add(copyOrZero(l.tokens[key]), amount)
	return nil
}

func (l *MemoryLedger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (l *MemoryLedger) SetFrozen(ctx context.Context, account common.Address, frozen bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if frozen {
		l.frozen[account] = true
	} else {
		delete(l.frozen, account)
	}
	return nil
}

// ApplySettlement consumes the batch nonce and applies every leg under one
// lock acquisition. Legs are staged against scratch copies of the touched
// entries and written back only after all of them validate.
func (l *MemoryLedger) ApplySettlement(ctx context.Context, batch SettlementBatch) error {
	if err := validAmount(batch.Nonce); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nk := nonceKey{batch.Payer, batch.Nonce.String()}
	if l.nonces[nk] {
		return ErrNonceConsumed
	}

	staged := stagedState{
		ledger:     l,
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[tokenKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
	for _, leg := range batch.Legs {
		if err := staged.apply(leg); err != nil {
			return &LegError{Kind: leg.Kind, Err: err}
		}
	}

	staged.commit()
	l.nonces[nk] = true
	return nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

// stagedState overlays pending balance changes on the ledger while a batch
// validates. Only entries a leg touched are copied.
type stagedState struct {
	ledger     *MemoryLedger
	native     map[common.Address]*big.Int
	tokens     map[tokenKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func (s *stagedState) nativeBalance(account common.Address) *big.Int {
	if b, ok := s.native[account]; ok {
		return b
	}
	b := copyOrZero(s.ledger.native[account])
	s.native[account] = b
	return b
}

func (s *stagedState) tokenBalance(key tokenKey) *big.Int {
	if b, ok := s.tokens[key]; ok {
		return b
	}
	b := copyOrZero(s.ledger.tokens[key])
	s.tokens[key] = b
	return b
}

func (s *stagedState) allowance(key allowanceKey) *big.Int {
	if a, ok := s.allowances[key]; ok {
		return a
	}
	a := copyOrZero(s.ledger.allowances[key])
	s.allowances[key] = a
	return a
}

func (s *stagedState) apply(leg Leg) error {
	if err := validLeg(leg); err != nil {
		return err
	}
	if s.ledger.frozen[leg.From] || s.ledger.frozen[leg.To] {
		return ErrAccountFrozen
	}

	if leg.ViaAllowance {
		allowance := s.allowance(allowanceKey{leg.Asset, leg.From, leg.Spender})
		if allowance.Cmp(leg.Amount) < 0 {
			return ErrInsufficientAllowance
		}
		allowance.Sub(allowance, leg.Amount)
	}

	if leg.Asset == (common.Address{}) {
		from := s.nativeBalance(leg.From)
		if from.Cmp(leg.Amount) < 0 {
			return ErrInsufficientFunds
		}
		from.Sub(from, leg.Amount)
		to := s.nativeBalance(leg.To)
		to.Add(to, leg.Amount)
		return nil
	}

	from := s.tokenBalance(tokenKey{leg.Asset, leg.From})
	if from.Cmp(leg.Amount) < 0 {
		return ErrInsufficientFunds
	}
	from.Sub(from, leg.Amount)
	to := s.tokenBalance(tokenKey{leg.Asset, leg.To})
	to.Add(to, leg.Amount)
	return nil
}

func (s *stagedState) commit() {
	for account, balance := range s.native {
		s.ledger.native[account] = balance
	}
	for key, balance := range s.tokens {
		s.ledger.tokens[key] = balance
	}
	for key, allowance := range s.allowances {
		s.ledger.allowances[key] = allowance
	}
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
