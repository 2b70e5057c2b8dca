package permitpay

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FeeConfig is one immutable snapshot of the fee configuration. Settlement
// reads a snapshot once per attempt, so a concurrent mutation never tears a
// half-applied config into an in-flight settlement.
type FeeConfig struct {
	Treasury     common.Address
	FeeSigner    common.Address
	SystemFeeBps uint32
	MaxFeeBps    uint32
}

// Validate checks the full invariant set. Every mutation re-validates the
// resulting config rather than trusting prior validation.
func (c FeeConfig) Validate() error {
	if c.Treasury == (common.Address{}) {
		return NewSettlementError(ErrCodeInvalidConfig, "treasury must not be the zero address", nil)
	}
	if c.FeeSigner == (common.Address{}) {
		return NewSettlementError(ErrCodeInvalidConfig, "fee signer must not be the zero address", nil)
	}
	if c.MaxFeeBps > MaxFeeBpsBound {
		return NewSettlementError(ErrCodeInvalidConfig,
			fmt.Sprintf("max fee rate %d bps exceeds the %d bps bound", c.MaxFeeBps, MaxFeeBpsBound), nil)
	}
	if c.SystemFeeBps > c.MaxFeeBps {
		return NewSettlementError(ErrCodeInvalidConfig,
			fmt.Sprintf("system fee rate %d bps exceeds max fee rate %d bps", c.SystemFeeBps, c.MaxFeeBps), nil)
	}
	return nil
}

// ConfigStore holds the mutable fee configuration behind a single-owner
// guard. Mutations serialize on the store's lock; reads hand out value
// snapshots.
type ConfigStore struct {
	mu    sync.RWMutex
	owner common.Address
	cfg   FeeConfig

	// Wired by the engine. Nil means no notifications.
	notify func(Event)
	now    func() time.Time
}

// NewConfigStore validates the initial config and binds it to its owner.
func NewConfigStore(owner common.Address, cfg FeeConfig) (*ConfigStore, error) {
	if owner == (common.Address{}) {
		return nil, NewSettlementError(ErrCodeInvalidConfig, "config owner must not be the zero address", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConfigStore{owner: owner, cfg: cfg, now: time.Now}, nil
}

// Owner returns the address authorized to mutate the configuration.
func (s *ConfigStore) Owner() common.Address {
	return s.owner
}

// Snapshot returns the current configuration by value.
func (s *ConfigStore) Snapshot() FeeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetTreasury points fee legs at a new treasury address.
func (s *ConfigStore) SetTreasury(owner, treasury common.Address) error {
	return s.mutate(owner, func(cfg *FeeConfig) Event {
		cfg.Treasury = treasury
		return Event{Kind: EventTreasuryUpdated, Treasury: treasury.Hex()}
	})
}

// SetFeeBounds updates the default and maximum fee rates together so their
// relative invariant is checked against the final pair, not an intermediate.
func (s *ConfigStore) SetFeeBounds(owner common.Address, systemBps, maxBps uint32) error {
	return s.mutate(owner, func(cfg *FeeConfig) Event {
		cfg.SystemFeeBps = systemBps
		cfg.MaxFeeBps = maxBps
		return Event{Kind: EventFeeBoundsUpdated, SystemFeeBps: systemBps, MaxFeeBps: maxBps}
	})
}

// SetFeeSigner rotates the authorized permit signer. Permits signed by the
// previous signer fail recovery comparison from the next settlement on;
// attempts already past signature check are unaffected.
func (s *ConfigStore) SetFeeSigner(owner, signer common.Address) error {
	return s.mutate(owner, func(cfg *FeeConfig) Event {
		cfg.FeeSigner = signer
		return Event{Kind: EventFeeSignerUpdated, FeeSigner: signer.Hex()}
	})
}

func (s *ConfigStore) mutate(owner common.Address, apply func(*FeeConfig) Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner != s.owner {
		return NewSettlementError(ErrCodeUnauthorizedOwner, "caller is not the configuration owner", nil)
	}
	next := s.cfg
	event := apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	if s.notify != nil {
		event.At = s.clock()
		s.notify(event)
	}
	return nil
}

func (s *ConfigStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
