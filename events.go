package permitpay

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies an observable engine occurrence.
type EventKind string

const (
	EventFeeCollected     EventKind = "fee_collected"
	EventNativeSettled    EventKind = "native_settled"
	EventTokenSettled     EventKind = "token_settled"
	EventTreasuryUpdated  EventKind = "treasury_updated"
	EventFeeBoundsUpdated EventKind = "fee_bounds_updated"
	EventFeeSignerUpdated EventKind = "fee_signer_updated"
)

// Event is one engine notification. A single flat record keeps the JSON
// shape uniform across sinks and the WebSocket stream; fields that do not
// apply to a kind stay empty.
type Event struct {
	Kind           EventKind         `json:"kind"`
	At             time.Time         `json:"at"`
	SettlementID   string            `json:"settlementId,omitempty"`
	Variant        SettlementVariant `json:"variant,omitempty"`
	Asset          string            `json:"asset,omitempty"`
	Payer          string            `json:"payer,omitempty"`
	Recipient      string            `json:"recipient,omitempty"`
	Treasury       string            `json:"treasury,omitempty"`
	FeeSigner      string            `json:"feeSigner,omitempty"`
	Amount         string            `json:"amount,omitempty"`
	FeeAmount      string            `json:"feeAmount,omitempty"`
	UsedCustomRate bool              `json:"usedCustomRate,omitempty"`
	SystemFeeBps   uint32            `json:"systemFeeBps,omitempty"`
	MaxFeeBps      uint32            `json:"maxFeeBps,omitempty"`
}

// EventSink receives engine events. Emit is called synchronously on the
// settlement path, so implementations must return quickly; slow consumers
// buffer or drop on their side.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes each event to a structured logger at info level.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Emit(e Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.SettlementID != "" {
		attrs = append(attrs, "settlement_id", e.SettlementID)
	}
	if e.Amount != "" {
		attrs = append(attrs, "amount", e.Amount)
	}
	if e.FeeAmount != "" {
		attrs = append(attrs, "fee_amount", e.FeeAmount)
	}
	if e.Recipient != "" {
		attrs = append(attrs, "recipient", e.Recipient)
	}
	if e.Asset != "" {
		attrs = append(attrs, "asset", e.Asset)
	}
	s.Logger.Info("engine event", attrs...)
}

// RecordingSink retains every event it sees. Intended for tests and
// diagnostics, not production traffic.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything recorded so far.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Reset clears the recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
