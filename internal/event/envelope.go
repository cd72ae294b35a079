package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitializePool
	EventTypeSetPaused
	EventTypeSetPolicy
	EventTypeSetCurve
	EventTypeReporterUpdate
	EventTypeStartEpoch
	EventTypeDepositRequested
	EventTypeWithdrawalRequested
	EventTypeTriggerReported
	EventTypeFinalizeEpoch
	EventTypePayoutRequested
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Epoch context (nullable for pool-global events)
	EpochID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// EpochID returns the epoch context (nil for pool-global events)
	EpochID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeInitializePool:
		return "InitializePool"
	case EventTypeSetPaused:
		return "SetPaused"
	case EventTypeSetPolicy:
		return "SetPolicy"
	case EventTypeSetCurve:
		return "SetCurve"
	case EventTypeReporterUpdate:
		return "ReporterUpdate"
	case EventTypeStartEpoch:
		return "StartEpoch"
	case EventTypeDepositRequested:
		return "DepositRequested"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeTriggerReported:
		return "TriggerReported"
	case EventTypeFinalizeEpoch:
		return "FinalizeEpoch"
	case EventTypePayoutRequested:
		return "PayoutRequested"
	default:
		return "Unknown"
	}
}
