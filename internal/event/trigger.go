package event

import (
	"time"

	"github.com/google/uuid"
)

// TriggerReported is an allow-listed reporter's severity measurement for
// a qualifying risk event. SeverityBpsIn is the raw oracle reading before
// the payout curve is applied.
type TriggerReported struct {
	RequestID     uuid.UUID
	Caller        uuid.UUID
	Epoch         string
	SeverityBpsIn int64

	// Optional trigger-time overrides, 0 = use configured defaults.
	UserCapBps       int64
	EpochCapOverride int64

	EvidenceHash []byte
	EvidenceTS   int64 // 0 = no staleness check

	Timestamp time.Time
	Sequence  int64
}

func (t *TriggerReported) IdempotencyKey() string {
	return t.RequestID.String()
}

func (t *TriggerReported) EventType() EventType {
	return EventTypeTriggerReported
}

func (t *TriggerReported) EpochID() *string {
	return &t.Epoch
}

func (t *TriggerReported) SourceSequence() int64 {
	return t.Sequence
}
