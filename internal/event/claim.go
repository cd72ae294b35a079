package event

import (
	"time"

	"github.com/google/uuid"
)

// PayoutRequested is a claimant asking for their entitlement from a
// triggered epoch.
type PayoutRequested struct {
	RequestID uuid.UUID
	UserID    uuid.UUID
	Epoch     string
	Timestamp time.Time
	Sequence  int64
}

func (p *PayoutRequested) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PayoutRequested) EventType() EventType {
	return EventTypePayoutRequested
}

func (p *PayoutRequested) EpochID() *string {
	return &p.Epoch
}

func (p *PayoutRequested) SourceSequence() int64 {
	return p.Sequence
}
