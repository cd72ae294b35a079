package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositRequested carries one user deposit into a tranche. Amount is the
// gross fixed-point amount before fees.
type DepositRequested struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Tranche   string
	Amount    int64
	Referrer  *uuid.UUID
	Timestamp time.Time
	Sequence  int64
}

func (d *DepositRequested) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositRequested) EventType() EventType {
	return EventTypeDepositRequested
}

func (d *DepositRequested) EpochID() *string {
	return nil // Pool-global event
}

func (d *DepositRequested) SourceSequence() int64 {
	return d.Sequence
}
