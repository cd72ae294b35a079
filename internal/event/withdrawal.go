package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalRequested asks for matured principal out of a tranche.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Tranche      string
	Amount       int64
	Timestamp    time.Time
	Sequence     int64
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) EpochID() *string {
	return nil
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}
