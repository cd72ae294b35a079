package event

import (
	"time"

	"github.com/google/uuid"
)

// StartEpoch opens a new coverage period.
type StartEpoch struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Epoch     string
	StartTS   int64
	EndTS     int64
	Timestamp time.Time
	Sequence  int64
}

func (s *StartEpoch) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *StartEpoch) EventType() EventType {
	return EventTypeStartEpoch
}

func (s *StartEpoch) EpochID() *string {
	return &s.Epoch
}

func (s *StartEpoch) SourceSequence() int64 {
	return s.Sequence
}

// FinalizeEpoch closes a coverage period, unpauses the pool, and optionally
// sweeps residual dust to the treasury.
type FinalizeEpoch struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Epoch     string
	DustSweep int64 // 0 = no sweep
	Timestamp time.Time
	Sequence  int64
}

func (f *FinalizeEpoch) IdempotencyKey() string {
	return f.RequestID.String()
}

func (f *FinalizeEpoch) EventType() EventType {
	return EventTypeFinalizeEpoch
}

func (f *FinalizeEpoch) EpochID() *string {
	return &f.Epoch
}

func (f *FinalizeEpoch) SourceSequence() int64 {
	return f.Sequence
}
