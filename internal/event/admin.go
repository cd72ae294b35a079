package event

import (
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/state"
)

// InitializePool is the one-shot pool setup carrying the full starting
// configuration.
type InitializePool struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Params    state.PoolParams
	Timestamp time.Time
	Sequence  int64
}

func (i *InitializePool) IdempotencyKey() string {
	return i.RequestID.String()
}

func (i *InitializePool) EventType() EventType {
	return EventTypeInitializePool
}

func (i *InitializePool) EpochID() *string {
	return nil
}

func (i *InitializePool) SourceSequence() int64 {
	return i.Sequence
}

// SetPaused toggles the pool pause flag (admin-only).
type SetPaused struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Paused    bool
	Timestamp time.Time
	Sequence  int64
}

func (s *SetPaused) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SetPaused) EventType() EventType {
	return EventTypeSetPaused
}

func (s *SetPaused) EpochID() *string {
	return nil
}

func (s *SetPaused) SourceSequence() int64 {
	return s.Sequence
}

// SetPolicy switches the payout policy and epoch cap (admin-only).
type SetPolicy struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Policy    state.PayoutPolicy
	EpochCap  int64
	Timestamp time.Time
	Sequence  int64
}

func (s *SetPolicy) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SetPolicy) EventType() EventType {
	return EventTypeSetPolicy
}

func (s *SetPolicy) EpochID() *string {
	return nil
}

func (s *SetPolicy) SourceSequence() int64 {
	return s.Sequence
}

// SetCurve replaces the severity curve coefficients, the payout floor, and
// the tranche weights (admin-only).
type SetCurve struct {
	RequestID        uuid.UUID
	Caller           uuid.UUID
	CurveA           int64
	CurveB           int64
	CurveC           int64
	SeverityFloorBps int64
	WeightSeniorBps  int64
	WeightJuniorBps  int64
	Timestamp        time.Time
	Sequence         int64
}

func (s *SetCurve) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SetCurve) EventType() EventType {
	return EventTypeSetCurve
}

func (s *SetCurve) EpochID() *string {
	return nil
}

func (s *SetCurve) SourceSequence() int64 {
	return s.Sequence
}

// ReporterUpdate mutates the reporter allow-list (admin-only).
type ReporterUpdate struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	Reporter  uuid.UUID
	Remove    bool
	Timestamp time.Time
	Sequence  int64
}

func (r *ReporterUpdate) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *ReporterUpdate) EventType() EventType {
	return EventTypeReporterUpdate
}

func (r *ReporterUpdate) EpochID() *string {
	return nil
}

func (r *ReporterUpdate) SourceSequence() int64 {
	return r.Sequence
}
