package state

import (
	"fmt"
)

// Epoch is one coverage period. Snapshot fields are written exactly once at
// trigger time and never mutated afterwards; payout math reads only the
// snapshot, never live totals.
type Epoch struct {
	ID      string
	StartTS int64
	EndTS   int64 // 0 = rolling, open-ended

	Triggered bool
	Closed    bool

	// Set at trigger.
	SeverityBps  int64 // effective, post-curve, post-floor
	UserCapBps   int64 // per-user cap for Capped policy, 0 = uncapped
	EpochCap     int64 // aggregate cap for EpochBounded policy
	EvidenceHash []byte
	EvidenceTS   int64

	SnapshotSeniorTotal   int64
	SnapshotJuniorTotal   int64
	SnapshotWeightedTotal int64
	SnapshotPoolBalance   int64

	// Accumulated during claims.
	TotalPaidOut int64

	// Base liability beyond what the pool could cover, recorded at
	// finalize and carried over at the pool level.
	Shortfall int64
}

// TriggerSnapshot is everything the trigger operation freezes into the epoch.
type TriggerSnapshot struct {
	SeverityBps   int64
	UserCapBps    int64
	EpochCap      int64
	EvidenceHash  []byte
	EvidenceTS    int64
	SeniorTotal   int64
	JuniorTotal   int64
	WeightedTotal int64
	PoolBalance   int64
}

// EpochManager owns the epoch registry and lifecycle transitions.
type EpochManager struct {
	epochs  map[string]*Epoch
	current string // latest started epoch id, "" before the first
}

func NewEpochManager() *EpochManager {
	return &EpochManager{
		epochs: make(map[string]*Epoch),
	}
}

// Get returns an epoch by id.
func (m *EpochManager) Get(id string) (*Epoch, error) {
	ep, ok := m.epochs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEpoch, id)
	}
	return ep, nil
}

// Current returns the latest started epoch, or nil before the first.
func (m *EpochManager) Current() *Epoch {
	if m.current == "" {
		return nil
	}
	return m.epochs[m.current]
}

// Start creates a new open epoch. Duplicate ids are rejected; non-rolling
// epochs need a window of positive length.
func (m *EpochManager) Start(id string, startTS, endTS int64, rolling bool) (*Epoch, error) {
	if id == "" {
		return nil, fmt.Errorf("epoch id must be set")
	}
	if _, exists := m.epochs[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrEpochExists, id)
	}
	if !rolling && endTS <= startTS {
		return nil, fmt.Errorf("epoch window invalid: start=%d end=%d", startTS, endTS)
	}
	if rolling {
		endTS = 0
	}

	ep := &Epoch{ID: id, StartTS: startTS, EndTS: endTS}
	m.epochs[id] = ep
	m.current = id
	return ep, nil
}

// Trigger moves an open epoch to Triggered and freezes the snapshot.
// maxStaleSeconds bounds the age of the evidence when an evidence timestamp
// is supplied.
func (m *EpochManager) Trigger(id string, snap TriggerSnapshot, now, maxStaleSeconds int64) (*Epoch, error) {
	ep, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if ep.Closed {
		return nil, fmt.Errorf("%w: %q", ErrEpochClosed, id)
	}
	if ep.Triggered {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyTriggered, id)
	}
	if now < ep.StartTS {
		return nil, fmt.Errorf("epoch %q not started: now=%d start=%d", id, now, ep.StartTS)
	}
	if ep.EndTS > 0 && now > ep.EndTS {
		return nil, fmt.Errorf("epoch %q window elapsed: now=%d end=%d", id, now, ep.EndTS)
	}
	if snap.EvidenceTS > 0 && maxStaleSeconds > 0 && now-snap.EvidenceTS > maxStaleSeconds {
		return nil, fmt.Errorf("%w: evidence %ds old, max %ds",
			ErrStaleEvidence, now-snap.EvidenceTS, maxStaleSeconds)
	}

	ep.Triggered = true
	ep.SeverityBps = snap.SeverityBps
	ep.UserCapBps = snap.UserCapBps
	ep.EpochCap = snap.EpochCap
	ep.EvidenceHash = snap.EvidenceHash
	ep.EvidenceTS = snap.EvidenceTS
	ep.SnapshotSeniorTotal = snap.SeniorTotal
	ep.SnapshotJuniorTotal = snap.JuniorTotal
	ep.SnapshotWeightedTotal = snap.WeightedTotal
	ep.SnapshotPoolBalance = snap.PoolBalance
	return ep, nil
}

// RecordPayout accumulates a paid claim into the epoch.
func (m *EpochManager) RecordPayout(id string, amount int64) error {
	ep, err := m.Get(id)
	if err != nil {
		return err
	}
	if ep.Closed {
		return fmt.Errorf("%w: %q", ErrEpochClosed, id)
	}
	if !ep.Triggered {
		return fmt.Errorf("%w: %q", ErrEpochNotTriggered, id)
	}
	ep.TotalPaidOut += amount
	return nil
}

// Finalize closes an epoch, from Triggered or directly from Open for an
// uneventful period. shortfall is the unmet base liability to carry over.
func (m *EpochManager) Finalize(id string, shortfall int64) (*Epoch, error) {
	ep, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if ep.Closed {
		return nil, fmt.Errorf("%w: %q", ErrEpochClosed, id)
	}
	ep.Closed = true
	ep.Shortfall = shortfall
	return ep, nil
}
