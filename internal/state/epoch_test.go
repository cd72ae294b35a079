package state_test

import (
	"errors"
	"testing"

	"TranchePool/internal/state"
)

func openEpoch(t *testing.T, m *state.EpochManager, id string) *state.Epoch {
	t.Helper()
	ep, err := m.Start(id, 1000, 2000, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ep
}

func TestEpochStart_DuplicateID(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "2026-08")

	_, err := m.Start("2026-08", 3000, 4000, false)
	if !errors.Is(err, state.ErrEpochExists) {
		t.Errorf("err = %v, want ErrEpochExists", err)
	}
}

func TestEpochStart_InvalidWindow(t *testing.T) {
	m := state.NewEpochManager()
	if _, err := m.Start("bad", 2000, 2000, false); err == nil {
		t.Error("expected error for zero-length window")
	}
	if _, err := m.Start("bad2", 2000, 1000, false); err == nil {
		t.Error("expected error for inverted window")
	}
}

func TestEpochStart_RollingIgnoresEnd(t *testing.T) {
	m := state.NewEpochManager()
	ep, err := m.Start("rolling", 1000, 500, true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ep.EndTS != 0 {
		t.Errorf("rolling epoch EndTS = %d, want 0", ep.EndTS)
	}

	// trigger far past the ignored end timestamp still works
	_, err = m.Trigger("rolling", state.TriggerSnapshot{SeverityBps: 100}, 9_999_999, 0)
	if err != nil {
		t.Errorf("Trigger: %v", err)
	}
}

func TestEpochTrigger_FreezesSnapshot(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	snap := state.TriggerSnapshot{
		SeverityBps:   5000,
		SeniorTotal:   12_000_000_000,
		JuniorTotal:   4_000_000_000,
		WeightedTotal: 21_200_000_000,
		PoolBalance:   15_000_000_000,
		EvidenceHash:  []byte{0xde, 0xad},
		EvidenceTS:    1400,
	}
	ep, err := m.Trigger("e1", snap, 1500, 600)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if !ep.Triggered {
		t.Error("epoch should be triggered")
	}
	if ep.SnapshotPoolBalance != 15_000_000_000 || ep.SnapshotWeightedTotal != 21_200_000_000 {
		t.Errorf("snapshot = %+v", ep)
	}
}

func TestEpochTrigger_SecondTriggerFails(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	if _, err := m.Trigger("e1", state.TriggerSnapshot{SeverityBps: 100}, 1500, 0); err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	_, err := m.Trigger("e1", state.TriggerSnapshot{SeverityBps: 200}, 1600, 0)
	if !errors.Is(err, state.ErrAlreadyTriggered) {
		t.Errorf("err = %v, want ErrAlreadyTriggered", err)
	}
}

func TestEpochTrigger_StaleEvidence(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	snap := state.TriggerSnapshot{SeverityBps: 100, EvidenceTS: 1000}
	_, err := m.Trigger("e1", snap, 1700, 600)
	if !errors.Is(err, state.ErrStaleEvidence) {
		t.Errorf("err = %v, want ErrStaleEvidence", err)
	}

	// zero maxStaleSeconds disables the check
	if _, err := m.Trigger("e1", snap, 1700, 0); err != nil {
		t.Errorf("Trigger with staleness disabled: %v", err)
	}
}

func TestEpochTrigger_OutsideWindow(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	if _, err := m.Trigger("e1", state.TriggerSnapshot{}, 500, 0); err == nil {
		t.Error("expected error before epoch start")
	}
	if _, err := m.Trigger("e1", state.TriggerSnapshot{}, 2500, 0); err == nil {
		t.Error("expected error after epoch end")
	}
}

func TestEpochFinalize_Lifecycle(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	if _, err := m.Trigger("e1", state.TriggerSnapshot{SeverityBps: 100}, 1500, 0); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := m.RecordPayout("e1", 1_000_000); err != nil {
		t.Fatalf("RecordPayout: %v", err)
	}

	ep, err := m.Finalize("e1", 250)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !ep.Closed || ep.Shortfall != 250 {
		t.Errorf("epoch = %+v, want closed with shortfall 250", ep)
	}

	// closed is terminal
	if _, err := m.Finalize("e1", 0); !errors.Is(err, state.ErrEpochClosed) {
		t.Errorf("err = %v, want ErrEpochClosed", err)
	}
	if _, err := m.Trigger("e1", state.TriggerSnapshot{}, 1600, 0); !errors.Is(err, state.ErrEpochClosed) {
		t.Errorf("err = %v, want ErrEpochClosed", err)
	}
	if err := m.RecordPayout("e1", 1); !errors.Is(err, state.ErrEpochClosed) {
		t.Errorf("err = %v, want ErrEpochClosed", err)
	}
}

func TestEpochFinalize_UneventfulPeriod(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "quiet")

	// closing an untriggered epoch is allowed
	ep, err := m.Finalize("quiet", 0)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if ep.Triggered {
		t.Error("epoch should never have triggered")
	}
}

func TestEpochRecordPayout_RequiresTrigger(t *testing.T) {
	m := state.NewEpochManager()
	openEpoch(t, m, "e1")

	if err := m.RecordPayout("e1", 1); !errors.Is(err, state.ErrEpochNotTriggered) {
		t.Errorf("err = %v, want ErrEpochNotTriggered", err)
	}
}

func TestEpochGet_Unknown(t *testing.T) {
	m := state.NewEpochManager()
	if _, err := m.Get("nope"); !errors.Is(err, state.ErrUnknownEpoch) {
		t.Errorf("err = %v, want ErrUnknownEpoch", err)
	}
}
