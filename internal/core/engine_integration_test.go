package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"TranchePool/internal/core"
	"TranchePool/internal/event"
	"TranchePool/internal/ledger"
	"TranchePool/internal/math"
	"TranchePool/internal/state"
)

// --- Test helpers ---

const (
	t0  = int64(1_000_000)
	day = int64(86_400)

	// 10000e6 gross at 50 bps protocol fee nets 9950e6; the junior gross is
	// chosen so its net lands exactly on 7500e6.
	seniorGross = int64(10_000_000_000)
	juniorGross = int64(7_537_688_442)
	seniorNet   = int64(9_950_000_000)
	juniorNet   = int64(7_500_000_000)

	// senior 9950e6 at 10000 bps + junior 7500e6 at 15000 bps
	weightedTotal = int64(21_200_000_000)
	poolAfterSeed = seniorNet + juniorNet
)

// newTestCore creates a PoolCore with buffered channels and no DB checker.
func newTestCore() (*core.PoolCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewPoolCore(0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func testParams() state.PoolParams {
	return state.PoolParams{
		Asset:            "USDC",
		Treasury:         "treasury-main",
		Policy:           state.PolicyProportional,
		MinDeposit:       100_000_000,
		ProtocolFeeBps:   50,
		LockupSeconds:    day,
		CurveB:           1_000_000, // identity curve
		SeverityFloorBps: 100,
		WeightSeniorBps:  10_000,
		WeightJuniorBps:  15_000,
	}
}

func mustInit(caller uuid.UUID, params state.PoolParams, seq, ts int64) *event.InitializePool {
	return &event.InitializePool{
		RequestID: uuid.New(),
		Caller:    caller,
		Params:    params,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func mustDeposit(userID uuid.UUID, tranche string, amount, seq, ts int64) *event.DepositRequested {
	return &event.DepositRequested{
		DepositID: uuid.New(),
		UserID:    userID,
		Asset:     "USDC",
		Tranche:   tranche,
		Amount:    amount,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func mustWithdraw(userID uuid.UUID, tranche string, amount, seq, ts int64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		UserID:       userID,
		Asset:        "USDC",
		Tranche:      tranche,
		Amount:       amount,
		Timestamp:    time.Unix(ts, 0),
		Sequence:     seq,
	}
}

func mustSetPaused(caller uuid.UUID, paused bool, seq, ts int64) *event.SetPaused {
	return &event.SetPaused{
		RequestID: uuid.New(),
		Caller:    caller,
		Paused:    paused,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func mustStartEpoch(caller uuid.UUID, epoch string, startTS, endTS, seq, ts int64) *event.StartEpoch {
	return &event.StartEpoch{
		RequestID: uuid.New(),
		Caller:    caller,
		Epoch:     epoch,
		StartTS:   startTS,
		EndTS:     endTS,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func mustTrigger(caller uuid.UUID, epoch string, severityIn, seq, ts int64) *event.TriggerReported {
	return &event.TriggerReported{
		RequestID:     uuid.New(),
		Caller:        caller,
		Epoch:         epoch,
		SeverityBpsIn: severityIn,
		Timestamp:     time.Unix(ts, 0),
		Sequence:      seq,
	}
}

func mustPayout(userID uuid.UUID, epoch string, seq, ts int64) *event.PayoutRequested {
	return &event.PayoutRequested{
		RequestID: uuid.New(),
		UserID:    userID,
		Epoch:     epoch,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func mustFinalize(caller uuid.UUID, epoch string, dustSweep, seq, ts int64) *event.FinalizeEpoch {
	return &event.FinalizeEpoch{
		RequestID: uuid.New(),
		Caller:    caller,
		Epoch:     epoch,
		DustSweep: dustSweep,
		Timestamp: time.Unix(ts, 0),
		Sequence:  seq,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func process(t *testing.T, c *core.PoolCore, evt event.Event) {
	t.Helper()
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
}

// seedPool initializes the pool and funds both tranches: user1 senior
// (net 9950e6), user2 junior (net 7500e6). Consumes global sequences 0-2.
func seedPool(t *testing.T, c *core.PoolCore, ch chan core.CoreOutput, params state.PoolParams) (admin, user1, user2 uuid.UUID) {
	t.Helper()
	admin, user1, user2 = uuid.New(), uuid.New(), uuid.New()
	process(t, c, mustInit(admin, params, 0, t0))
	process(t, c, mustDeposit(user1, "senior", seniorGross, 1, t0))
	process(t, c, mustDeposit(user2, "junior", juniorGross, 2, t0))
	drainOutputs(ch)
	return admin, user1, user2
}

func findJournal(t *testing.T, batch *ledger.Batch, jt ledger.JournalType) ledger.Journal {
	t.Helper()
	for _, j := range batch.Journals {
		if j.JournalType == jt {
			return j
		}
	}
	t.Fatalf("no %s journal in batch (have %d journals)", jt, len(batch.Journals))
	return ledger.Journal{}
}

// ============================================================================
// Test: Initialization & Admin Gate
// ============================================================================

func TestInitializePool_SetsConfigAndAdmin(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin := uuid.New()

	process(t, c, mustInit(admin, testParams(), 0, t0))

	if !c.IsInitialized() {
		t.Fatal("pool should be initialized")
	}
	if got := c.Params().Asset; got != "USDC" {
		t.Errorf("expected asset USDC, got %s", got)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("initialization should not move funds, got %d journals", len(outputs[0].Batch.Journals))
	}

	// Second initialization is rejected
	err := c.ProcessEvent(mustInit(admin, testParams(), 1, t0))
	if !errors.Is(err, core.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestDeposit_RequiresInitialization(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustDeposit(uuid.New(), "senior", seniorGross, 0, t0))
	if !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAdminGate_RejectsUnknownCaller(t *testing.T) {
	c, _, _ := newTestCore()
	admin := uuid.New()
	process(t, c, mustInit(admin, testParams(), 0, t0))

	err := c.ProcessEvent(mustSetPaused(uuid.New(), true, 1, t0))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if core.KindOf(err) != core.KindAuthorization {
		t.Errorf("expected authorization kind, got %s", core.KindOf(err))
	}
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDeposit_BelowMinimum_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin := uuid.New()
	process(t, c, mustInit(admin, testParams(), 0, t0))
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustDeposit(uuid.New(), "senior", 50_000_000, 1, t0))
	if !errors.Is(err, state.ErrMinDeposit) {
		t.Fatalf("expected ErrMinDeposit, got %v", err)
	}
	if core.KindOf(err) != core.KindValidation {
		t.Errorf("expected validation kind, got %s", core.KindOf(err))
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("rejected deposit must not emit, got %d outputs", len(outputs))
	}
}

func TestDeposit_NetsFeesAndRecordsLot(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin := uuid.New()
	user := uuid.New()
	process(t, c, mustInit(admin, testParams(), 0, t0))
	drainOutputs(persistCh)

	process(t, c, mustDeposit(user, "senior", seniorGross, 1, t0))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch

	if j := findJournal(t, batch, ledger.JournalTypeDeposit); j.Amount != seniorNet {
		t.Errorf("expected net cash leg %d, got %d", seniorNet, j.Amount)
	}
	if j := findJournal(t, batch, ledger.JournalTypeStakeCredit); j.Amount != seniorNet {
		t.Errorf("expected stake credit %d, got %d", seniorNet, j.Amount)
	}
	if j := findJournal(t, batch, ledger.JournalTypeProtocolFee); j.Amount != 50_000_000 {
		t.Errorf("expected protocol fee 50e6, got %d", j.Amount)
	}

	if got := c.PoolBalance(); got != seniorNet {
		t.Errorf("expected pool balance %d, got %d", seniorNet, got)
	}

	pos := c.GetPosition(user)
	if pos == nil {
		t.Fatal("expected a position after deposit")
	}
	lots := pos.Lots(state.TrancheSenior)
	if len(lots) != 1 || lots[0].Amount != seniorNet {
		t.Fatalf("expected one lot of %d, got %+v", seniorNet, lots)
	}
}

func TestPause_BlocksDepositsAndWithdrawals(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustSetPaused(admin, true, 3, t0))
	if !c.IsPaused() {
		t.Fatal("pool should be paused")
	}

	if err := c.ProcessEvent(mustDeposit(user, "senior", seniorGross, 4, t0)); !errors.Is(err, core.ErrPoolPaused) {
		t.Fatalf("expected ErrPoolPaused for deposit, got %v", err)
	}
	if err := c.ProcessEvent(mustWithdraw(user, "senior", 1_000_000_000, 5, t0+2*day)); !errors.Is(err, core.ErrPoolPaused) {
		t.Fatalf("expected ErrPoolPaused for withdrawal, got %v", err)
	}
}

// ============================================================================
// Test: Withdrawal Flow & Lockup
// ============================================================================

func TestWithdrawal_LockupEnforced(t *testing.T) {
	c, persistCh, _ := newTestCore()
	_, user, _ := seedPool(t, c, persistCh, testParams())

	// Before the lockup elapses the lot is immature
	err := c.ProcessEvent(mustWithdraw(user, "senior", 1_000_000_000, 3, t0+1000))
	if !errors.Is(err, ledger.ErrInsufficientMaturedFunds) {
		t.Fatalf("expected ErrInsufficientMaturedFunds, got %v", err)
	}

	// The identical withdrawal succeeds once matured (failed attempt still
	// consumed global sequence 3)
	process(t, c, mustWithdraw(user, "senior", 1_000_000_000, 4, t0+day))

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1]
	if j := findJournal(t, last.Batch, ledger.JournalTypeStakeDebit); j.Amount != 1_000_000_000 {
		t.Errorf("expected stake debit 1000e6, got %d", j.Amount)
	}
	if last.Transfer == nil || last.Transfer.Kind != core.TransferWithdrawal {
		t.Fatalf("expected a withdrawal transfer authorization, got %+v", last.Transfer)
	}
	if last.Transfer.Amount != 1_000_000_000 {
		t.Errorf("expected transfer amount 1000e6, got %d", last.Transfer.Amount)
	}

	// Lot decremented exactly by the withdrawn amount
	lots := c.GetPosition(user).Lots(state.TrancheSenior)
	if len(lots) != 1 || lots[0].Amount != seniorNet-1_000_000_000 {
		t.Fatalf("expected remaining lot %d, got %+v", seniorNet-1_000_000_000, lots)
	}
	if got := c.PoolBalance(); got != poolAfterSeed-1_000_000_000 {
		t.Errorf("expected pool balance %d, got %d", poolAfterSeed-1_000_000_000, got)
	}
}

func TestWithdrawal_FailsWhenVaultDrained(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, user2 := seedPool(t, c, persistCh, testParams())

	// Trigger at full severity and let both users claim, draining the vault
	// below the outstanding stake.
	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 10_000, 1, t0+2*day))
	process(t, c, mustPayout(user1, "E1", 2, t0+2*day))
	process(t, c, mustPayout(user2, "E1", 3, t0+2*day))
	process(t, c, mustFinalize(admin, "E1", 0, 4, t0+3*day))
	drainOutputs(persistCh)

	// Stake is untouched by payouts, so the position check passes but the
	// vault cannot cover a full exit.
	err := c.ProcessEvent(mustWithdraw(user1, "senior", seniorNet, 3, t0+4*day))
	if !errors.Is(err, core.ErrInsufficientVault) {
		t.Fatalf("expected ErrInsufficientVault, got %v", err)
	}
}

// ============================================================================
// Test: Epoch Lifecycle & Trigger
// ============================================================================

func TestTrigger_AppliesCurveFloor(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, _, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 0, 1, t0+day))

	ep, err := c.GetEpoch("E1")
	if err != nil {
		t.Fatalf("GetEpoch failed: %v", err)
	}
	if ep.SeverityBps != 100 {
		t.Errorf("expected floor severity 100 bps, got %d", ep.SeverityBps)
	}

	// An identity curve passes a mid-range input straight through
	process(t, c, mustStartEpoch(admin, "E2", t0, t0+100*day, 0, t0+day))
	process(t, c, mustTrigger(admin, "E2", 5000, 1, t0+2*day))

	ep2, err := c.GetEpoch("E2")
	if err != nil {
		t.Fatalf("GetEpoch failed: %v", err)
	}
	if ep2.SeverityBps != 5000 {
		t.Errorf("expected severity 5000 bps, got %d", ep2.SeverityBps)
	}
}

func TestTrigger_PausesPoolAndFreezesSnapshot(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))

	if !c.IsPaused() {
		t.Fatal("pool should be paused after trigger")
	}

	ep, err := c.GetEpoch("E1")
	if err != nil {
		t.Fatalf("GetEpoch failed: %v", err)
	}
	if ep.SnapshotPoolBalance != poolAfterSeed {
		t.Errorf("expected snapshot pool balance %d, got %d", poolAfterSeed, ep.SnapshotPoolBalance)
	}
	if ep.SnapshotWeightedTotal != weightedTotal {
		t.Errorf("expected snapshot weighted total %d, got %d", weightedTotal, ep.SnapshotWeightedTotal)
	}
	if ep.SnapshotSeniorTotal != seniorNet || ep.SnapshotJuniorTotal != juniorNet {
		t.Errorf("tranche snapshot mismatch: senior=%d junior=%d", ep.SnapshotSeniorTotal, ep.SnapshotJuniorTotal)
	}

	if err := c.ProcessEvent(mustDeposit(user1, "senior", seniorGross, 3, t0+day)); !errors.Is(err, core.ErrPoolPaused) {
		t.Fatalf("expected ErrPoolPaused after trigger, got %v", err)
	}
}

func TestTrigger_SecondCallRejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, _, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))

	err := c.ProcessEvent(mustTrigger(admin, "E1", 7000, 2, t0+day))
	if !errors.Is(err, state.ErrAlreadyTriggered) {
		t.Fatalf("expected ErrAlreadyTriggered, got %v", err)
	}
}

func TestTrigger_ReporterAllowList(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, _, _ := seedPool(t, c, persistCh, testParams())
	reporter := uuid.New()

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))

	err := c.ProcessEvent(mustTrigger(reporter, "E1", 5000, 1, t0+day))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown reporter, got %v", err)
	}

	process(t, c, &event.ReporterUpdate{
		RequestID: uuid.New(),
		Caller:    admin,
		Reporter:  reporter,
		Timestamp: time.Unix(t0+day, 0),
		Sequence:  3,
	})

	// failed trigger consumed epoch sequence 1
	process(t, c, mustTrigger(reporter, "E1", 5000, 2, t0+day))
}

// ============================================================================
// Test: Payout Policies
// ============================================================================

func TestPayout_ProportionalMatchesClosedForm(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, user2 := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))
	drainOutputs(persistCh)

	base := math.BpsOf(poolAfterSeed, 5000)
	wantSenior := math.MulDiv(base, seniorNet, weightedTotal)
	wantJunior := math.MulDiv(base, math.BpsOf(juniorNet, 15_000), weightedTotal)
	if wantSenior != 4_094_988_207 {
		t.Fatalf("closed-form senior entitlement drifted: %d", wantSenior)
	}
	if wantJunior != 4_630_011_792 {
		t.Fatalf("closed-form junior entitlement drifted: %d", wantJunior)
	}

	process(t, c, mustPayout(user1, "E1", 2, t0+day))
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if j := findJournal(t, outputs[0].Batch, ledger.JournalTypeClaimPayout); j.Amount != wantSenior {
		t.Errorf("expected payout journal %d, got %d", wantSenior, j.Amount)
	}
	if outputs[0].Receipt == nil || outputs[0].Receipt.Amount != wantSenior {
		t.Fatalf("expected claim receipt for %d, got %+v", wantSenior, outputs[0].Receipt)
	}
	if outputs[0].Transfer == nil || outputs[0].Transfer.Kind != core.TransferClaim {
		t.Fatalf("expected claim transfer authorization, got %+v", outputs[0].Transfer)
	}

	process(t, c, mustPayout(user2, "E1", 3, t0+day))
	outputs = drainOutputs(persistCh)
	if outputs[0].Receipt.Amount != wantJunior {
		t.Errorf("expected junior payout %d, got %d", wantJunior, outputs[0].Receipt.Amount)
	}

	// Truncation never pays out more than the base liability
	if paid := wantSenior + wantJunior; paid > base {
		t.Errorf("total paid %d exceeds base liability %d", paid, base)
	}
	if got := c.PoolBalance(); got != poolAfterSeed-wantSenior-wantJunior {
		t.Errorf("pool balance mismatch after payouts: %d", got)
	}
}

func TestPayout_DoubleClaimRejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))
	process(t, c, mustPayout(user1, "E1", 2, t0+day))
	drainOutputs(persistCh)
	balanceAfterFirst := c.PoolBalance()

	// A fresh request for the same (epoch, user) is a different event but
	// the same claim.
	err := c.ProcessEvent(mustPayout(user1, "E1", 3, t0+day))
	if !errors.Is(err, state.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if core.KindOf(err) != core.KindDuplicateClaim {
		t.Errorf("expected duplicate_claim kind, got %s", core.KindOf(err))
	}
	if got := c.PoolBalance(); got != balanceAfterFirst {
		t.Errorf("rejected claim moved funds: %d vs %d", got, balanceAfterFirst)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("rejected claim must not emit, got %d outputs", len(outputs))
	}
}

func TestPayout_RequiresTrigger(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))

	err := c.ProcessEvent(mustPayout(user1, "E1", 1, t0+day))
	if !errors.Is(err, state.ErrEpochNotTriggered) {
		t.Fatalf("expected ErrEpochNotTriggered, got %v", err)
	}
}

func TestPayout_NonStakerHasNothingToClaim(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, _, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))

	err := c.ProcessEvent(mustPayout(uuid.New(), "E1", 2, t0+day))
	if !errors.Is(err, core.ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestPayout_CappedPolicy(t *testing.T) {
	c, persistCh, _ := newTestCore()
	params := testParams()
	params.Policy = state.PolicyCapped
	admin, user1, _ := seedPool(t, c, persistCh, params)

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	trigger := mustTrigger(admin, "E1", 5000, 1, t0+day)
	trigger.UserCapBps = 1000 // 10% of the claimant's weighted stake
	process(t, c, trigger)
	drainOutputs(persistCh)

	process(t, c, mustPayout(user1, "E1", 2, t0+day))
	outputs := drainOutputs(persistCh)

	wantCap := math.BpsOf(seniorNet, 1000)
	if outputs[0].Receipt.Amount != wantCap {
		t.Errorf("expected capped payout %d, got %d", wantCap, outputs[0].Receipt.Amount)
	}
}

func TestPayout_EpochBoundedServesArrivalOrder(t *testing.T) {
	c, persistCh, _ := newTestCore()
	params := testParams()
	params.Policy = state.PolicyEpochBounded
	admin, user1, user2 := seedPool(t, c, persistCh, params)

	epochCap := int64(5_000_000_000)
	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	trigger := mustTrigger(admin, "E1", 5000, 1, t0+day)
	trigger.EpochCapOverride = epochCap
	process(t, c, trigger)
	drainOutputs(persistCh)

	// First claimant fits under the cap and is paid in full
	process(t, c, mustPayout(user1, "E1", 2, t0+day))
	first := drainOutputs(persistCh)[0].Receipt.Amount
	base := math.BpsOf(poolAfterSeed, 5000)
	if want := math.MulDiv(base, seniorNet, weightedTotal); first != want {
		t.Fatalf("first claimant: expected %d, got %d", want, first)
	}

	// Second claimant only gets the remainder
	process(t, c, mustPayout(user2, "E1", 3, t0+day))
	second := drainOutputs(persistCh)[0].Receipt.Amount
	if second != epochCap-first {
		t.Errorf("second claimant: expected remainder %d, got %d", epochCap-first, second)
	}

	ep, _ := c.GetEpoch("E1")
	if ep.TotalPaidOut != epochCap {
		t.Errorf("expected total paid %d, got %d", epochCap, ep.TotalPaidOut)
	}
}

func TestPayout_MonotoneInSeverity(t *testing.T) {
	runPayout := func(severityIn int64) int64 {
		c, persistCh, _ := newTestCore()
		admin, user1, _ := seedPool(t, c, persistCh, testParams())
		process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
		process(t, c, mustTrigger(admin, "E1", severityIn, 1, t0+day))
		process(t, c, mustPayout(user1, "E1", 2, t0+day))
		outputs := drainOutputs(persistCh)
		return outputs[len(outputs)-1].Receipt.Amount
	}

	low := runPayout(3000)
	high := runPayout(6000)
	if high < low {
		t.Errorf("entitlement decreased with severity: %d at 3000 bps, %d at 6000 bps", low, high)
	}
}

// ============================================================================
// Test: Finalization
// ============================================================================

func TestFinalize_UnpausesAndCloses(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))
	process(t, c, mustPayout(user1, "E1", 2, t0+day))
	process(t, c, mustFinalize(admin, "E1", 0, 3, t0+2*day))

	if c.IsPaused() {
		t.Error("finalize should unpause the pool")
	}
	ep, _ := c.GetEpoch("E1")
	if !ep.Closed {
		t.Error("epoch should be closed")
	}

	// Closed is terminal
	if err := c.ProcessEvent(mustFinalize(admin, "E1", 0, 4, t0+2*day)); !errors.Is(err, state.ErrEpochClosed) {
		t.Fatalf("expected ErrEpochClosed on re-finalize, got %v", err)
	}
	if err := c.ProcessEvent(mustPayout(user1, "E1", 5, t0+2*day)); !errors.Is(err, state.ErrEpochClosed) {
		t.Fatalf("expected ErrEpochClosed on late claim, got %v", err)
	}
}

func TestFinalize_DustSweepClampedToExcess(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, _, _ := seedPool(t, c, persistCh, testParams())

	// Vault equals outstanding principal, so there is no excess to sweep.
	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustFinalize(admin, "E1", 500_000_000, 1, t0+day))

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1]
	if len(last.Batch.Journals) != 0 {
		t.Errorf("expected no dust journals, got %d", len(last.Batch.Journals))
	}
	if last.Transfer != nil {
		t.Errorf("expected no dust transfer, got %+v", last.Transfer)
	}
	if got := c.PoolBalance(); got != poolAfterSeed {
		t.Errorf("dust sweep moved principal: %d", got)
	}
}

func TestFinalize_RecordsShortfallAfterMidEpochDrain(t *testing.T) {
	c, persistCh, _ := newTestCore()
	params := testParams()
	admin := uuid.New()
	user := uuid.New()
	process(t, c, mustInit(admin, params, 0, t0))
	process(t, c, mustDeposit(user, "senior", seniorGross, 1, t0))
	drainOutputs(persistCh)

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 10_000, 1, t0+2*day))

	// Emergency unpause lets a withdrawal drain the vault below the still
	// unpaid liability.
	process(t, c, mustSetPaused(admin, false, 2, t0+2*day))
	process(t, c, mustWithdraw(user, "senior", 5_000_000_000, 3, t0+2*day))
	process(t, c, mustFinalize(admin, "E1", 0, 2, t0+3*day))

	// base liability 9950e6, nothing paid, live vault 4950e6
	ep, _ := c.GetEpoch("E1")
	if ep.Shortfall != 5_000_000_000 {
		t.Errorf("expected epoch shortfall 5000e6, got %d", ep.Shortfall)
	}
	if got := c.CarryoverShortfall(); got != 5_000_000_000 {
		t.Errorf("expected carryover shortfall 5000e6, got %d", got)
	}
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin := uuid.New()
	user := uuid.New()
	process(t, c, mustInit(admin, testParams(), 0, t0))
	drainOutputs(persistCh)

	deposit := mustDeposit(user, "senior", seniorGross, 1, t0)
	process(t, c, deposit)
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs))
	}

	// Replay is silently ignored and does not double the stake
	process(t, c, deposit)
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs))
	}
	if got := c.GetPosition(user).Deposited(state.TrancheSenior); got != seniorNet {
		t.Errorf("duplicate deposit changed stake: %d", got)
	}
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, _, _ := newTestCore()
	admin := uuid.New()
	process(t, c, mustInit(admin, testParams(), 0, t0))

	// Skip global sequence 1
	err := c.ProcessEvent(mustDeposit(uuid.New(), "senior", seniorGross, 2, t0))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	admin := uuid.MustParse("6b9ca03c-41d1-43bc-ab43-3251f01b9474")
	user := uuid.MustParse("e92a5bd1-5a0a-42cc-b23a-bd34eb1bd0a5")
	requestID := uuid.MustParse("f3c9c95d-79da-48e9-9632-0136d8076e33")
	depositID := uuid.MustParse("878e1527-8fd9-44ba-9008-af9282645735")

	processEvents := func() [][32]byte {
		c, persistCh, _ := newTestCore()
		process(t, c, &event.InitializePool{
			RequestID: requestID,
			Caller:    admin,
			Params:    testParams(),
			Timestamp: time.Unix(t0, 0),
			Sequence:  0,
		})
		process(t, c, &event.DepositRequested{
			DepositID: depositID,
			UserID:    user,
			Asset:     "USDC",
			Tranche:   "senior",
			Amount:    seniorGross,
			Timestamp: time.Unix(t0, 0),
			Sequence:  1,
		})

		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := processEvents()
	hashes2 := processEvents()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_ResumesMidEpoch(t *testing.T) {
	c, persistCh, _ := newTestCore()
	admin, user1, _ := seedPool(t, c, persistCh, testParams())

	process(t, c, mustStartEpoch(admin, "E1", t0, t0+100*day, 0, t0))
	process(t, c, mustTrigger(admin, "E1", 5000, 1, t0+day))
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()

	c2, persistCh2, _ := newTestCore()
	if err := c2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}

	if c2.GetSequence() != c.GetSequence() {
		t.Errorf("sequence mismatch: %d vs %d", c2.GetSequence(), c.GetSequence())
	}
	if c2.GetStateHash() != c.GetStateHash() {
		t.Error("state hash mismatch after restore")
	}
	if c2.PoolBalance() != c.PoolBalance() {
		t.Errorf("pool balance mismatch: %d vs %d", c2.PoolBalance(), c.PoolBalance())
	}
	if !c2.IsPaused() {
		t.Error("restored core should still be paused mid-epoch")
	}

	// The restored core serves the claim with the same entitlement
	process(t, c2, mustPayout(user1, "E1", 2, t0+day))
	outputs := drainOutputs(persistCh2)
	base := math.BpsOf(poolAfterSeed, 5000)
	if want := math.MulDiv(base, seniorNet, weightedTotal); outputs[0].Receipt.Amount != want {
		t.Errorf("expected restored payout %d, got %d", want, outputs[0].Receipt.Amount)
	}
}
