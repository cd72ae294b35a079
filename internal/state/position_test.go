package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"TranchePool/internal/ledger"
	"TranchePool/internal/state"
)

func testParams() *state.PoolParams {
	return &state.PoolParams{
		Asset:                     "USDC",
		Treasury:                  "treasury-main",
		Policy:                    state.PolicyProportional,
		MinDeposit:                100_000_000,
		ProtocolFeeBps:            50,
		ReferralFeeBps:            25,
		LockupSeconds:             86_400,
		MinSecondsBetweenDeposits: 60,
		WeightSeniorBps:           10_000,
		WeightJuniorBps:           15_000,
	}
}

func TestValidateDeposit_BelowMinimum(t *testing.T) {
	m := state.NewPositionManager()
	params := testParams()

	_, err := m.ValidateDeposit(params, uuid.New(), state.TrancheSenior, 50_000_000, false, 1000)
	if !errors.Is(err, state.ErrMinDeposit) {
		t.Errorf("err = %v, want ErrMinDeposit", err)
	}
}

func TestValidateDeposit_NonPositive(t *testing.T) {
	m := state.NewPositionManager()
	params := testParams()

	if _, err := m.ValidateDeposit(params, uuid.New(), state.TrancheSenior, 0, false, 1000); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := m.ValidateDeposit(params, uuid.New(), state.TrancheSenior, -5, false, 1000); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestDeposit_FeeNetAndLot(t *testing.T) {
	m := state.NewPositionManager()
	params := testParams()
	userID := uuid.New()

	fees, err := m.ValidateDeposit(params, userID, state.TrancheSenior, 10_000_000_000, false, 1000)
	if err != nil {
		t.Fatalf("ValidateDeposit: %v", err)
	}
	if fees.Net != 9_950_000_000 {
		t.Fatalf("net = %d, want 9_950_000_000", fees.Net)
	}
	if err := m.ApplyDeposit(userID, state.TrancheSenior, fees.Net, nil, 1000); err != nil {
		t.Fatalf("ApplyDeposit: %v", err)
	}

	pos := m.Get(userID)
	if pos.Deposited(state.TrancheSenior) != 9_950_000_000 {
		t.Errorf("deposited = %d, want 9_950_000_000", pos.Deposited(state.TrancheSenior))
	}
	lots := pos.Lots(state.TrancheSenior)
	if len(lots) != 1 || lots[0].Amount != 9_950_000_000 {
		t.Errorf("lots = %+v, want single lot of net amount", lots)
	}
	if m.TrancheTotal(state.TrancheSenior) != 9_950_000_000 {
		t.Errorf("tranche total = %d", m.TrancheTotal(state.TrancheSenior))
	}
}

func TestValidateDeposit_Cooldown(t *testing.T) {
	m := state.NewPositionManager()
	params := testParams()
	userID := uuid.New()

	fees, err := m.ValidateDeposit(params, userID, state.TrancheJunior, 200_000_000, false, 1000)
	if err != nil {
		t.Fatalf("ValidateDeposit: %v", err)
	}
	if err := m.ApplyDeposit(userID, state.TrancheJunior, fees.Net, nil, 1000); err != nil {
		t.Fatalf("ApplyDeposit: %v", err)
	}

	_, err = m.ValidateDeposit(params, userID, state.TrancheJunior, 200_000_000, false, 1030)
	if !errors.Is(err, state.ErrDepositCooldown) {
		t.Errorf("err = %v, want ErrDepositCooldown", err)
	}

	// cooldown is per tranche
	if _, err := m.ValidateDeposit(params, userID, state.TrancheSenior, 200_000_000, false, 1030); err != nil {
		t.Errorf("other tranche should not be in cooldown: %v", err)
	}

	// elapsed
	if _, err := m.ValidateDeposit(params, userID, state.TrancheJunior, 200_000_000, false, 1060); err != nil {
		t.Errorf("cooldown elapsed, got %v", err)
	}
}

func TestValidateDeposit_UserCap(t *testing.T) {
	m := state.NewPositionManager()
	params := testParams()
	params.ProtocolFeeBps = 0
	params.UserDepositCap = 500_000_000
	userID := uuid.New()

	fees, err := m.ValidateDeposit(params, userID, state.TrancheSenior, 400_000_000, false, 1000)
	if err != nil {
		t.Fatalf("ValidateDeposit: %v", err)
	}
	if err := m.ApplyDeposit(userID, state.TrancheSenior, fees.Net, nil, 1000); err != nil {
		t.Fatalf("ApplyDeposit: %v", err)
	}

	// cap applies to the cross-tranche total
	_, err = m.ValidateDeposit(params, userID, state.TrancheJunior, 200_000_000, false, 2000)
	if !errors.Is(err, state.ErrCapExceeded) {
		t.Errorf("err = %v, want ErrCapExceeded", err)
	}
	if _, err := m.ValidateDeposit(params, userID, state.TrancheJunior, 100_000_000, false, 2000); err != nil {
		t.Errorf("within cap, got %v", err)
	}
}

func TestWithdrawal_LockupAndFIFO(t *testing.T) {
	m := state.NewPositionManager()
	userID := uuid.New()

	if err := m.ApplyDeposit(userID, state.TrancheSenior, 1_000_000_000, nil, 1000); err != nil {
		t.Fatalf("ApplyDeposit: %v", err)
	}

	// before lockup
	err := m.ApplyWithdrawal(userID, state.TrancheSenior, 500_000_000, 1500, 86_400)
	if !errors.Is(err, ledger.ErrInsufficientMaturedFunds) {
		t.Fatalf("err = %v, want ErrInsufficientMaturedFunds", err)
	}
	if m.TrancheTotal(state.TrancheSenior) != 1_000_000_000 {
		t.Error("failed withdrawal must not mutate totals")
	}

	// after lockup
	if err := m.ApplyWithdrawal(userID, state.TrancheSenior, 500_000_000, 1000+86_400, 86_400); err != nil {
		t.Fatalf("ApplyWithdrawal: %v", err)
	}
	pos := m.Get(userID)
	if pos.Deposited(state.TrancheSenior) != 500_000_000 {
		t.Errorf("deposited = %d, want 500_000_000", pos.Deposited(state.TrancheSenior))
	}
	if m.TrancheTotal(state.TrancheSenior) != 500_000_000 {
		t.Errorf("tranche total = %d, want 500_000_000", m.TrancheTotal(state.TrancheSenior))
	}
}

func TestWithdrawal_NoPosition(t *testing.T) {
	m := state.NewPositionManager()
	err := m.ApplyWithdrawal(uuid.New(), state.TrancheSenior, 100, 1000, 0)
	if !errors.Is(err, ledger.ErrInsufficientMaturedFunds) {
		t.Errorf("err = %v, want ErrInsufficientMaturedFunds", err)
	}
}

func TestPosition_WeightedStake(t *testing.T) {
	m := state.NewPositionManager()
	userID := uuid.New()

	_ = m.ApplyDeposit(userID, state.TrancheSenior, 9_950_000_000, nil, 1000)
	_ = m.ApplyDeposit(userID, state.TrancheJunior, 7_500_000_000, nil, 1000)

	// junior at 1.5x weight
	got := m.Get(userID).WeightedStake(10_000, 15_000)
	if got != 9_950_000_000+11_250_000_000 {
		t.Errorf("weighted stake = %d, want 21_200_000_000", got)
	}
	if m.WeightedTotal(10_000, 15_000) != 21_200_000_000 {
		t.Errorf("weighted total = %d, want 21_200_000_000", m.WeightedTotal(10_000, 15_000))
	}
}

func TestPosition_ReferrerSetOnce(t *testing.T) {
	m := state.NewPositionManager()
	userID := uuid.New()
	ref1 := uuid.New()
	ref2 := uuid.New()

	_ = m.ApplyDeposit(userID, state.TrancheSenior, 1_000, &ref1, 1000)
	_ = m.ApplyDeposit(userID, state.TrancheSenior, 1_000, &ref2, 2000)

	pos := m.Get(userID)
	if pos.Referrer == nil || *pos.Referrer != ref1 {
		t.Errorf("referrer = %v, want first referrer %s", pos.Referrer, ref1)
	}
}

func TestClaimRegistry_DoubleInsert(t *testing.T) {
	r := state.NewClaimRegistry()
	userID := uuid.New()

	receipt := state.ClaimReceipt{EpochID: "e1", UserID: userID, Amount: 100, Sequence: 7, Timestamp: 1000}
	if err := r.Insert(receipt); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dup := receipt
	dup.Amount = 999
	if err := r.Insert(dup); !errors.Is(err, state.ErrAlreadyClaimed) {
		t.Fatalf("err = %v, want ErrAlreadyClaimed", err)
	}

	// original receipt untouched
	got, ok := r.Get("e1", userID)
	if !ok || got.Amount != 100 {
		t.Errorf("receipt = %+v, want original amount 100", got)
	}

	// same user, different epoch is a fresh claim
	other := receipt
	other.EpochID = "e2"
	if err := r.Insert(other); err != nil {
		t.Errorf("Insert other epoch: %v", err)
	}
	if r.CountForEpoch("e1") != 1 || r.CountForEpoch("e2") != 1 {
		t.Error("per-epoch counts wrong")
	}
}

func TestAccessControl(t *testing.T) {
	admin := uuid.New()
	reporter := uuid.New()
	outsider := uuid.New()

	ac := state.NewAccessControl(admin)
	ac.AddReporter(reporter)

	if !ac.IsAdmin(admin) || ac.IsAdmin(reporter) {
		t.Error("admin check wrong")
	}
	if !ac.CanReport(admin) || !ac.CanReport(reporter) || ac.CanReport(outsider) {
		t.Error("reporter check wrong")
	}

	ac.RemoveReporter(reporter)
	if ac.CanReport(reporter) {
		t.Error("removed reporter can still report")
	}
}

func TestPayoutPolicy_Roundtrip(t *testing.T) {
	for _, p := range []state.PayoutPolicy{state.PolicyProportional, state.PolicyCapped, state.PolicyEpochBounded} {
		got, err := state.ParsePayoutPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePayoutPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := state.ParsePayoutPolicy("bogus"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
