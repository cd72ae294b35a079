package ledger_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"TranchePool/internal/ledger"
	"TranchePool/internal/math"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeSeniorStake, assetID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:senior_stake:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemVault, assetID)

	path := key.AccountPath()
	if path != "system:vault:USDC" {
		t.Errorf("got %q, want %q", path, "system:vault:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalClaims, assetID)

	path := key.AccountPath()
	if path != "external:claims:USDC" {
		t.Errorf("got %q, want %q", path, "external:claims:USDC")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: JournalGenerator + BalanceTracker
// ============================================================================

func usdc(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC must be a known asset")
	}
	return id
}

func TestDepositBatch_SplitsFeesAndCreditsStake(t *testing.T) {
	assetID := usdc(t)
	userID := uuid.New()
	gen := ledger.NewJournalGenerator(0)
	tracker := ledger.NewBalanceTracker()

	// 10_000 USDC gross at 50 bps protocol fee, no referrer
	gross := int64(10_000_000_000)
	fees := math.ComputeFees(gross, 50, 0, false)
	if fees.Net != 9_950_000_000 {
		t.Fatalf("net = %d, want 9_950_000_000", fees.Net)
	}

	batch, err := gen.DepositBatch("evt-dep", userID, ledger.SubTypeSeniorStake, assetID, gross, fees, 1000)
	if err != nil {
		t.Fatalf("DepositBatch: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := tracker.GetPoolBalance(assetID); got != 9_950_000_000 {
		t.Errorf("pool balance = %d, want 9_950_000_000", got)
	}
	if got := tracker.GetUserStake(userID, ledger.SubTypeSeniorStake, assetID); got != 9_950_000_000 {
		t.Errorf("user stake = %d, want 9_950_000_000", got)
	}
	treasury := ledger.NewExternalAccountKey(ledger.SubTypeExternalTreasury, assetID)
	if got := tracker.GetBalance(treasury); got != 50_000_000 {
		t.Errorf("treasury = %d, want 50_000_000", got)
	}
}

func TestDepositBatch_ReferralLeg(t *testing.T) {
	assetID := usdc(t)
	gen := ledger.NewJournalGenerator(0)
	tracker := ledger.NewBalanceTracker()

	gross := int64(1_000_000_000)
	fees := math.ComputeFees(gross, 100, 25, true)

	batch, err := gen.DepositBatch("evt-dep", uuid.New(), ledger.SubTypeJuniorStake, assetID, gross, fees, 1000)
	if err != nil {
		t.Fatalf("DepositBatch: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	referral := ledger.NewExternalAccountKey(ledger.SubTypeExternalReferral, assetID)
	if got := tracker.GetBalance(referral); got != 2_500_000 {
		t.Errorf("referral = %d, want 2_500_000", got)
	}
}

func TestDepositBatch_RejectsInvalidTranche(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	fees := math.ComputeFees(1_000_000, 0, 0, false)
	_, err := gen.DepositBatch("evt-dep", uuid.New(), ledger.SubTypeSystemVault, usdc(t), 1_000_000, fees, 1000)
	if err == nil {
		t.Error("expected error for non-tranche sub-type")
	}
}

func TestWithdrawalBatch_ReversesStakeAndCash(t *testing.T) {
	assetID := usdc(t)
	userID := uuid.New()
	gen := ledger.NewJournalGenerator(0)
	tracker := ledger.NewBalanceTracker()

	fees := math.ComputeFees(5_000_000_000, 0, 0, false)
	dep, _ := gen.DepositBatch("evt-dep", userID, ledger.SubTypeSeniorStake, assetID, 5_000_000_000, fees, 1000)
	if err := tracker.ApplyBatch(dep); err != nil {
		t.Fatalf("ApplyBatch deposit: %v", err)
	}

	wd, err := gen.WithdrawalBatch("evt-wd", userID, ledger.SubTypeSeniorStake, assetID, 2_000_000_000, 2000)
	if err != nil {
		t.Fatalf("WithdrawalBatch: %v", err)
	}
	if err := tracker.ApplyBatch(wd); err != nil {
		t.Fatalf("ApplyBatch withdrawal: %v", err)
	}

	if got := tracker.GetPoolBalance(assetID); got != 3_000_000_000 {
		t.Errorf("pool balance = %d, want 3_000_000_000", got)
	}
	if got := tracker.GetUserStake(userID, ledger.SubTypeSeniorStake, assetID); got != 3_000_000_000 {
		t.Errorf("user stake = %d, want 3_000_000_000", got)
	}
}

func TestPayoutBatch_LeavesStakeUntouched(t *testing.T) {
	assetID := usdc(t)
	userID := uuid.New()
	gen := ledger.NewJournalGenerator(0)
	tracker := ledger.NewBalanceTracker()

	fees := math.ComputeFees(8_000_000_000, 0, 0, false)
	dep, _ := gen.DepositBatch("evt-dep", userID, ledger.SubTypeJuniorStake, assetID, 8_000_000_000, fees, 1000)
	if err := tracker.ApplyBatch(dep); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	payout, err := gen.PayoutBatch("evt-pay", assetID, 3_000_000_000, 2000)
	if err != nil {
		t.Fatalf("PayoutBatch: %v", err)
	}
	if err := tracker.ApplyBatch(payout); err != nil {
		t.Fatalf("ApplyBatch payout: %v", err)
	}

	if got := tracker.GetPoolBalance(assetID); got != 5_000_000_000 {
		t.Errorf("pool balance = %d, want 5_000_000_000", got)
	}
	// claims drain pool cash, not individual principal
	if got := tracker.GetUserStake(userID, ledger.SubTypeJuniorStake, assetID); got != 8_000_000_000 {
		t.Errorf("user stake = %d, want 8_000_000_000", got)
	}
}

// ============================================================================
// Test: Validator
// ============================================================================

func TestValidator_ZeroSumHoldsAcrossFlows(t *testing.T) {
	assetID := usdc(t)
	gen := ledger.NewJournalGenerator(0)
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewValidator(tracker)

	userID := uuid.New()
	fees := math.ComputeFees(10_000_000_000, 50, 25, true)
	dep, _ := gen.DepositBatch("evt-dep", userID, ledger.SubTypeSeniorStake, assetID, 10_000_000_000, fees, 1000)
	if err := tracker.ApplyBatch(dep); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	payout, _ := gen.PayoutBatch("evt-pay", assetID, 1_000_000_000, 2000)
	if err := tracker.ApplyBatch(payout); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	dust, _ := gen.DustSweepBatch("evt-dust", assetID, 1, 3000)
	if err := tracker.ApplyBatch(dust); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := validator.ValidateAll(assetID); err != nil {
		t.Errorf("ValidateAll: %v", err)
	}
}

func TestValidator_DetectsCorruptedBalance(t *testing.T) {
	assetID := usdc(t)
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewValidator(tracker)

	tracker.SetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemVault, assetID), 42)

	if err := validator.ValidateZeroSum(); err == nil {
		t.Error("expected zero-sum violation after direct balance write")
	}
}

func TestValidator_StakeMatchesLots(t *testing.T) {
	assetID := usdc(t)
	userID := uuid.New()
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewValidator(tracker)
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeSeniorStake, assetID)

	tracker.SetBalance(key, 500)
	if err := validator.ValidateStakeMatchesLots(key, 500); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := validator.ValidateStakeMatchesLots(key, 400); err == nil {
		t.Error("expected divergence error")
	}
}

// ============================================================================
// Test: LotQueue
// ============================================================================

func TestLotQueue_FIFOConsumption(t *testing.T) {
	q := ledger.NewLotQueue()
	if err := q.Append(100, 10); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q.Append(200, 20); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := q.ConsumeMatured(150, 100, 50); err != nil {
		t.Fatalf("ConsumeMatured: %v", err)
	}

	lots := q.Lots()
	if len(lots) != 1 {
		t.Fatalf("live lots = %d, want 1", len(lots))
	}
	// first lot fully drained, second partially
	if lots[0].Amount != 150 || lots[0].DepositTS != 20 {
		t.Errorf("remaining lot = %+v, want amount 150 from second deposit", lots[0])
	}
	if q.Total() != 150 {
		t.Errorf("Total = %d, want 150", q.Total())
	}
}

func TestLotQueue_AllOrNothing(t *testing.T) {
	q := ledger.NewLotQueue()
	_ = q.Append(100, 0)   // matured at now=600, lockup=500
	_ = q.Append(100, 400) // still locked

	err := q.ConsumeMatured(150, 600, 500)
	if !errors.Is(err, ledger.ErrInsufficientMaturedFunds) {
		t.Fatalf("err = %v, want ErrInsufficientMaturedFunds", err)
	}
	// nothing consumed on failure
	if q.Total() != 200 {
		t.Errorf("Total = %d, want 200 after failed consume", q.Total())
	}
	if q.MaturedTotal(600, 500) != 100 {
		t.Errorf("MaturedTotal = %d, want 100", q.MaturedTotal(600, 500))
	}
}

func TestLotQueue_MaturesAtExactLockupBoundary(t *testing.T) {
	q := ledger.NewLotQueue()
	_ = q.Append(100, 1000)

	if got := q.MaturedTotal(1499, 500); got != 0 {
		t.Errorf("MaturedTotal before boundary = %d, want 0", got)
	}
	if got := q.MaturedTotal(1500, 500); got != 100 {
		t.Errorf("MaturedTotal at boundary = %d, want 100", got)
	}
}

func TestLotQueue_LockupChangeAppliesToExistingLots(t *testing.T) {
	q := ledger.NewLotQueue()
	_ = q.Append(100, 0)

	if got := q.MaturedTotal(100, 500); got != 0 {
		t.Errorf("MaturedTotal under long lockup = %d, want 0", got)
	}
	// shorter lockup makes the same lot withdrawable
	if got := q.MaturedTotal(100, 50); got != 100 {
		t.Errorf("MaturedTotal under short lockup = %d, want 100", got)
	}
}

func TestLotQueue_RejectsBadLots(t *testing.T) {
	q := ledger.NewLotQueue()
	if err := q.Append(0, 0); err == nil {
		t.Error("expected error for zero amount")
	}
	_ = q.Append(100, 500)
	if err := q.Append(100, 100); err == nil {
		t.Error("expected error for out-of-order timestamp")
	}
}
