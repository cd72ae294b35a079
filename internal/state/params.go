package state

import (
	"fmt"

	"TranchePool/internal/math"
)

// PayoutPolicy selects how entitlements are bounded during claims.
type PayoutPolicy int32

const (
	// PolicyProportional pays each claimant their weighted share of the
	// base liability.
	PolicyProportional PayoutPolicy = iota
	// PolicyCapped additionally bounds each claimant by a per-user cap
	// expressed in bps of their weighted stake.
	PolicyCapped
	// PolicyEpochBounded additionally bounds cumulative payouts by the
	// epoch cap, serving claims in strict arrival order.
	PolicyEpochBounded
)

func (p PayoutPolicy) String() string {
	switch p {
	case PolicyProportional:
		return "proportional"
	case PolicyCapped:
		return "capped"
	case PolicyEpochBounded:
		return "epoch_bounded"
	default:
		return "unknown"
	}
}

// ParsePayoutPolicy converts the wire representation back to a policy.
func ParsePayoutPolicy(s string) (PayoutPolicy, error) {
	switch s {
	case "proportional":
		return PolicyProportional, nil
	case "capped":
		return PolicyCapped, nil
	case "epoch_bounded":
		return PolicyEpochBounded, nil
	default:
		return 0, fmt.Errorf("unknown payout policy %q", s)
	}
}

// PoolParams is the admin-owned pool configuration. It is passed explicitly
// to every operation that needs it; there is no ambient global.
type PoolParams struct {
	Asset    string
	Treasury string

	Policy         PayoutPolicy
	UserDepositCap int64
	MinDeposit     int64
	ProtocolFeeBps int64
	ReferralFeeBps int64

	LockupSeconds             int64
	MinSecondsBetweenDeposits int64

	EpochCap        int64
	RollingMode     bool
	MaxStaleSeconds int64

	// Severity curve coefficients in 1e6 fixed point plus the payout floor.
	CurveA           int64
	CurveB           int64
	CurveC           int64
	SeverityFloorBps int64

	// Tranche weight multipliers in bps. 10000 = 1x.
	WeightSeniorBps int64
	WeightJuniorBps int64

	// Default per-user cap for the Capped policy, bps of the claimant's
	// weighted stake. 0 means uncapped unless overridden at trigger time.
	DefaultUserCapBps int64
}

// Validate enforces the configuration bounds. Called at initialization and
// again on every admin mutation.
func (p *PoolParams) Validate() error {
	if p.Asset == "" {
		return fmt.Errorf("asset must be set")
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps > math.BpsDenom {
		return fmt.Errorf("protocol fee out of range: %d bps", p.ProtocolFeeBps)
	}
	if p.ReferralFeeBps < 0 || p.ReferralFeeBps > math.BpsDenom {
		return fmt.Errorf("referral fee out of range: %d bps", p.ReferralFeeBps)
	}
	if p.ProtocolFeeBps+p.ReferralFeeBps > math.BpsDenom {
		return fmt.Errorf("combined fees exceed 10000 bps")
	}
	if p.SeverityFloorBps < 0 || p.SeverityFloorBps > math.BpsDenom {
		return fmt.Errorf("severity floor out of range: %d bps", p.SeverityFloorBps)
	}
	if p.WeightSeniorBps <= 0 || p.WeightJuniorBps <= 0 {
		return fmt.Errorf("tranche weights must be positive: senior=%d junior=%d",
			p.WeightSeniorBps, p.WeightJuniorBps)
	}
	if p.MinDeposit < 0 {
		return fmt.Errorf("min deposit must be non-negative: %d", p.MinDeposit)
	}
	if p.UserDepositCap < 0 {
		return fmt.Errorf("user deposit cap must be non-negative: %d", p.UserDepositCap)
	}
	if p.LockupSeconds < 0 {
		return fmt.Errorf("lockup must be non-negative: %d", p.LockupSeconds)
	}
	if p.MinSecondsBetweenDeposits < 0 {
		return fmt.Errorf("deposit cooldown must be non-negative: %d", p.MinSecondsBetweenDeposits)
	}
	if p.EpochCap < 0 {
		return fmt.Errorf("epoch cap must be non-negative: %d", p.EpochCap)
	}
	if p.MaxStaleSeconds < 0 {
		return fmt.Errorf("max staleness must be non-negative: %d", p.MaxStaleSeconds)
	}
	if p.DefaultUserCapBps < 0 {
		return fmt.Errorf("default user cap must be non-negative: %d bps", p.DefaultUserCapBps)
	}
	return nil
}
