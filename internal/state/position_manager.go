package state

import (
	"fmt"

	"github.com/google/uuid"

	"TranchePool/internal/ledger"
	"TranchePool/internal/math"
)

// PositionManager owns all user positions and the tranche aggregate totals.
// Positions are created lazily on first deposit.
type PositionManager struct {
	positions map[uuid.UUID]*UserPosition

	seniorTotal int64
	juniorTotal int64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[uuid.UUID]*UserPosition),
	}
}

// Get returns a position, or nil if the user never deposited.
func (m *PositionManager) Get(userID uuid.UUID) *UserPosition {
	return m.positions[userID]
}

func (m *PositionManager) getOrCreate(userID uuid.UUID) *UserPosition {
	pos, ok := m.positions[userID]
	if !ok {
		pos = NewUserPosition(userID)
		m.positions[userID] = pos
	}
	return pos
}

// TrancheTotal returns the aggregate principal in one tranche.
func (m *PositionManager) TrancheTotal(t Tranche) int64 {
	if t == TrancheJunior {
		return m.juniorTotal
	}
	return m.seniorTotal
}

// TotalDeposited returns the aggregate principal across both tranches.
func (m *PositionManager) TotalDeposited() int64 {
	return m.seniorTotal + m.juniorTotal
}

// WeightedTotal returns the tranche-weighted aggregate stake.
func (m *PositionManager) WeightedTotal(weightSeniorBps, weightJuniorBps int64) int64 {
	return math.WeightedStake(m.seniorTotal, m.juniorTotal, weightSeniorBps, weightJuniorBps)
}

// ValidateDeposit runs the deposit precondition chain and returns the fee
// breakdown for the gross amount. Order: amount positive, minimum, cooldown,
// user cap. The paused check happens upstream before any position is read.
func (m *PositionManager) ValidateDeposit(
	params *PoolParams,
	userID uuid.UUID,
	t Tranche,
	gross int64,
	hasReferrer bool,
	now int64,
) (math.FeeBreakdown, error) {
	if gross <= 0 {
		return math.FeeBreakdown{}, fmt.Errorf("deposit amount must be positive, got %d", gross)
	}
	if gross < params.MinDeposit {
		return math.FeeBreakdown{}, fmt.Errorf("%w: %d < %d", ErrMinDeposit, gross, params.MinDeposit)
	}

	pos := m.positions[userID]
	if pos != nil && params.MinSecondsBetweenDeposits > 0 {
		if last := pos.LastDepositTS(t); last > 0 && now-last < params.MinSecondsBetweenDeposits {
			return math.FeeBreakdown{}, fmt.Errorf("%w: %ds since last deposit, need %ds",
				ErrDepositCooldown, now-last, params.MinSecondsBetweenDeposits)
		}
	}

	fees := math.ComputeFees(gross, params.ProtocolFeeBps, params.ReferralFeeBps, hasReferrer)

	if params.UserDepositCap > 0 {
		var existing int64
		if pos != nil {
			existing = pos.TotalDeposited()
		}
		if existing+fees.Net > params.UserDepositCap {
			return math.FeeBreakdown{}, fmt.Errorf("%w: %d + %d > %d",
				ErrCapExceeded, existing, fees.Net, params.UserDepositCap)
		}
	}

	return fees, nil
}

// ApplyDeposit credits the validated net amount to the user's tranche and
// the aggregate totals, and records the lot.
func (m *PositionManager) ApplyDeposit(
	userID uuid.UUID,
	t Tranche,
	net int64,
	referrer *uuid.UUID,
	now int64,
) error {
	pos := m.getOrCreate(userID)
	if err := pos.applyDeposit(t, net, now); err != nil {
		return err
	}
	if pos.Referrer == nil && referrer != nil {
		ref := *referrer
		pos.Referrer = &ref
	}
	m.addToTotal(t, net)
	return nil
}

// ApplyWithdrawal consumes matured principal from the user's tranche and
// decrements the aggregate totals. All-or-nothing.
func (m *PositionManager) ApplyWithdrawal(
	userID uuid.UUID,
	t Tranche,
	amount, now, lockupSeconds int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	pos := m.positions[userID]
	if pos == nil {
		return fmt.Errorf("user %s has no position: %w", userID.String(), ledger.ErrInsufficientMaturedFunds)
	}
	if err := pos.applyWithdrawal(t, amount, now, lockupSeconds); err != nil {
		return err
	}
	m.addToTotal(t, -amount)
	return nil
}

func (m *PositionManager) addToTotal(t Tranche, delta int64) {
	if t == TrancheJunior {
		m.juniorTotal += delta
	} else {
		m.seniorTotal += delta
	}
}
